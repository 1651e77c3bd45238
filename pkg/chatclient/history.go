package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

// HistoryPage is one page of older messages in chronological order.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// HistoryFetcher loads message history page by page (page 1 is the newest).
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, channel Channel, page, limit int) (HistoryPage, error)
}

// HTTPHistoryFetcher reads history from the chat REST endpoints.
type HTTPHistoryFetcher struct {
	BaseURL string
	Auth    AuthSource
	Client  *http.Client
}

type historyEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    struct {
		Page    int  `json:"page"`
		HasMore bool `json:"has_more"`
	} `json:"meta"`
}

// FetchHistory implements HistoryFetcher.
func (f *HTTPHistoryFetcher) FetchHistory(ctx context.Context, channel Channel, page, limit int) (HistoryPage, error) {
	creds, err := f.Auth.Ready(ctx)
	if err != nil {
		return HistoryPage{}, err
	}

	segment := "rooms"
	if channel.Kind == KindConversation {
		segment = "conversations"
	}
	endpoint := fmt.Sprintf("%s/api/v2/chat/%s/%d/messages", strings.TrimRight(f.BaseURL, "/"), segment, channel.ID)
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return HistoryPage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	var envelope historyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return HistoryPage{}, fmt.Errorf("decode history: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		return HistoryPage{}, fmt.Errorf("fetch history: status %d: %s", resp.StatusCode, envelope.Message)
	}

	result := HistoryPage{HasMore: envelope.Meta.HasMore}
	if channel.Kind == KindConversation {
		var messages []dto.PrivateMessageResponse
		if err := json.Unmarshal(envelope.Data, &messages); err != nil {
			return HistoryPage{}, fmt.Errorf("decode history: %w", err)
		}
		for _, message := range messages {
			result.Messages = append(result.Messages, privateMessage(message))
		}
		return result, nil
	}

	var messages []dto.ChatMessageResponse
	if err := json.Unmarshal(envelope.Data, &messages); err != nil {
		return HistoryPage{}, fmt.Errorf("decode history: %w", err)
	}
	for _, message := range messages {
		result.Messages = append(result.Messages, roomMessage(message))
	}
	return result, nil
}
