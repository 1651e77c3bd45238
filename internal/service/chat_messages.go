package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

const attachmentPlaceholder = "Sent an attachment"

// messageCreatedEvent is the domain event published after a message is stored.
type messageCreatedEvent struct {
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	ChannelID uint      `json:"channel_id"`
	MessageID uint      `json:"message_id"`
	SenderID  uint      `json:"sender_id"`
	Type      string    `json:"type"`
	SentAt    time.Time `json:"sent_at"`
}

type messageDraft struct {
	content  string
	kind     string
	fileURL  string
	fileName string
	fileSize int64
}

// prepareMessage validates and sanitises a message. File-only messages get a
// placeholder body.
func (s *chatService) prepareMessage(payload interface{}, content, messageType, fileURL, fileName string, fileSize int64) (messageDraft, error) {
	if err := s.validator.Struct(payload); err != nil {
		return messageDraft{}, invalid("invalid message payload", err)
	}

	draft := messageDraft{
		content:  strings.TrimSpace(s.sanitizer.Sanitize(content)),
		kind:     messageType,
		fileURL:  strings.TrimSpace(fileURL),
		fileName: strings.TrimSpace(s.sanitizer.Sanitize(fileName)),
		fileSize: fileSize,
	}

	if draft.content == "" {
		if draft.fileURL == "" {
			return messageDraft{}, invalid("message content is required", nil)
		}
		draft.content = draft.fileName
		if draft.content == "" {
			draft.content = attachmentPlaceholder
		}
	}

	if draft.kind == "" {
		draft.kind = models.MessageTypeText
		if draft.fileURL != "" {
			draft.kind = models.MessageTypeFile
		}
	}

	return draft, nil
}

func (s *chatService) allowSend(ctx context.Context, session *chatSession) error {
	allowed, err := s.limiter.Allow(ctx, strconv.FormatUint(uint64(session.userID), 10), s.cfg.MessageRule)
	if err != nil {
		session.logger.Debug().Err(err).Msg("rate limiter unavailable")
	}
	if !allowed {
		return newChatError(ChatErrRateLimited, "too many messages, slow down", nil)
	}
	return nil
}

// sendRoomMessage runs the ingest pipeline for a room message: validate, gate,
// throttle, persist, reload, clear typing, broadcast. The channel stays locked
// from insert to broadcast.
func (s *chatService) sendRoomMessage(ctx context.Context, session *chatSession, payload dto.SendMessage) error {
	start := time.Now()

	draft, err := s.prepareMessage(payload, payload.Content, payload.Type, payload.FileURL, payload.FileName, payload.FileSize)
	if err != nil {
		return err
	}
	if err := s.requireRoom(ctx, session, payload.RoomID); err != nil {
		return err
	}
	if err := s.allowSend(ctx, session); err != nil {
		return err
	}

	if payload.ReplyTo != nil {
		parent, err := s.messages.FindByID(ctx, *payload.ReplyTo)
		if err != nil || parent.RoomID != payload.RoomID {
			return invalid("replied message not found in this room", err)
		}
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.send_message", trace.WithAttributes(
		attribute.Int("chat.room_id", int(payload.RoomID)),
		attribute.Int("chat.sender_id", int(session.userID)),
		attribute.String("chat.type", draft.kind),
		attribute.String("correlation_id", session.correlation),
	))
	defer span.End()

	ref := roomChannel(payload.RoomID)
	unlock := s.ordering.lock(ref)
	defer unlock()

	model := models.ChatMessage{
		RoomID:    payload.RoomID,
		SenderID:  session.userID,
		Content:   draft.content,
		Type:      draft.kind,
		ReplyToID: payload.ReplyTo,
		FileURL:   draft.fileURL,
		FileName:  draft.fileName,
		FileSize:  draft.fileSize,
	}
	if err := s.messages.CreateInRoom(spanCtx, &model); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return persistenceFailure("error sending message", err)
	}

	stored, err := s.messages.FindWithSender(spanCtx, model.ID)
	if err != nil {
		session.logger.Warn().Err(err).Uint("message_id", model.ID).Msg("failed to reload chat message")
		stored = model
		stored.Sender = models.User{ID: session.userID, Username: session.username}
	}
	response := dto.NewChatMessageResponse(stored)

	if s.typing.stop(ref, session.userID) {
		s.channels.publish(ref, stopTypingEvent(ref, session.userID, session.username), session)
	}
	s.channels.publish(ref, dto.NewMessage{ChatMessageResponse: response}, nil)

	s.cacheLastMessage(spanCtx, response)
	s.publishCreated(messageCreatedEvent{
		Kind:      models.MessageKindRoom,
		ChannelID: payload.RoomID,
		MessageID: response.ID,
		SenderID:  session.userID,
		Type:      response.Type,
	})

	span.SetStatus(codes.Ok, "delivered")
	observability.ChatMessages().WithLabelValues(models.MessageKindRoom).Inc()
	observability.ChatIngestLatency().WithLabelValues(models.MessageKindRoom).Observe(time.Since(start).Seconds())
	return nil
}

// sendPrivateMessage runs the ingest pipeline for a private message. The
// receiver's status row is created with the message.
func (s *chatService) sendPrivateMessage(ctx context.Context, session *chatSession, payload dto.SendPrivateMessage) error {
	start := time.Now()

	draft, err := s.prepareMessage(payload, payload.Content, payload.MessageType, payload.FileURL, payload.FileName, payload.FileSize)
	if err != nil {
		return err
	}
	access, err := s.requireConversation(ctx, session, payload.ConversationID)
	if err != nil {
		return err
	}
	if err := s.allowSend(ctx, session); err != nil {
		return err
	}

	if payload.ReplyTo != nil {
		parent, err := s.privateMessages.FindByID(ctx, *payload.ReplyTo)
		if err != nil || parent.ConversationID != payload.ConversationID {
			return invalid("replied message not found in this conversation", err)
		}
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.send_private_message", trace.WithAttributes(
		attribute.Int("chat.conversation_id", int(payload.ConversationID)),
		attribute.Int("chat.sender_id", int(session.userID)),
		attribute.String("chat.type", draft.kind),
		attribute.String("correlation_id", session.correlation),
	))
	defer span.End()

	ref := privateChannel(payload.ConversationID)
	unlock := s.ordering.lock(ref)
	defer unlock()

	model := models.PrivateMessage{
		ConversationID: payload.ConversationID,
		SenderID:       session.userID,
		Content:        draft.content,
		Type:           draft.kind,
		ReplyToID:      payload.ReplyTo,
		FileURL:        draft.fileURL,
		FileName:       draft.fileName,
		FileSize:       draft.fileSize,
	}
	if err := s.privateMessages.CreateInConversation(spanCtx, &model, access.peerID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return persistenceFailure("error sending message", err)
	}

	stored, err := s.privateMessages.FindWithSender(spanCtx, model.ID)
	if err != nil {
		session.logger.Warn().Err(err).Uint("message_id", model.ID).Msg("failed to reload private message")
		stored = model
		stored.Sender = models.User{ID: session.userID, Username: session.username}
	}
	response := dto.NewPrivateMessageResponse(stored)
	response.Status = models.MessageStatusSent

	s.joinOnline(ref, session.userID, access.peerID)
	if s.typing.stop(ref, session.userID) {
		s.channels.publish(ref, stopTypingEvent(ref, session.userID, session.username), session)
	}
	s.channels.publish(ref, dto.NewPrivateMessage{PrivateMessageResponse: response}, nil)

	s.publishCreated(messageCreatedEvent{
		Kind:      models.MessageKindPrivate,
		ChannelID: payload.ConversationID,
		MessageID: response.ID,
		SenderID:  session.userID,
		Type:      response.Type,
	})

	span.SetStatus(codes.Ok, "delivered")
	observability.ChatMessages().WithLabelValues(models.MessageKindPrivate).Inc()
	observability.ChatIngestLatency().WithLabelValues(models.MessageKindPrivate).Observe(time.Since(start).Seconds())
	return nil
}

// markDelivered advances the caller's status on a private message to delivered.
func (s *chatService) markDelivered(ctx context.Context, session *chatSession, payload dto.PrivateMessageDelivered) error {
	message, err := s.privateMessages.FindByID(ctx, payload.MessageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return invalid("message not found", err)
	}
	if err != nil {
		return persistenceFailure("error updating message status", err)
	}
	if _, err := s.requireConversation(ctx, session, message.ConversationID); err != nil {
		return err
	}

	changed, err := s.privateMessages.AdvanceStatus(ctx, message.ID, session.userID, models.MessageStatusDelivered)
	if err != nil {
		return persistenceFailure("error updating message status", err)
	}
	if changed {
		s.channels.publish(privateChannel(message.ConversationID), dto.PrivateMessageStatus{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			UserID:         session.userID,
			Status:         models.MessageStatusDelivered,
		}, nil)
	}
	return nil
}

// markRead marks every message the caller received in the conversation as read.
func (s *chatService) markRead(ctx context.Context, session *chatSession, payload dto.MarkPrivateRead) error {
	if err := s.validator.Struct(payload); err != nil {
		return invalid("invalid conversation", err)
	}
	if _, err := s.requireConversation(ctx, session, payload.ConversationID); err != nil {
		return err
	}

	updated, err := s.privateMessages.MarkConversationRead(ctx, payload.ConversationID, session.userID)
	if err != nil {
		return persistenceFailure("error updating message status", err)
	}
	if updated > 0 {
		s.channels.publish(privateChannel(payload.ConversationID), dto.PrivateMessageStatus{
			ConversationID: payload.ConversationID,
			UserID:         session.userID,
			Status:         models.MessageStatusRead,
		}, nil)
	}
	return nil
}

func (s *chatService) cacheLastMessage(ctx context.Context, message dto.ChatMessageResponse) {
	if s.redis == nil || s.redisCache == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}

	if err := s.redis.Set(ctx, s.lastMessageKey(message.RoomID), payload, chatRedisTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

func (s *chatService) cachedLastMessage(ctx context.Context, roomID uint) *dto.ChatMessageResponse {
	if s.redis == nil || s.redisCache == "" {
		return nil
	}

	result, err := s.redis.Get(ctx, s.lastMessageKey(roomID)).Result()
	if err != nil {
		return nil
	}

	var message dto.ChatMessageResponse
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil
	}
	return &message
}

func (s *chatService) lastMessageKey(roomID uint) string {
	return fmt.Sprintf("%s:%d", s.redisCache, roomID)
}

func (s *chatService) publishCreated(event messageCreatedEvent) {
	if s.events == nil || s.eventSubject == "" {
		return
	}

	event.Source = s.nodeID
	event.SentAt = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat event")
		return
	}
	if err := s.events.Publish(s.eventSubject, payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish chat event")
	}
}
