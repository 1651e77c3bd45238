package service

import (
	"context"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
)

// RoomHistory returns one page of a room's history to a member.
func (s *chatService) RoomHistory(ctx context.Context, userID uint, query dto.ChatHistoryQuery) (dto.RoomHistoryPage, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.RoomHistoryPage{}, err
	}

	ok, err := s.gate.IsRoomMember(ctx, userID, query.ChannelID)
	if err != nil {
		return dto.RoomHistoryPage{}, err
	}
	if !ok {
		return dto.RoomHistoryPage{}, ErrChatNotMember
	}

	page := query.Page
	if page <= 0 {
		page = 1
	}

	messages, hasMore, err := s.messages.ListByRoom(ctx, query.ChannelID, page, query.Limit)
	if err != nil {
		return dto.RoomHistoryPage{}, err
	}

	ids := make([]uint, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	reactions, err := s.reactions.ListForMessages(ctx, models.MessageKindRoom, ids)
	if err != nil {
		return dto.RoomHistoryPage{}, err
	}

	out := dto.NewChatMessageResponseSlice(messages)
	for i := range out {
		out[i].Reactions = dto.NewReactionResponses(reactions[out[i].ID])
	}

	return dto.RoomHistoryPage{Messages: out, Page: page, HasMore: hasMore}, nil
}

// ConversationHistory returns one page of a conversation's history to a participant.
func (s *chatService) ConversationHistory(ctx context.Context, userID uint, query dto.ChatHistoryQuery) (dto.PrivateHistoryPage, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.PrivateHistoryPage{}, err
	}

	ok, err := s.gate.IsConversationParticipant(ctx, userID, query.ChannelID)
	if err != nil {
		return dto.PrivateHistoryPage{}, err
	}
	if !ok {
		return dto.PrivateHistoryPage{}, ErrChatNotMember
	}

	page := query.Page
	if page <= 0 {
		page = 1
	}

	messages, hasMore, err := s.privateMessages.ListByConversation(ctx, query.ChannelID, page, query.Limit)
	if err != nil {
		return dto.PrivateHistoryPage{}, err
	}

	ids := make([]uint, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	statuses, err := s.privateMessages.Statuses(ctx, ids)
	if err != nil {
		return dto.PrivateHistoryPage{}, err
	}
	reactions, err := s.reactions.ListForMessages(ctx, models.MessageKindPrivate, ids)
	if err != nil {
		return dto.PrivateHistoryPage{}, err
	}

	out := dto.NewPrivateMessageResponseSlice(messages)
	for i := range out {
		out[i].Status = statuses[out[i].ID]
		out[i].Reactions = dto.NewReactionResponses(reactions[out[i].ID])
	}

	return dto.PrivateHistoryPage{Messages: out, Page: page, HasMore: hasMore}, nil
}
