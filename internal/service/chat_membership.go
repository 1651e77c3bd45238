package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// MembershipGate answers whether a user may act on a room or conversation.
type MembershipGate interface {
	IsRoomMember(ctx context.Context, userID, roomID uint) (bool, error)
	IsConversationParticipant(ctx context.Context, userID, conversationID uint) (bool, error)
	Conversation(ctx context.Context, userID, conversationID uint) (models.PrivateConversation, bool, error)
	RoomIDs(ctx context.Context, userID uint) ([]uint, error)
	ConversationIDs(ctx context.Context, userID uint) ([]uint, error)
}

type membershipGate struct {
	rooms         repository.RoomRepository
	conversations repository.ConversationRepository
}

// NewMembershipGate constructs a gate backed by the room and conversation repositories.
func NewMembershipGate(rooms repository.RoomRepository, conversations repository.ConversationRepository) MembershipGate {
	return &membershipGate{rooms: rooms, conversations: conversations}
}

func (g *membershipGate) IsRoomMember(ctx context.Context, userID, roomID uint) (bool, error) {
	if userID == 0 || roomID == 0 {
		return false, nil
	}
	return g.rooms.IsMember(ctx, roomID, userID)
}

func (g *membershipGate) IsConversationParticipant(ctx context.Context, userID, conversationID uint) (bool, error) {
	_, ok, err := g.Conversation(ctx, userID, conversationID)
	return ok, err
}

// Conversation loads the conversation and reports whether userID participates in it.
// A missing conversation is not an error.
func (g *membershipGate) Conversation(ctx context.Context, userID, conversationID uint) (models.PrivateConversation, bool, error) {
	if userID == 0 || conversationID == 0 {
		return models.PrivateConversation{}, false, nil
	}

	conversation, err := g.conversations.FindByID(ctx, conversationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PrivateConversation{}, false, nil
	}
	if err != nil {
		return models.PrivateConversation{}, false, err
	}
	return conversation, conversation.IsParticipant(userID), nil
}

func (g *membershipGate) RoomIDs(ctx context.Context, userID uint) ([]uint, error) {
	return g.rooms.RoomIDsForUser(ctx, userID)
}

func (g *membershipGate) ConversationIDs(ctx context.Context, userID uint) ([]uint, error) {
	return g.conversations.IDsForUser(ctx, userID)
}
