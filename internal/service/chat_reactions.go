package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

// addReaction toggles the caller's reaction on a room message, or on a private
// message when a conversation id is supplied.
func (s *chatService) addReaction(ctx context.Context, session *chatSession, payload dto.AddReaction) error {
	if payload.MessageID == 0 || !models.IsValidReaction(payload.ReactionType) {
		return invalid("invalid reaction type", nil)
	}

	var (
		kind = models.MessageKindRoom
		ref  channelRef
	)
	if payload.ConversationID != 0 {
		kind = models.MessageKindPrivate
		access, err := s.requireConversation(ctx, session, payload.ConversationID)
		if err != nil {
			return err
		}
		message, err := s.privateMessages.FindByID(ctx, payload.MessageID)
		if err != nil || message.ConversationID != payload.ConversationID {
			return reactionLookupError(err)
		}
		ref = privateChannel(message.ConversationID)
		s.joinOnline(ref, session.userID, access.peerID)
	} else {
		message, err := s.messages.FindByID(ctx, payload.MessageID)
		if err != nil {
			return reactionLookupError(err)
		}
		if err := s.requireRoom(ctx, session, message.RoomID); err != nil {
			return err
		}
		ref = roomChannel(message.RoomID)
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.add_reaction", trace.WithAttributes(
		attribute.String("chat.message_kind", kind),
		attribute.Int("chat.message_id", int(payload.MessageID)),
		attribute.String("chat.reaction", payload.ReactionType),
	))
	defer span.End()

	action, err := s.reactions.Toggle(spanCtx, kind, payload.MessageID, session.userID, payload.ReactionType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "toggle failed")
		return persistenceFailure("error updating reaction", err)
	}
	span.SetAttributes(attribute.String("chat.reaction_action", action))

	update := dto.ReactionUpdate{
		MessageID:    payload.MessageID,
		UserID:       session.userID,
		ReactionType: payload.ReactionType,
		Action:       action,
	}
	if ref.kind == channelPrivate {
		update.ConversationID = ref.id
	} else {
		update.RoomID = ref.id
	}
	s.channels.publish(ref, update, nil)

	observability.ChatReactions().WithLabelValues(action).Inc()
	return nil
}

func reactionLookupError(err error) error {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return invalid("message not found", err)
	}
	return persistenceFailure("error updating reaction", err)
}
