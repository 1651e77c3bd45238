package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// createRoom creates a room with its memberships and welcome message, then
// joins and notifies the invited members.
func (s *chatService) createRoom(ctx context.Context, session *chatSession, payload dto.CreateRoom) error {
	payload.Name = strings.TrimSpace(s.sanitizer.Sanitize(payload.Name))
	payload.Description = strings.TrimSpace(s.sanitizer.Sanitize(payload.Description))
	if err := s.validator.Struct(payload); err != nil {
		return invalid("invalid room payload", err)
	}

	allowed, err := s.limiter.Allow(ctx, strconv.FormatUint(uint64(session.userID), 10), s.cfg.RoomRule)
	if err != nil {
		session.logger.Debug().Err(err).Msg("rate limiter unavailable")
	}
	if !allowed {
		return newChatError(ChatErrRateLimited, "too many rooms created, slow down", nil)
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.create_room", trace.WithAttributes(
		attribute.String("chat.room_type", payload.Type),
		attribute.Int("chat.creator_id", int(session.userID)),
		attribute.Int("chat.invited", len(payload.MemberIDs)),
	))
	defer span.End()

	members, err := s.existingMembers(spanCtx, session.userID, payload.MemberIDs)
	if err != nil {
		span.RecordError(err)
		return persistenceFailure("error creating room", err)
	}
	memberIDs := make([]uint, 0, len(members))
	for _, member := range members {
		memberIDs = append(memberIDs, member.ID)
	}

	room := models.Room{
		Name:        payload.Name,
		Description: payload.Description,
		Type:        payload.Type,
		IsPublic:    payload.IsPublic,
		CreatedBy:   session.userID,
	}
	welcome := models.ChatMessage{
		SenderID: session.userID,
		Content:  fmt.Sprintf("Welcome to %s!", room.Name),
		Type:     models.MessageTypeText,
	}
	if err := s.rooms.CreateWithMembers(spanCtx, &room, memberIDs, &welcome); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return persistenceFailure("error creating room", err)
	}
	span.SetAttributes(attribute.Int("chat.room_id", int(room.ID)))

	ref := roomChannel(room.ID)
	unlock := s.ordering.lock(ref)
	defer unlock()

	roomResponse := dto.NewRoomResponse(room)

	s.channels.join(session, ref)
	session.emit(dto.RoomCreated{RoomResponse: roomResponse, IsCreator: true})

	for _, member := range members {
		if memberSession, ok := s.registry.get(member.ID); ok {
			s.channels.join(memberSession, ref)
			memberSession.emit(dto.RoomCreated{RoomResponse: roomResponse, IsCreator: false})
		}
		s.notifyInvite(spanCtx, session, room, member.ID)
	}

	stored, err := s.messages.FindWithSender(spanCtx, welcome.ID)
	if err != nil {
		session.logger.Warn().Err(err).Uint("message_id", welcome.ID).Msg("failed to reload welcome message")
		stored = welcome
		stored.Sender = models.User{ID: session.userID, Username: session.username}
	}
	response := dto.NewChatMessageResponse(stored)
	s.channels.publish(ref, dto.NewMessage{ChatMessageResponse: response}, nil)
	s.cacheLastMessage(spanCtx, response)

	span.SetStatus(codes.Ok, "created")
	return nil
}

// existingMembers de-duplicates the invited ids, drops the creator and keeps only known users.
func (s *chatService) existingMembers(ctx context.Context, creatorID uint, ids []uint) ([]models.User, error) {
	seen := make(map[uint]struct{}, len(ids))
	unique := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 || id == creatorID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, nil
	}
	return s.users.FindByIDs(ctx, unique)
}

func (s *chatService) notifyInvite(ctx context.Context, creator *chatSession, room models.Room, userID uint) {
	if s.notifications == nil {
		return
	}

	_, err := s.notifications.Notify(ctx, NotificationRequest{
		UserID:  userID,
		Type:    NotificationRoomInvite,
		Message: fmt.Sprintf("%s added you to %s", creator.username, room.Name),
		Data: map[string]interface{}{
			"room_id":    room.ID,
			"room_name":  room.Name,
			"invited_by": creator.userID,
		},
	})
	if err != nil {
		creator.logger.Warn().Err(err).Uint("room_id", room.ID).Uint("invitee_id", userID).Msg("failed to store room invite notification")
	}
}

// listRooms replies with every room the caller belongs to, including the last message.
func (s *chatService) listRooms(ctx context.Context, session *chatSession) error {
	rooms, err := s.rooms.ListForUser(ctx, session.userID)
	if err != nil {
		return persistenceFailure("error loading rooms", err)
	}

	out := make([]dto.RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response := dto.NewRoomResponse(room)
		if room.LastMessageID != nil {
			response.LastMessage = s.lastMessage(ctx, room.ID)
		}
		out = append(out, response)
		s.channels.join(session, roomChannel(room.ID))
	}

	session.emit(dto.RoomsList{Rooms: out})
	return nil
}

func (s *chatService) lastMessage(ctx context.Context, roomID uint) *dto.ChatMessageResponse {
	if cached := s.cachedLastMessage(ctx, roomID); cached != nil {
		return cached
	}

	message, err := s.messages.LatestByRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn().Err(err).Uint("room_id", roomID).Msg("failed to load last room message")
		}
		return nil
	}
	response := dto.NewChatMessageResponse(message)
	s.cacheLastMessage(ctx, response)
	return &response
}

// listConversations replies with the caller's conversations and their peers.
func (s *chatService) listConversations(ctx context.Context, session *chatSession) error {
	conversations, err := s.conversations.ListForUser(ctx, session.userID)
	if err != nil {
		return persistenceFailure("error loading conversations", err)
	}

	peerIDs := make([]uint, 0, len(conversations))
	for _, conversation := range conversations {
		peerIDs = append(peerIDs, conversation.OtherParticipant(session.userID))
	}
	peers, err := s.users.FindByIDs(ctx, peerIDs)
	if err != nil {
		return persistenceFailure("error loading conversations", err)
	}
	byID := make(map[uint]models.User, len(peers))
	for _, peer := range peers {
		byID[peer.ID] = peer
	}

	out := make([]dto.ConversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		peer := byID[conversation.OtherParticipant(session.userID)]
		out = append(out, dto.NewConversationResponse(conversation, dto.NewChatUserResponse(peer)))
		s.channels.join(session, privateChannel(conversation.ID))
	}

	session.emit(dto.PrivateConversationsList{Conversations: out})
	return nil
}

func (s *chatService) notificationCount(ctx context.Context, session *chatSession) error {
	if s.notifications == nil {
		session.emit(dto.NotificationCount{})
		return nil
	}

	count, err := s.notifications.UnreadCount(ctx, session.userID)
	if err != nil {
		return persistenceFailure("error loading notifications", err)
	}
	session.emit(dto.NotificationCount{Count: count})
	return nil
}

// startConversation finds or creates the caller's conversation with another user.
func (s *chatService) startConversation(ctx context.Context, session *chatSession, payload dto.StartPrivateConversation) error {
	if err := s.validator.Struct(payload); err != nil {
		return invalid("invalid user", err)
	}
	if payload.UserID == session.userID {
		return invalid("cannot start a conversation with yourself", nil)
	}

	peer, err := s.users.FindByID(ctx, payload.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return invalid("user not found", err)
	}
	if err != nil {
		return persistenceFailure("error starting conversation", err)
	}

	conversation, created, err := s.conversations.FindOrCreate(ctx, session.userID, peer.ID)
	if errors.Is(err, repository.ErrSelfConversation) {
		return invalid("cannot start a conversation with yourself", err)
	}
	if err != nil {
		return persistenceFailure("error starting conversation", err)
	}

	ref := privateChannel(conversation.ID)
	s.joinOnline(ref, session.userID, peer.ID)

	session.emit(dto.PrivateConversationStarted{
		ConversationResponse: dto.NewConversationResponse(conversation, dto.NewChatUserResponse(peer)),
	})

	if created {
		if peerSession, ok := s.registry.get(peer.ID); ok {
			self := models.User{ID: session.userID, Username: session.username}
			peerSession.emit(dto.PrivateConversationStarted{
				ConversationResponse: dto.NewConversationResponse(conversation, dto.NewChatUserResponse(self)),
			})
		}
	}
	return nil
}
