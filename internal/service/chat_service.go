package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/ratelimit"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

const (
	chatRedisTTL        = 30 * time.Minute
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	primeTimeout        = 5 * time.Second
)

// ChatConfig tunes the realtime core.
type ChatConfig struct {
	ChannelBase  string
	SendBuffer   int
	PingInterval time.Duration
	MessageRule  ratelimit.Rule
	RoomRule     ratelimit.Rule
}

// ChatDependencies groups the collaborators of the chat service. Redis, Limiter
// and Events are optional.
type ChatDependencies struct {
	Messages        repository.ChatRepository
	PrivateMessages repository.PrivateMessageRepository
	Rooms           repository.RoomRepository
	Conversations   repository.ConversationRepository
	Reactions       repository.ReactionRepository
	Users           repository.UserRepository
	Notifications   NotificationService
	Limiter         *ratelimit.Limiter
	Redis           redis.UniversalClient
	Events          EventPublisher
}

// ChatService manages websocket chat sessions, presence and message delivery.
type ChatService interface {
	ServeConnection(conn ChatTransport, opts ChatConnectionOptions) error
	RoomHistory(ctx context.Context, userID uint, query dto.ChatHistoryQuery) (dto.RoomHistoryPage, error)
	ConversationHistory(ctx context.Context, userID uint, query dto.ChatHistoryQuery) (dto.PrivateHistoryPage, error)
	IsOnline(userID uint) bool
	OnlineUsers() []uint
	Shutdown(ctx context.Context) error
}

type chatService struct {
	messages        repository.ChatRepository
	privateMessages repository.PrivateMessageRepository
	rooms           repository.RoomRepository
	conversations   repository.ConversationRepository
	reactions       repository.ReactionRepository
	users           repository.UserRepository
	notifications   NotificationService
	gate            MembershipGate
	limiter         *ratelimit.Limiter
	redis           redis.UniversalClient
	redisCache      string
	events          EventPublisher
	eventSubject    string

	registry  *sessionRegistry
	channels  *broadcaster
	ordering  *channelLocks
	typing    *typingTracker
	presence  *presenceTracker
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	nodeID    string
	cfg       ChatConfig

	lifecycle sync.Mutex
	closing   bool
	sessions  sync.WaitGroup
}

// NewChatService creates the realtime chat service and registers it as a
// notification sink so stored notifications reach online users.
func NewChatService(deps ChatDependencies, cfg ChatConfig, validate *validator.Validate, logger zerolog.Logger) ChatService {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MessageRule.Key == "" {
		cfg.MessageRule = ratelimit.ChatMessageRule(cfg.ChannelBase)
	}
	if cfg.RoomRule.Key == "" {
		cfg.RoomRule = ratelimit.ChatRoomRule(cfg.ChannelBase)
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	cachePrefix := ""
	eventSubject := ""
	if cfg.ChannelBase != "" {
		cachePrefix = cfg.ChannelBase + ":chat:last"
		eventSubject = strings.ReplaceAll(cfg.ChannelBase, ":", ".") + ".chat.message.created"
	}

	s := &chatService{
		messages:        deps.Messages,
		privateMessages: deps.PrivateMessages,
		rooms:           deps.Rooms,
		conversations:   deps.Conversations,
		reactions:       deps.Reactions,
		users:           deps.Users,
		notifications:   deps.Notifications,
		gate:            NewMembershipGate(deps.Rooms, deps.Conversations),
		limiter:         deps.Limiter,
		redis:           deps.Redis,
		redisCache:      cachePrefix,
		events:          deps.Events,
		eventSubject:    eventSubject,
		registry:        newSessionRegistry(),
		channels:        newBroadcaster(logger),
		ordering:        newChannelLocks(),
		typing:          newTypingTracker(),
		presence:        newPresenceTracker(deps.Users, logger),
		validator:       validate,
		sanitizer:       sanitizer,
		logger:          logger.With().Str("component", "chat_service").Logger(),
		tracer:          otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/chat"),
		nodeID:          uuid.NewString(),
		cfg:             cfg,
	}

	if deps.Notifications != nil {
		deps.Notifications.AddSink(s)
	}

	return s
}

// ServeConnection runs a session until its transport fails or the service
// shuts down. It returns ErrChatShuttingDown without touching conn once
// Shutdown has begun.
func (s *chatService) ServeConnection(conn ChatTransport, opts ChatConnectionOptions) error {
	s.lifecycle.Lock()
	if s.closing {
		s.lifecycle.Unlock()
		return ErrChatShuttingDown
	}
	s.sessions.Add(1)
	s.lifecycle.Unlock()
	defer s.sessions.Done()

	session := newChatSession(conn, opts, s.cfg.SendBuffer, s.logger)
	s.admit(session)
	session.armReadDeadline(2 * s.cfg.PingInterval)

	go session.writer(s.cfg.PingInterval)
	s.readLoop(session)
	s.release(session)
	return nil
}

func (s *chatService) IsOnline(userID uint) bool {
	return s.registry.isOnline(userID)
}

func (s *chatService) OnlineUsers() []uint {
	return s.registry.snapshot()
}

// Shutdown stops admitting sessions, closes the live ones and waits until each
// has been released and its offline presence persisted.
func (s *chatService) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	s.closing = true
	s.lifecycle.Unlock()

	for _, session := range s.registry.all() {
		session.close()
	}

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.presence.wait(ctx)
}

// PushNotification delivers a stored notification to the user's personal channel.
func (s *chatService) PushNotification(userID uint, notification dto.NotificationResponse) {
	s.channels.publish(userChannel(userID), dto.NotificationPushed{NotificationResponse: notification}, nil)
}

// admit registers the session, evicting any previous session of the same user,
// primes channel memberships and announces presence.
func (s *chatService) admit(session *chatSession) {
	if previous := s.registry.admit(session); previous != nil {
		previous.logger.Info().Msg("chat session replaced by a newer connection")
		previous.close()
		observability.ChatConnections().WithLabelValues("replaced").Inc()
	}
	observability.ChatConnections().WithLabelValues("admitted").Inc()
	observability.ChatConnectionsActive().Set(float64(s.registry.count()))

	s.channels.join(session, userChannel(session.userID))
	s.prime(session)

	session.emit(dto.OnlineUsers{UserIDs: s.registry.snapshot()})
	s.broadcastPresence(dto.UserOnline{UserID: session.userID, Username: session.username}, session)
	s.presence.markOnline(session.userID)

	session.logger.Info().Msg("chat session admitted")
}

// prime joins the session to all of the user's rooms and conversations. Failures are logged only.
func (s *chatService) prime(session *chatSession) {
	ctx, cancel := context.WithTimeout(session.ctx, primeTimeout)
	defer cancel()

	roomIDs, err := s.gate.RoomIDs(ctx, session.userID)
	if err != nil {
		session.logger.Warn().Err(err).Msg("failed to load rooms for chat session")
	}
	for _, id := range roomIDs {
		s.channels.join(session, roomChannel(id))
	}

	conversationIDs, err := s.gate.ConversationIDs(ctx, session.userID)
	if err != nil {
		session.logger.Warn().Err(err).Msg("failed to load conversations for chat session")
	}
	for _, id := range conversationIDs {
		s.channels.join(session, privateChannel(id))
	}
}

// release tears a session down. Presence only flips to offline when the session
// was still the user's live one.
func (s *chatService) release(session *chatSession) {
	session.close()
	s.channels.leaveAll(session)

	for _, ref := range s.typing.clearUser(session.userID) {
		s.channels.publish(ref, stopTypingEvent(ref, session.userID, session.username), session)
	}

	if s.registry.remove(session) {
		s.presence.markOffline(session.userID)
		s.broadcastPresence(dto.UserOffline{UserID: session.userID, Username: session.username}, session)
		session.logger.Info().Msg("chat session closed")
	}

	observability.ChatConnections().WithLabelValues("closed").Inc()
	observability.ChatConnectionsActive().Set(float64(s.registry.count()))
}

func (s *chatService) broadcastPresence(event dto.ServerEvent, except *chatSession) {
	frame := dto.NewServerFrame(event)
	for _, other := range s.registry.all() {
		if other == except || (except != nil && other.userID == except.userID) {
			continue
		}
		if !other.enqueue(frame) {
			observability.ChatFramesDropped().Inc()
		}
	}
}

func (s *chatService) readLoop(session *chatSession) {
	for {
		var envelope dto.Envelope
		if err := session.transport.ReadJSON(&envelope); err != nil {
			if isDecodeError(err) && !session.isClosed() {
				s.reject(session, invalid("malformed frame", err))
				continue
			}
			session.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}
		if session.isClosed() {
			return
		}

		event, err := dto.DecodeClientEvent(envelope)
		if err != nil {
			s.reject(session, invalid("unsupported or malformed event", err))
			continue
		}

		s.handle(session.ctx, session, event)
	}
}

// handle dispatches one client event. Events of a session are handled in order.
func (s *chatService) handle(ctx context.Context, session *chatSession, event dto.ClientEvent) {
	observability.ChatEvents().WithLabelValues(event.EventName()).Inc()

	var err error
	switch e := event.(type) {
	case dto.JoinRoom:
		err = s.joinRoom(ctx, session, e.RoomID)
	case dto.LeaveRoom:
		s.leaveRoom(session, e.RoomID)
	case dto.JoinPrivateConversation:
		err = s.joinConversation(ctx, session, e.ConversationID)
	case dto.LeavePrivateConversation:
		s.leaveConversation(session, e.ConversationID)
	case dto.SendMessage:
		err = s.sendRoomMessage(ctx, session, e)
	case dto.SendPrivateMessage:
		err = s.sendPrivateMessage(ctx, session, e)
	case dto.TypingStart:
		err = s.startTyping(ctx, session, roomChannel(e.RoomID))
	case dto.TypingStop:
		err = s.stopTyping(ctx, session, roomChannel(e.RoomID))
	case dto.PrivateTypingStart:
		err = s.startTyping(ctx, session, privateChannel(e.ConversationID))
	case dto.PrivateTypingStop:
		err = s.stopTyping(ctx, session, privateChannel(e.ConversationID))
	case dto.AddReaction:
		err = s.addReaction(ctx, session, e)
	case dto.CreateRoom:
		err = s.createRoom(ctx, session, e)
	case dto.GetRooms:
		err = s.listRooms(ctx, session)
	case dto.GetPrivateConversations:
		err = s.listConversations(ctx, session)
	case dto.GetNotificationCount:
		err = s.notificationCount(ctx, session)
	case dto.StartPrivateConversation:
		err = s.startConversation(ctx, session, e)
	case dto.PrivateMessageDelivered:
		err = s.markDelivered(ctx, session, e)
	case dto.MarkPrivateRead:
		err = s.markRead(ctx, session, e)
	default:
		err = invalid("unsupported event", nil)
	}

	if err != nil {
		s.reject(session, err)
	}
}

// reject reports a failure to the acting session only. Raw errors are logged, never sent.
func (s *chatService) reject(session *chatSession, err error) {
	var chatErr *ChatError
	if !errors.As(err, &chatErr) {
		chatErr = persistenceFailure("internal error", err)
	}

	event := session.logger.Warn()
	if chatErr.Kind == ChatErrPersistence {
		event = session.logger.Error()
	}
	event.Err(chatErr.Err).Str("kind", string(chatErr.Kind)).Msg(chatErr.Message)

	observability.ChatRejections().WithLabelValues(string(chatErr.Kind)).Inc()
	session.emit(dto.ErrorEvent{Kind: string(chatErr.Kind), Message: chatErr.Message})
}

func (s *chatService) joinRoom(ctx context.Context, session *chatSession, roomID uint) error {
	if err := s.requireRoom(ctx, session, roomID); err != nil {
		return err
	}
	s.channels.join(session, roomChannel(roomID))
	session.emit(dto.JoinedRoom{RoomID: roomID, Success: true})
	return nil
}

func (s *chatService) leaveRoom(session *chatSession, roomID uint) {
	ref := roomChannel(roomID)
	if s.typing.stop(ref, session.userID) {
		s.channels.publish(ref, stopTypingEvent(ref, session.userID, session.username), session)
	}
	s.channels.leave(session, ref)
}

func (s *chatService) joinConversation(ctx context.Context, session *chatSession, conversationID uint) error {
	if _, err := s.requireConversation(ctx, session, conversationID); err != nil {
		return err
	}
	s.channels.join(session, privateChannel(conversationID))
	session.emit(dto.JoinedPrivateConversation{ConversationID: conversationID, Success: true})
	return nil
}

func (s *chatService) leaveConversation(session *chatSession, conversationID uint) {
	ref := privateChannel(conversationID)
	if s.typing.stop(ref, session.userID) {
		s.channels.publish(ref, stopTypingEvent(ref, session.userID, session.username), session)
	}
	s.channels.leave(session, ref)
	session.emit(dto.LeftPrivateConversation{ConversationID: conversationID})
}

func (s *chatService) startTyping(ctx context.Context, session *chatSession, ref channelRef) error {
	if err := s.requireChannel(ctx, session, ref); err != nil {
		return err
	}
	if s.typing.start(ref, session.userID) {
		s.channels.publish(ref, startTypingEvent(ref, session.userID, session.username), session)
	}
	return nil
}

func (s *chatService) stopTyping(ctx context.Context, session *chatSession, ref channelRef) error {
	if err := s.requireChannel(ctx, session, ref); err != nil {
		return err
	}
	if s.typing.stop(ref, session.userID) {
		s.channels.publish(ref, stopTypingEvent(ref, session.userID, session.username), session)
	}
	return nil
}

func (s *chatService) requireChannel(ctx context.Context, session *chatSession, ref channelRef) error {
	if ref.kind == channelPrivate {
		_, err := s.requireConversation(ctx, session, ref.id)
		return err
	}
	return s.requireRoom(ctx, session, ref.id)
}

// requireRoom fails closed: a lookup error denies the event and is reported as
// a persistence failure.
func (s *chatService) requireRoom(ctx context.Context, session *chatSession, roomID uint) error {
	ok, err := s.gate.IsRoomMember(ctx, session.userID, roomID)
	if err != nil {
		return persistenceFailure("membership lookup failed", err)
	}
	if !ok {
		return unauthorized("not a member of this room")
	}
	return nil
}

func (s *chatService) requireConversation(ctx context.Context, session *chatSession, conversationID uint) (conversationAccess, error) {
	conversation, ok, err := s.gate.Conversation(ctx, session.userID, conversationID)
	if err != nil {
		return conversationAccess{}, persistenceFailure("conversation lookup failed", err)
	}
	if !ok {
		return conversationAccess{}, unauthorized("not a participant of this conversation")
	}
	return conversationAccess{id: conversation.ID, peerID: conversation.OtherParticipant(session.userID)}, nil
}

type conversationAccess struct {
	id     uint
	peerID uint
}

// joinOnline joins the live sessions of the given users to a channel.
func (s *chatService) joinOnline(ref channelRef, userIDs ...uint) {
	for _, id := range userIDs {
		if session, ok := s.registry.get(id); ok {
			s.channels.join(session, ref)
		}
	}
}

func startTypingEvent(ref channelRef, userID uint, username string) dto.ServerEvent {
	if ref.kind == channelPrivate {
		return dto.PrivateUserTyping{UserID: userID, Username: username, ConversationID: ref.id}
	}
	return dto.UserTyping{UserID: userID, Username: username, RoomID: ref.id}
}

func stopTypingEvent(ref channelRef, userID uint, username string) dto.ServerEvent {
	if ref.kind == channelPrivate {
		return dto.PrivateUserStopTyping{UserID: userID, Username: username, ConversationID: ref.id}
	}
	return dto.UserStopTyping{UserID: userID, Username: username, RoomID: ref.id}
}

// isDecodeError reports whether a read failed on the frame's content rather
// than the socket. The websocket library reports a truncated or empty frame as
// io.ErrUnexpectedEOF; a dropped connection surfaces as a close error instead.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
