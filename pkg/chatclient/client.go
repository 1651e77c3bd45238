// Package chatclient keeps one authenticated chat session alive for a user and
// exposes the resulting chat state to UI code.
package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

// ErrNotConnected is returned by send helpers while the transport is down.
var ErrNotConnected = errors.New("chat client not connected")

const (
	defaultPageSize    = 30
	defaultStableAfter = 10 * time.Second
)

// Options configures a Client. A connection that stays up for StableAfter
// resets the reconnect backoff.
type Options struct {
	URL         string
	Auth        AuthSource
	Dialer      Dialer
	History     HistoryFetcher
	PageSize    int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	StableAfter time.Duration
	Logger      zerolog.Logger
}

// Client owns the single chat transport of a logged-in user. The session only
// ends on Logout; transport loss triggers a reconnect.
type Client struct {
	opts   Options
	logger zerolog.Logger
	store  *store

	mu            sync.Mutex
	conn          Conn
	userID        uint
	rooms         map[uint]struct{}
	conversations map[uint]struct{}
	cancel        context.CancelFunc
	done          chan struct{}

	writeMu sync.Mutex
}

// New builds a client. Call Start to begin connecting.
func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = defaultStableAfter
	}

	return &Client{
		opts:          opts,
		logger:        opts.Logger.With().Str("component", "chat_client").Logger(),
		store:         newStore(),
		rooms:         make(map[uint]struct{}),
		conversations: make(map[uint]struct{}),
	}
}

// Start launches the connect loop. Calling Start on a running client is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
}

// Logout ends the session: it stops reconnecting, closes the transport and
// clears every piece of local state.
func (c *Client) Logout() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	done, conn := c.done, c.conn
	c.cancel = nil
	c.done = nil
	c.conn = nil
	c.userID = 0
	c.rooms = make(map[uint]struct{})
	c.conversations = make(map[uint]struct{})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	c.store.update(c.store.resetLocked)
}

// Subscribe returns a channel of state snapshots and a function to stop
// receiving them. The current state is delivered immediately.
func (c *Client) Subscribe() (<-chan State, func()) {
	return c.store.subscribe()
}

// State returns the current snapshot.
func (c *Client) State() State {
	return c.store.snapshot()
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		creds, err := c.opts.Auth.Ready(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("chat auth unavailable")
			}
			return
		}

		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff(attempt, c.opts.MinBackoff, c.opts.MaxBackoff)
			attempt++
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("chat connect failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		if !c.attach(ctx, conn, creds.UserID) {
			_ = conn.Close()
			return
		}
		c.logger.Info().Uint("user_id", creds.UserID).Msg("chat connected")
		connectedAt := time.Now()

		c.resync()
		c.readLoop(conn, creds.UserID)

		c.detach(conn)
		if ctx.Err() != nil {
			return
		}

		// A server that accepts and then drops the socket must not be redialed in a tight loop.
		uptime := time.Since(connectedAt)
		if uptime >= c.opts.StableAfter {
			attempt = 0
		}
		delay := backoff(attempt, c.opts.MinBackoff, c.opts.MaxBackoff)
		attempt++
		c.logger.Warn().Dur("uptime", uptime).Int("attempt", attempt).Dur("retry_in", delay).Msg("chat transport lost; reconnecting")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) attach(ctx context.Context, conn Conn, userID uint) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.userID = userID
	c.mu.Unlock()

	c.store.update(func() { c.store.connected = true })
	return true
}

func (c *Client) detach(conn Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.store.update(func() {
		c.store.connected = false
		c.store.typing = make(map[Channel]map[uint]string)
	})
}

// resync rejoins known channels and asks the server for the authoritative lists.
func (c *Client) resync() {
	c.mu.Lock()
	rooms := make([]uint, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	conversations := make([]uint, 0, len(c.conversations))
	for id := range c.conversations {
		conversations = append(conversations, id)
	}
	c.mu.Unlock()

	events := make([]dto.ClientEvent, 0, len(rooms)+len(conversations)+3)
	for _, id := range rooms {
		events = append(events, dto.JoinRoom{RoomID: id})
	}
	for _, id := range conversations {
		events = append(events, dto.JoinPrivateConversation{ConversationID: id})
	}
	events = append(events, dto.GetRooms{}, dto.GetPrivateConversations{}, dto.GetNotificationCount{})

	for _, event := range events {
		if err := c.send(event); err != nil {
			c.logger.Warn().Err(err).Str("event", event.EventName()).Msg("chat resync send failed")
			return
		}
	}
}

func (c *Client) readLoop(conn Conn, selfID uint) {
	for {
		var envelope dto.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}

		event, err := dto.DecodeServerEvent(envelope)
		if err != nil {
			c.logger.Debug().Err(err).Str("event", envelope.Event).Msg("ignoring chat frame")
			continue
		}
		c.apply(event, selfID)
	}
}

func (c *Client) send(event dto.ClientEvent) error {
	envelope, err := dto.NewClientEnvelope(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(envelope)
}

func (c *Client) rememberRoom(id uint, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if known {
		c.rooms[id] = struct{}{}
	} else {
		delete(c.rooms, id)
	}
}

func (c *Client) rememberConversation(id uint, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if known {
		c.conversations[id] = struct{}{}
	} else {
		delete(c.conversations, id)
	}
}

// JoinRoom subscribes to a room now and after every reconnect.
func (c *Client) JoinRoom(roomID uint) error {
	c.rememberRoom(roomID, true)
	return c.send(dto.JoinRoom{RoomID: roomID})
}

// LeaveRoom unsubscribes from a room.
func (c *Client) LeaveRoom(roomID uint) error {
	c.rememberRoom(roomID, false)
	c.store.update(func() { delete(c.store.typing, Room(roomID)) })
	return c.send(dto.LeaveRoom{RoomID: roomID})
}

// JoinConversation subscribes to a private conversation.
func (c *Client) JoinConversation(conversationID uint) error {
	c.rememberConversation(conversationID, true)
	return c.send(dto.JoinPrivateConversation{ConversationID: conversationID})
}

// LeaveConversation unsubscribes from a private conversation.
func (c *Client) LeaveConversation(conversationID uint) error {
	c.rememberConversation(conversationID, false)
	c.store.update(func() { delete(c.store.typing, Conversation(conversationID)) })
	return c.send(dto.LeavePrivateConversation{ConversationID: conversationID})
}

// OutgoingMessage is a message composed by the user. Attachments are uploaded
// first and referenced by URL.
type OutgoingMessage struct {
	Content  string
	Type     string
	ReplyTo  *uint
	FileURL  string
	FileName string
	FileSize int64
}

// RoomRequest describes a room to create.
type RoomRequest struct {
	Name        string
	Description string
	Type        string
	IsPublic    bool
	MemberIDs   []uint
}

// SendMessage posts a message into a room.
func (c *Client) SendMessage(roomID uint, message OutgoingMessage) error {
	return c.send(dto.SendMessage{
		RoomID:   roomID,
		Content:  message.Content,
		Type:     message.Type,
		ReplyTo:  message.ReplyTo,
		FileURL:  message.FileURL,
		FileName: message.FileName,
		FileSize: message.FileSize,
	})
}

// SendPrivateMessage posts a message into a private conversation.
func (c *Client) SendPrivateMessage(conversationID uint, message OutgoingMessage) error {
	return c.send(dto.SendPrivateMessage{
		ConversationID: conversationID,
		Content:        message.Content,
		MessageType:    message.Type,
		ReplyTo:        message.ReplyTo,
		FileURL:        message.FileURL,
		FileName:       message.FileName,
		FileSize:       message.FileSize,
	})
}

// StartTyping announces that the user is typing in the channel.
func (c *Client) StartTyping(channel Channel) error {
	if channel.Kind == KindConversation {
		return c.send(dto.PrivateTypingStart{ConversationID: channel.ID})
	}
	return c.send(dto.TypingStart{RoomID: channel.ID})
}

// StopTyping clears the typing indicator in the channel.
func (c *Client) StopTyping(channel Channel) error {
	if channel.Kind == KindConversation {
		return c.send(dto.PrivateTypingStop{ConversationID: channel.ID})
	}
	return c.send(dto.TypingStop{RoomID: channel.ID})
}

// React toggles the user's reaction on a message in the channel.
func (c *Client) React(channel Channel, messageID uint, reactionType string) error {
	event := dto.AddReaction{MessageID: messageID, ReactionType: reactionType}
	if channel.Kind == KindConversation {
		event.ConversationID = channel.ID
	}
	return c.send(event)
}

// CreateRoom asks the server to create a room with the given members.
func (c *Client) CreateRoom(request RoomRequest) error {
	return c.send(dto.CreateRoom{
		Name:        request.Name,
		Description: request.Description,
		Type:        request.Type,
		IsPublic:    request.IsPublic,
		MemberIDs:   request.MemberIDs,
	})
}

// StartPrivateConversation opens (or finds) the conversation with another user.
func (c *Client) StartPrivateConversation(userID uint) error {
	return c.send(dto.StartPrivateConversation{UserID: userID})
}

// MarkRead marks every message in the conversation as read.
func (c *Client) MarkRead(conversationID uint) error {
	return c.send(dto.MarkPrivateRead{ConversationID: conversationID})
}

// LoadOlder fetches the next older page for the channel and prepends it. It
// returns how many messages were prepended so callers can keep their scroll
// offset. A call made while a fetch for the same channel is running returns 0.
func (c *Client) LoadOlder(ctx context.Context, channel Channel) (int, error) {
	if c.opts.History == nil {
		return 0, errors.New("chat client has no history fetcher")
	}

	c.store.mu.Lock()
	page := c.store.pageLocked(channel)
	if page.loading || !page.hasMore {
		c.store.mu.Unlock()
		return 0, nil
	}
	page.loading = true
	next := page.page + 1
	c.store.notifyLocked()
	c.store.mu.Unlock()

	result, err := c.opts.History.FetchHistory(ctx, channel, next, c.opts.PageSize)

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	page = c.store.pageLocked(channel)
	page.loading = false
	if err != nil {
		c.store.notifyLocked()
		return 0, err
	}

	for i := range result.Messages {
		result.Messages[i].Channel = channel
	}
	added := c.store.prependLocked(channel, result.Messages)
	page.page = next
	page.hasMore = result.HasMore
	c.store.notifyLocked()
	return added, nil
}

// MaybeLoadOlder loads the next page when the viewport offset from the oldest
// loaded message is within threshold.
func (c *Client) MaybeLoadOlder(ctx context.Context, channel Channel, offset, threshold int) (int, error) {
	if offset > threshold {
		return 0, nil
	}
	return c.LoadOlder(ctx, channel)
}

// HasMore reports whether older history may exist for the channel.
func (c *Client) HasMore(channel Channel) bool {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.store.pageLocked(channel).hasMore
}
