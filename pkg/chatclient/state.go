package chatclient

import (
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

// ChannelKind distinguishes rooms from private conversations.
type ChannelKind string

const (
	KindRoom         ChannelKind = "room"
	KindConversation ChannelKind = "conversation"
)

// Channel addresses a room or a private conversation.
type Channel struct {
	Kind ChannelKind
	ID   uint
}

// Room addresses a group room.
func Room(id uint) Channel { return Channel{Kind: KindRoom, ID: id} }

// Conversation addresses a private conversation.
func Conversation(id uint) Channel { return Channel{Kind: KindConversation, ID: id} }

// Message is the client-side view of a room or private message.
type Message struct {
	ID         uint
	Channel    Channel
	SenderID   uint
	SenderName string
	Content    string
	Type       string
	ReplyToID  *uint
	FileURL    string
	FileName   string
	FileSize   int64
	Status     string
	Reactions  map[uint]string
	CreatedAt  time.Time
}

// RoomInfo describes a room the user belongs to.
type RoomInfo struct {
	ID          uint
	Name        string
	Description string
	Type        string
	IsPublic    bool
	CreatedBy   uint
	LastMessage *Message
	CreatedAt   time.Time
}

// ConversationInfo describes a private conversation from the user's side.
type ConversationInfo struct {
	ID             uint
	PeerID         uint
	PeerName       string
	LastMessageID  *uint
	LastActivityAt time.Time
}

// ServerError is a failure the server reported for one of the user's actions.
type ServerError struct {
	Kind    string
	Message string
}

// TypingUser is someone currently typing in a channel.
type TypingUser struct {
	UserID   uint
	Username string
}

// State is an immutable snapshot handed to subscribers.
type State struct {
	Connected           bool
	Rooms               []RoomInfo
	Conversations       []ConversationInfo
	Messages            map[Channel][]Message
	OnlineUsers         []uint
	Typing              map[Channel][]TypingUser
	UnreadNotifications int64
	LastError           *ServerError
}

type pageState struct {
	page    int
	hasMore bool
	loading bool
}

// store owns the observable state. Every mutation ends with a snapshot fan-out.
type store struct {
	mu sync.Mutex

	connected     bool
	rooms         []RoomInfo
	conversations []ConversationInfo
	messages      map[Channel][]Message
	online        map[uint]struct{}
	typing        map[Channel]map[uint]string
	unread        int64
	lastError     *ServerError
	pages         map[Channel]*pageState

	nextSub     int
	subscribers map[int]chan State
}

func newStore() *store {
	s := &store{subscribers: make(map[int]chan State)}
	s.resetLocked()
	return s
}

func (s *store) resetLocked() {
	s.connected = false
	s.rooms = nil
	s.conversations = nil
	s.messages = make(map[Channel][]Message)
	s.online = make(map[uint]struct{})
	s.typing = make(map[Channel]map[uint]string)
	s.unread = 0
	s.lastError = nil
	s.pages = make(map[Channel]*pageState)
}

// subscribe registers a listener. The channel holds at most one pending
// snapshot; a slow reader only ever sees the latest state.
func (s *store) subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan State, 1)
	s.subscribers[id] = ch
	ch <- s.snapshotLocked()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
}

func (s *store) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	s.notifyLocked()
}

func (s *store) notifyLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	snapshot := s.snapshotLocked()
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (s *store) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *store) snapshotLocked() State {
	state := State{
		Connected:           s.connected,
		Rooms:               append([]RoomInfo(nil), s.rooms...),
		Conversations:       append([]ConversationInfo(nil), s.conversations...),
		Messages:            make(map[Channel][]Message, len(s.messages)),
		OnlineUsers:         make([]uint, 0, len(s.online)),
		Typing:              make(map[Channel][]TypingUser, len(s.typing)),
		UnreadNotifications: s.unread,
	}
	if s.lastError != nil {
		errCopy := *s.lastError
		state.LastError = &errCopy
	}

	for channel, messages := range s.messages {
		copied := make([]Message, len(messages))
		for i, message := range messages {
			copied[i] = message
			if message.Reactions != nil {
				copied[i].Reactions = make(map[uint]string, len(message.Reactions))
				for user, reaction := range message.Reactions {
					copied[i].Reactions[user] = reaction
				}
			}
		}
		state.Messages[channel] = copied
	}

	for id := range s.online {
		state.OnlineUsers = append(state.OnlineUsers, id)
	}
	sort.Slice(state.OnlineUsers, func(i, j int) bool { return state.OnlineUsers[i] < state.OnlineUsers[j] })

	for channel, users := range s.typing {
		if len(users) == 0 {
			continue
		}
		list := make([]TypingUser, 0, len(users))
		for id, name := range users {
			list = append(list, TypingUser{UserID: id, Username: name})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
		state.Typing[channel] = list
	}

	return state
}

func (s *store) appendMessageLocked(message Message) {
	existing := s.messages[message.Channel]
	for i := range existing {
		if existing[i].ID == message.ID {
			return
		}
	}
	s.messages[message.Channel] = append(existing, message)
}

// prependLocked inserts an older page ahead of the loaded messages and returns
// how many were new.
func (s *store) prependLocked(channel Channel, older []Message) int {
	existing := s.messages[channel]
	seen := make(map[uint]struct{}, len(existing))
	for _, message := range existing {
		seen[message.ID] = struct{}{}
	}

	fresh := make([]Message, 0, len(older))
	for _, message := range older {
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		fresh = append(fresh, message)
	}
	if len(fresh) > 0 {
		s.messages[channel] = append(fresh, existing...)
	}
	return len(fresh)
}

func (s *store) setTypingLocked(channel Channel, userID uint, username string, typing bool) {
	users := s.typing[channel]
	if typing {
		if users == nil {
			users = make(map[uint]string)
			s.typing[channel] = users
		}
		users[userID] = username
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.typing, channel)
	}
}

func (s *store) clearUserTypingLocked(userID uint) {
	for channel := range s.typing {
		s.setTypingLocked(channel, userID, "", false)
	}
}

func (s *store) updateMessageLocked(channel Channel, messageID uint, fn func(*Message)) {
	messages := s.messages[channel]
	for i := range messages {
		if messages[i].ID == messageID {
			fn(&messages[i])
			return
		}
	}
}

func (s *store) findMessageChannelLocked(messageID uint, kind ChannelKind) (Channel, bool) {
	for channel, messages := range s.messages {
		if channel.Kind != kind {
			continue
		}
		for _, message := range messages {
			if message.ID == messageID {
				return channel, true
			}
		}
	}
	return Channel{}, false
}

func (s *store) upsertConversationLocked(conversation ConversationInfo) {
	for i := range s.conversations {
		if s.conversations[i].ID == conversation.ID {
			s.conversations[i] = conversation
			return
		}
	}
	s.conversations = append(s.conversations, conversation)
}

func (s *store) upsertRoomLocked(room RoomInfo) {
	for i := range s.rooms {
		if s.rooms[i].ID == room.ID {
			s.rooms[i] = room
			return
		}
	}
	s.rooms = append(s.rooms, room)
}

func (s *store) pageLocked(channel Channel) *pageState {
	page, ok := s.pages[channel]
	if !ok {
		page = &pageState{hasMore: true}
		s.pages[channel] = page
	}
	return page
}

func roomInfo(room dto.RoomResponse) RoomInfo {
	out := RoomInfo{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		Type:        room.Type,
		IsPublic:    room.IsPublic,
		CreatedBy:   room.CreatedBy,
		CreatedAt:   room.CreatedAt,
	}
	if room.LastMessage != nil {
		last := roomMessage(*room.LastMessage)
		out.LastMessage = &last
	}
	return out
}

func roomInfos(rooms []dto.RoomResponse) []RoomInfo {
	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomInfo(room))
	}
	return out
}

// conversationInfo resolves the peer from the participants when the server
// did not attach one.
func conversationInfo(conversation dto.ConversationResponse, selfID uint) ConversationInfo {
	out := ConversationInfo{
		ID:             conversation.ID,
		PeerID:         conversation.Participant1ID,
		LastMessageID:  conversation.LastMessageID,
		LastActivityAt: conversation.LastActivityAt,
	}
	if out.PeerID == selfID {
		out.PeerID = conversation.Participant2ID
	}
	if conversation.Peer != nil {
		out.PeerID = conversation.Peer.ID
		out.PeerName = conversation.Peer.Username
	}
	return out
}

func conversationInfos(conversations []dto.ConversationResponse, selfID uint) []ConversationInfo {
	out := make([]ConversationInfo, 0, len(conversations))
	for _, conversation := range conversations {
		out = append(out, conversationInfo(conversation, selfID))
	}
	return out
}

func reactionMap(reactions []dto.ReactionResponse) map[uint]string {
	if len(reactions) == 0 {
		return nil
	}
	out := make(map[uint]string, len(reactions))
	for _, reaction := range reactions {
		out[reaction.UserID] = reaction.ReactionType
	}
	return out
}

func roomMessage(message dto.ChatMessageResponse) Message {
	out := Message{
		ID:        message.ID,
		Channel:   Room(message.RoomID),
		SenderID:  message.SenderID,
		Content:   message.Content,
		Type:      message.Type,
		ReplyToID: message.ReplyToID,
		FileURL:   message.FileURL,
		FileName:  message.FileName,
		FileSize:  message.FileSize,
		Reactions: reactionMap(message.Reactions),
		CreatedAt: message.CreatedAt,
	}
	if message.Sender != nil {
		out.SenderName = message.Sender.Username
	}
	return out
}

func privateMessage(message dto.PrivateMessageResponse) Message {
	out := Message{
		ID:        message.ID,
		Channel:   Conversation(message.ConversationID),
		SenderID:  message.SenderID,
		Content:   message.Content,
		Type:      message.Type,
		ReplyToID: message.ReplyToID,
		FileURL:   message.FileURL,
		FileName:  message.FileName,
		FileSize:  message.FileSize,
		Status:    message.Status,
		Reactions: reactionMap(message.Reactions),
		CreatedAt: message.CreatedAt,
	}
	if message.Sender != nil {
		out.SenderName = message.Sender.Username
	}
	return out
}

func statusRank(status string) int {
	switch status {
	case "sent":
		return 1
	case "delivered":
		return 2
	case "read":
		return 3
	default:
		return 0
	}
}
