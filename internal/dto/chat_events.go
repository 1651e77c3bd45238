package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Client -> server event names.
const (
	EventJoinRoom                 = "join_room"
	EventLeaveRoom                = "leave_room"
	EventJoinPrivateConversation  = "join_private_conversation"
	EventLeavePrivateConversation = "leave_private_conversation"
	EventSendMessage              = "send_message"
	EventSendPrivateMessage       = "send_private_message"
	EventTypingStart              = "typing_start"
	EventTypingStop               = "typing_stop"
	EventPrivateTypingStart       = "private_typing_start"
	EventPrivateTypingStop        = "private_typing_stop"
	EventAddReaction              = "add_reaction"
	EventCreateRoom               = "create_room"
	EventGetRooms                 = "get_rooms"
	EventGetPrivateConversations  = "get_private_conversations"
	EventGetNotificationCount     = "get_notification_count"
	EventStartPrivateConversation = "start_private_conversation"
	EventPrivateMessageDelivered  = "private_message_delivered"
	EventMarkPrivateRead          = "mark_private_read"
)

// Server -> client event names.
const (
	EventJoinedRoom                 = "joined_room"
	EventJoinedPrivateConversation  = "joined_private_conversation"
	EventLeftPrivateConversation    = "left_private_conversation"
	EventNewMessage                 = "new_message"
	EventNewPrivateMessage          = "new_private_message"
	EventUserTyping                 = "user_typing"
	EventUserStopTyping             = "user_stop_typing"
	EventPrivateUserTyping          = "private_user_typing"
	EventPrivateUserStopTyping      = "private_user_stop_typing"
	EventReactionUpdate             = "reaction_update"
	EventRoomCreated                = "room_created"
	EventNotification               = "notification"
	EventUserOnline                 = "user_online"
	EventUserOffline                = "user_offline"
	EventOnlineUsers                = "online_users"
	EventRoomsList                  = "rooms_list"
	EventPrivateConversationsList   = "private_conversations_list"
	EventNotificationCount          = "notification_count"
	EventPrivateConversationStarted = "private_conversation_started"
	EventPrivateMessageStatus       = "private_message_status"
	EventError                      = "error"
)

// ErrUnknownEvent is returned when an envelope names an event outside the protocol.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the wire frame for both directions. Data is decoded lazily by event name.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientEvent is the closed set of payloads a client may send.
type ClientEvent interface {
	EventName() string
	clientEvent()
}

// ServerEvent is the closed set of payloads the server emits.
type ServerEvent interface {
	EventName() string
	serverEvent()
}

// ServerFrame is an outbound frame ready to be written to a transport.
type ServerFrame struct {
	Event string      `json:"event"`
	Data  ServerEvent `json:"data"`
}

// NewServerFrame wraps an event in its frame.
func NewServerFrame(event ServerEvent) ServerFrame {
	return ServerFrame{Event: event.EventName(), Data: event}
}

// ---------------------------------------------------------------------------
// Client -> server payloads
// ---------------------------------------------------------------------------

// JoinRoom accepts either a bare room id or {"roomId": n}.
type JoinRoom struct {
	RoomID uint `json:"roomId" validate:"required"`
}

// LeaveRoom accepts either a bare room id or {"roomId": n}.
type LeaveRoom struct {
	RoomID uint `json:"roomId" validate:"required"`
}

type JoinPrivateConversation struct {
	ConversationID uint `json:"conversationId" validate:"required"`
}

type LeavePrivateConversation struct {
	ConversationID uint `json:"conversationId" validate:"required"`
}

// SendMessage posts a message into a room. Content may be empty when a file is attached.
type SendMessage struct {
	RoomID   uint   `json:"roomId" validate:"required"`
	Content  string `json:"content" validate:"max=4000"`
	Type     string `json:"type" validate:"omitempty,oneof=text image file"`
	ReplyTo  *uint  `json:"replyTo"`
	FileURL  string `json:"file_url" validate:"omitempty,url,max=512"`
	FileName string `json:"file_name" validate:"max=255"`
	FileSize int64  `json:"file_size" validate:"min=0"`
}

// SendPrivateMessage posts a message into a private conversation.
type SendPrivateMessage struct {
	ConversationID uint   `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"max=4000"`
	MessageType    string `json:"message_type" validate:"omitempty,oneof=text image file"`
	ReplyTo        *uint  `json:"replyTo"`
	FileURL        string `json:"file_url" validate:"omitempty,url,max=512"`
	FileName       string `json:"file_name" validate:"max=255"`
	FileSize       int64  `json:"file_size" validate:"min=0"`
}

type TypingStart struct {
	RoomID uint `json:"roomId" validate:"required"`
}

type TypingStop struct {
	RoomID uint `json:"roomId" validate:"required"`
}

type PrivateTypingStart struct {
	ConversationID uint `json:"conversationId" validate:"required"`
}

type PrivateTypingStop struct {
	ConversationID uint `json:"conversationId" validate:"required"`
}

// AddReaction toggles a reaction. ConversationID marks the message as a private message.
type AddReaction struct {
	MessageID      uint   `json:"messageId" validate:"required"`
	ReactionType   string `json:"reactionType"`
	ConversationID uint   `json:"conversationId,omitempty"`
}

// CreateRoom creates a room and invites the listed members.
type CreateRoom struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"max=1000"`
	Type        string `json:"type" validate:"required,oneof=course global group"`
	IsPublic    bool   `json:"isPublic"`
	MemberIDs   []uint `json:"memberIds" validate:"max=200"`
}

type GetRooms struct{}

type GetPrivateConversations struct{}

type GetNotificationCount struct{}

type StartPrivateConversation struct {
	UserID uint `json:"userId" validate:"required"`
}

type PrivateMessageDelivered struct {
	MessageID uint `json:"messageId" validate:"required"`
}

type MarkPrivateRead struct {
	ConversationID uint `json:"conversationId" validate:"required"`
}

func (JoinRoom) EventName() string                 { return EventJoinRoom }
func (LeaveRoom) EventName() string                { return EventLeaveRoom }
func (JoinPrivateConversation) EventName() string  { return EventJoinPrivateConversation }
func (LeavePrivateConversation) EventName() string { return EventLeavePrivateConversation }
func (SendMessage) EventName() string              { return EventSendMessage }
func (SendPrivateMessage) EventName() string       { return EventSendPrivateMessage }
func (TypingStart) EventName() string              { return EventTypingStart }
func (TypingStop) EventName() string               { return EventTypingStop }
func (PrivateTypingStart) EventName() string       { return EventPrivateTypingStart }
func (PrivateTypingStop) EventName() string        { return EventPrivateTypingStop }
func (AddReaction) EventName() string              { return EventAddReaction }
func (CreateRoom) EventName() string               { return EventCreateRoom }
func (GetRooms) EventName() string                 { return EventGetRooms }
func (GetPrivateConversations) EventName() string  { return EventGetPrivateConversations }
func (GetNotificationCount) EventName() string     { return EventGetNotificationCount }
func (StartPrivateConversation) EventName() string { return EventStartPrivateConversation }
func (PrivateMessageDelivered) EventName() string  { return EventPrivateMessageDelivered }
func (MarkPrivateRead) EventName() string          { return EventMarkPrivateRead }

func (JoinRoom) clientEvent()                 {}
func (LeaveRoom) clientEvent()                {}
func (JoinPrivateConversation) clientEvent()  {}
func (LeavePrivateConversation) clientEvent() {}
func (SendMessage) clientEvent()              {}
func (SendPrivateMessage) clientEvent()       {}
func (TypingStart) clientEvent()              {}
func (TypingStop) clientEvent()               {}
func (PrivateTypingStart) clientEvent()       {}
func (PrivateTypingStop) clientEvent()        {}
func (AddReaction) clientEvent()              {}
func (CreateRoom) clientEvent()               {}
func (GetRooms) clientEvent()                 {}
func (GetPrivateConversations) clientEvent()  {}
func (GetNotificationCount) clientEvent()     {}
func (StartPrivateConversation) clientEvent() {}
func (PrivateMessageDelivered) clientEvent()  {}
func (MarkPrivateRead) clientEvent()          {}

// UnmarshalJSON accepts `7`, `"7"` or `{"roomId": 7}`.
func (e *JoinRoom) UnmarshalJSON(data []byte) error {
	if id, ok := bareID(data); ok {
		e.RoomID = id
		return nil
	}
	type alias JoinRoom
	return json.Unmarshal(data, (*alias)(e))
}

// UnmarshalJSON accepts `7`, `"7"` or `{"roomId": 7}`.
func (e *LeaveRoom) UnmarshalJSON(data []byte) error {
	if id, ok := bareID(data); ok {
		e.RoomID = id
		return nil
	}
	type alias LeaveRoom
	return json.Unmarshal(data, (*alias)(e))
}

func bareID(data []byte) (uint, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return 0, false
	}

	var number uint
	if err := json.Unmarshal(trimmed, &number); err == nil {
		return number, true
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		parsed, err := strconv.ParseUint(text, 10, 64)
		if err == nil {
			return uint(parsed), true
		}
	}
	return 0, false
}

var clientDecoders = map[string]func(json.RawMessage) (ClientEvent, error){
	EventJoinRoom:                 decodeClient[JoinRoom],
	EventLeaveRoom:                decodeClient[LeaveRoom],
	EventJoinPrivateConversation:  decodeClient[JoinPrivateConversation],
	EventLeavePrivateConversation: decodeClient[LeavePrivateConversation],
	EventSendMessage:              decodeClient[SendMessage],
	EventSendPrivateMessage:       decodeClient[SendPrivateMessage],
	EventTypingStart:              decodeClient[TypingStart],
	EventTypingStop:               decodeClient[TypingStop],
	EventPrivateTypingStart:       decodeClient[PrivateTypingStart],
	EventPrivateTypingStop:        decodeClient[PrivateTypingStop],
	EventAddReaction:              decodeClient[AddReaction],
	EventCreateRoom:               decodeClient[CreateRoom],
	EventGetRooms:                 decodeClient[GetRooms],
	EventGetPrivateConversations:  decodeClient[GetPrivateConversations],
	EventGetNotificationCount:     decodeClient[GetNotificationCount],
	EventStartPrivateConversation: decodeClient[StartPrivateConversation],
	EventPrivateMessageDelivered:  decodeClient[PrivateMessageDelivered],
	EventMarkPrivateRead:          decodeClient[MarkPrivateRead],
}

// DecodeClientEvent resolves an envelope into its concrete client payload.
func DecodeClientEvent(envelope Envelope) (ClientEvent, error) {
	decode, ok := clientDecoders[envelope.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}
	return decode(envelope.Data)
}

// NewClientEnvelope encodes a client payload into its wire frame.
func NewClientEnvelope(event ClientEvent) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event.EventName(), Data: payload}, nil
}

func decodeClient[T ClientEvent](data json.RawMessage) (ClientEvent, error) {
	var event T
	if err := decodeData(data, &event); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", event.EventName(), err)
	}
	return event, nil
}

func decodeData(data json.RawMessage, target interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, target)
}

// ---------------------------------------------------------------------------
// Server -> client payloads
// ---------------------------------------------------------------------------

type JoinedRoom struct {
	RoomID  uint `json:"roomId"`
	Success bool `json:"success"`
}

type JoinedPrivateConversation struct {
	ConversationID uint `json:"conversationId"`
	Success        bool `json:"success"`
}

type LeftPrivateConversation struct {
	ConversationID uint `json:"conversationId"`
}

// NewMessage carries a complete room message, flattened into the event data.
type NewMessage struct {
	ChatMessageResponse
}

// NewPrivateMessage carries a complete private message, flattened into the event data.
type NewPrivateMessage struct {
	PrivateMessageResponse
}

type UserTyping struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	RoomID   uint   `json:"roomId"`
}

type UserStopTyping struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	RoomID   uint   `json:"roomId"`
}

type PrivateUserTyping struct {
	UserID         uint   `json:"userId"`
	Username       string `json:"username"`
	ConversationID uint   `json:"conversationId"`
}

type PrivateUserStopTyping struct {
	UserID         uint   `json:"userId"`
	Username       string `json:"username"`
	ConversationID uint   `json:"conversationId"`
}

// ReactionUpdate reports the outcome of a reaction toggle.
type ReactionUpdate struct {
	MessageID      uint   `json:"messageId"`
	UserID         uint   `json:"userId"`
	ReactionType   string `json:"reactionType"`
	Action         string `json:"action"`
	RoomID         uint   `json:"roomId,omitempty"`
	ConversationID uint   `json:"conversationId,omitempty"`
}

type RoomCreated struct {
	RoomResponse
	IsCreator bool `json:"isCreator"`
}

// NotificationPushed is delivered on the recipient's personal channel.
type NotificationPushed struct {
	NotificationResponse
}

type UserOnline struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
}

type UserOffline struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
}

type OnlineUsers struct {
	UserIDs []uint `json:"userIds"`
}

type RoomsList struct {
	Rooms []RoomResponse `json:"rooms"`
}

type PrivateConversationsList struct {
	Conversations []ConversationResponse `json:"conversations"`
}

type NotificationCount struct {
	Count int64 `json:"count"`
}

type PrivateConversationStarted struct {
	ConversationResponse
}

// PrivateMessageStatus reports a forward transition of delivery state.
// MessageID is zero when a whole conversation was marked read.
type PrivateMessageStatus struct {
	MessageID      uint   `json:"messageId,omitempty"`
	ConversationID uint   `json:"conversationId"`
	UserID         uint   `json:"userId"`
	Status         string `json:"status"`
}

// ErrorEvent is sent to the acting client only.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (JoinedRoom) EventName() string                 { return EventJoinedRoom }
func (JoinedPrivateConversation) EventName() string  { return EventJoinedPrivateConversation }
func (LeftPrivateConversation) EventName() string    { return EventLeftPrivateConversation }
func (NewMessage) EventName() string                 { return EventNewMessage }
func (NewPrivateMessage) EventName() string          { return EventNewPrivateMessage }
func (UserTyping) EventName() string                 { return EventUserTyping }
func (UserStopTyping) EventName() string             { return EventUserStopTyping }
func (PrivateUserTyping) EventName() string          { return EventPrivateUserTyping }
func (PrivateUserStopTyping) EventName() string      { return EventPrivateUserStopTyping }
func (ReactionUpdate) EventName() string             { return EventReactionUpdate }
func (RoomCreated) EventName() string                { return EventRoomCreated }
func (NotificationPushed) EventName() string         { return EventNotification }
func (UserOnline) EventName() string                 { return EventUserOnline }
func (UserOffline) EventName() string                { return EventUserOffline }
func (OnlineUsers) EventName() string                { return EventOnlineUsers }
func (RoomsList) EventName() string                  { return EventRoomsList }
func (PrivateConversationsList) EventName() string   { return EventPrivateConversationsList }
func (NotificationCount) EventName() string          { return EventNotificationCount }
func (PrivateConversationStarted) EventName() string { return EventPrivateConversationStarted }
func (PrivateMessageStatus) EventName() string       { return EventPrivateMessageStatus }
func (ErrorEvent) EventName() string                 { return EventError }

func (JoinedRoom) serverEvent()                 {}
func (JoinedPrivateConversation) serverEvent()  {}
func (LeftPrivateConversation) serverEvent()    {}
func (NewMessage) serverEvent()                 {}
func (NewPrivateMessage) serverEvent()          {}
func (UserTyping) serverEvent()                 {}
func (UserStopTyping) serverEvent()             {}
func (PrivateUserTyping) serverEvent()          {}
func (PrivateUserStopTyping) serverEvent()      {}
func (ReactionUpdate) serverEvent()             {}
func (RoomCreated) serverEvent()                {}
func (NotificationPushed) serverEvent()         {}
func (UserOnline) serverEvent()                 {}
func (UserOffline) serverEvent()                {}
func (OnlineUsers) serverEvent()                {}
func (RoomsList) serverEvent()                  {}
func (PrivateConversationsList) serverEvent()   {}
func (NotificationCount) serverEvent()          {}
func (PrivateConversationStarted) serverEvent() {}
func (PrivateMessageStatus) serverEvent()       {}
func (ErrorEvent) serverEvent()                 {}

var serverDecoders = map[string]func(json.RawMessage) (ServerEvent, error){
	EventJoinedRoom:                 decodeServer[JoinedRoom],
	EventJoinedPrivateConversation:  decodeServer[JoinedPrivateConversation],
	EventLeftPrivateConversation:    decodeServer[LeftPrivateConversation],
	EventNewMessage:                 decodeServer[NewMessage],
	EventNewPrivateMessage:          decodeServer[NewPrivateMessage],
	EventUserTyping:                 decodeServer[UserTyping],
	EventUserStopTyping:             decodeServer[UserStopTyping],
	EventPrivateUserTyping:          decodeServer[PrivateUserTyping],
	EventPrivateUserStopTyping:      decodeServer[PrivateUserStopTyping],
	EventReactionUpdate:             decodeServer[ReactionUpdate],
	EventRoomCreated:                decodeServer[RoomCreated],
	EventNotification:               decodeServer[NotificationPushed],
	EventUserOnline:                 decodeServer[UserOnline],
	EventUserOffline:                decodeServer[UserOffline],
	EventOnlineUsers:                decodeServer[OnlineUsers],
	EventRoomsList:                  decodeServer[RoomsList],
	EventPrivateConversationsList:   decodeServer[PrivateConversationsList],
	EventNotificationCount:          decodeServer[NotificationCount],
	EventPrivateConversationStarted: decodeServer[PrivateConversationStarted],
	EventPrivateMessageStatus:       decodeServer[PrivateMessageStatus],
	EventError:                      decodeServer[ErrorEvent],
}

// DecodeServerEvent resolves an inbound server frame on the client side.
func DecodeServerEvent(envelope Envelope) (ServerEvent, error) {
	decode, ok := serverDecoders[envelope.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}
	return decode(envelope.Data)
}

func decodeServer[T ServerEvent](data json.RawMessage) (ServerEvent, error) {
	var event T
	if err := decodeData(data, &event); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", event.EventName(), err)
	}
	return event, nil
}
