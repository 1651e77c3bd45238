package models

import "time"

// Room types supported by the chat core.
const (
	RoomTypeCourse = "course"
	RoomTypeGlobal = "global"
	RoomTypeGroup  = "group"
)

// Message content types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Private message delivery states, ordered from earliest to latest.
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// Reaction scopes distinguish room messages from private messages sharing the same id space.
const (
	MessageKindRoom    = "room"
	MessageKindPrivate = "private"
)

// Reaction types accepted by the reaction toggler.
const (
	ReactionLike  = "like"
	ReactionLove  = "love"
	ReactionLaugh = "laugh"
	ReactionSad   = "sad"
	ReactionAngry = "angry"
)

// User is the platform account as seen by the chat core. Only presence columns are written here.
type User struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Username  string     `gorm:"size:64;uniqueIndex;not null" json:"username"`
	FullName  string     `gorm:"size:255" json:"full_name"`
	IsOnline  bool       `gorm:"not null;default:false" json:"is_online"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Room is a group chat channel (course room, global room or ad-hoc group).
type Room struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"size:100;not null" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	Type          string    `gorm:"size:16;not null;default:group" json:"type"`
	IsPublic      bool      `gorm:"not null;default:false" json:"is_public"`
	CreatedBy     uint      `gorm:"index" json:"created_by"`
	LastMessageID *uint     `json:"last_message_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName keeps chat rooms apart from course rooms elsewhere on the platform.
func (Room) TableName() string {
	return "chat_rooms"
}

// RoomMembership records that a user belongs to a room.
type RoomMembership struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	RoomID   uint      `gorm:"not null;uniqueIndex:idx_room_member" json:"room_id"`
	UserID   uint      `gorm:"not null;uniqueIndex:idx_room_member;index" json:"user_id"`
	IsAdmin  bool      `gorm:"not null;default:false" json:"is_admin"`
	JoinedAt time.Time `json:"joined_at"`
}

// TableName overrides the gorm default.
func (RoomMembership) TableName() string {
	return "chat_room_members"
}

// PrivateConversation is a 1:1 conversation between two distinct users.
type PrivateConversation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Participant1ID uint      `gorm:"not null;index" json:"participant1_id"`
	Participant2ID uint      `gorm:"not null;index" json:"participant2_id"`
	LastMessageID  *uint     `json:"last_message_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsParticipant reports whether userID is one of the two participants.
func (c PrivateConversation) IsParticipant(userID uint) bool {
	return userID != 0 && (c.Participant1ID == userID || c.Participant2ID == userID)
}

// OtherParticipant returns the counterpart of userID, or zero when userID is not a participant.
func (c PrivateConversation) OtherParticipant(userID uint) uint {
	switch userID {
	case c.Participant1ID:
		return c.Participant2ID
	case c.Participant2ID:
		return c.Participant1ID
	default:
		return 0
	}
}

// ChatMessage is a message posted into a room. Messages are immutable once stored.
type ChatMessage struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	RoomID    uint         `gorm:"not null;index" json:"room_id"`
	SenderID  uint         `gorm:"not null;index" json:"sender_id"`
	Content   string       `gorm:"type:text;not null" json:"content"`
	Type      string       `gorm:"size:16;not null;default:text" json:"type"`
	ReplyToID *uint        `gorm:"index" json:"reply_to_id"`
	FileURL   string       `gorm:"size:512" json:"file_url"`
	FileName  string       `gorm:"size:255" json:"file_name"`
	FileSize  int64        `json:"file_size"`
	CreatedAt time.Time    `json:"created_at"`
	Sender    User         `gorm:"foreignKey:SenderID" json:"sender"`
	ReplyTo   *ChatMessage `gorm:"foreignKey:ReplyToID" json:"reply_to,omitempty"`
}

// PrivateMessage is a message inside a private conversation.
type PrivateMessage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	SenderID       uint      `gorm:"not null;index" json:"sender_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Type           string    `gorm:"size:16;not null;default:text" json:"type"`
	ReplyToID      *uint     `gorm:"index" json:"reply_to_id"`
	FileURL        string    `gorm:"size:512" json:"file_url"`
	FileName       string    `gorm:"size:255" json:"file_name"`
	FileSize       int64     `json:"file_size"`
	CreatedAt      time.Time `json:"created_at"`
	Sender         User      `gorm:"foreignKey:SenderID" json:"sender"`
}

// PrivateMessageStatus tracks delivery of a private message to its recipient.
type PrivateMessageStatus struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_private_status" json:"message_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_private_status;index" json:"user_id"`
	Status    string    `gorm:"size:16;not null;default:sent" json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageReaction is the single reaction a user holds on a message.
type MessageReaction struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	MessageKind  string    `gorm:"size:16;not null;uniqueIndex:idx_reaction_owner" json:"message_kind"`
	MessageID    uint      `gorm:"not null;uniqueIndex:idx_reaction_owner" json:"message_id"`
	UserID       uint      `gorm:"not null;uniqueIndex:idx_reaction_owner" json:"user_id"`
	ReactionType string    `gorm:"size:16;not null" json:"reaction_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusRank orders private message states; unknown states rank lowest.
func StatusRank(status string) int {
	switch status {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}

// IsValidReaction reports whether reactionType belongs to the fixed reaction set.
func IsValidReaction(reactionType string) bool {
	switch reactionType {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionSad, ReactionAngry:
		return true
	default:
		return false
	}
}
