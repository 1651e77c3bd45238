package dto

import (
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// ChatUserResponse is the public identity attached to chat payloads.
type ChatUserResponse struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

// ChatReplyResponse is the compact form of a replied-to message.
type ChatReplyResponse struct {
	ID       uint              `json:"id"`
	SenderID uint              `json:"sender_id"`
	Sender   *ChatUserResponse `json:"sender,omitempty"`
	Content  string            `json:"content"`
	Type     string            `json:"type"`
}

// ReactionResponse is one user's reaction on a message.
type ReactionResponse struct {
	UserID       uint   `json:"user_id"`
	ReactionType string `json:"reaction_type"`
}

// ChatMessageResponse is the serialized representation of a room message.
type ChatMessageResponse struct {
	ID        uint               `json:"id"`
	RoomID    uint               `json:"room_id"`
	SenderID  uint               `json:"sender_id"`
	Sender    *ChatUserResponse  `json:"sender,omitempty"`
	Content   string             `json:"content"`
	Type      string             `json:"type"`
	ReplyToID *uint              `json:"reply_to_id,omitempty"`
	ReplyTo   *ChatReplyResponse `json:"reply_to,omitempty"`
	FileURL   string             `json:"file_url,omitempty"`
	FileName  string             `json:"file_name,omitempty"`
	FileSize  int64              `json:"file_size,omitempty"`
	Reactions []ReactionResponse `json:"reactions,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// PrivateMessageResponse is the serialized representation of a private message.
type PrivateMessageResponse struct {
	ID             uint               `json:"id"`
	ConversationID uint               `json:"conversation_id"`
	SenderID       uint               `json:"sender_id"`
	Sender         *ChatUserResponse  `json:"sender,omitempty"`
	Content        string             `json:"content"`
	Type           string             `json:"type"`
	ReplyToID      *uint              `json:"reply_to_id,omitempty"`
	FileURL        string             `json:"file_url,omitempty"`
	FileName       string             `json:"file_name,omitempty"`
	FileSize       int64              `json:"file_size,omitempty"`
	Status         string             `json:"status,omitempty"`
	Reactions      []ReactionResponse `json:"reactions,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// RoomResponse describes a room the caller belongs to.
type RoomResponse struct {
	ID            uint                 `json:"id"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Type          string               `json:"type"`
	IsPublic      bool                 `json:"is_public"`
	CreatedBy     uint                 `json:"created_by"`
	LastMessageID *uint                `json:"last_message_id,omitempty"`
	LastMessage   *ChatMessageResponse `json:"last_message,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// ConversationResponse describes a private conversation from the caller's point of view.
type ConversationResponse struct {
	ID             uint              `json:"id"`
	Participant1ID uint              `json:"participant1_id"`
	Participant2ID uint              `json:"participant2_id"`
	Peer           *ChatUserResponse `json:"peer,omitempty"`
	LastMessageID  *uint             `json:"last_message_id,omitempty"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// ChatHistoryQuery represents the paging filters for a channel history request.
type ChatHistoryQuery struct {
	ChannelID uint `query:"id" validate:"required"`
	Page      int  `query:"page" validate:"omitempty,min=1"`
	Limit     int  `query:"limit" validate:"omitempty,min=1,max=100"`
}

// RoomHistoryPage is one page of room history in chronological order.
type RoomHistoryPage struct {
	Messages []ChatMessageResponse `json:"messages"`
	Page     int                   `json:"page"`
	HasMore  bool                  `json:"has_more"`
}

// PrivateHistoryPage is one page of conversation history in chronological order.
type PrivateHistoryPage struct {
	Messages []PrivateMessageResponse `json:"messages"`
	Page     int                      `json:"page"`
	HasMore  bool                     `json:"has_more"`
}

// NewChatUserResponse converts a user model, returning nil for an unloaded association.
func NewChatUserResponse(user models.User) *ChatUserResponse {
	if user.ID == 0 {
		return nil
	}
	return &ChatUserResponse{ID: user.ID, Username: user.Username, FullName: user.FullName}
}

// NewReactionResponses converts stored reactions, returning nil when there are none.
func NewReactionResponses(reactions []models.MessageReaction) []ReactionResponse {
	if len(reactions) == 0 {
		return nil
	}
	out := make([]ReactionResponse, 0, len(reactions))
	for _, reaction := range reactions {
		out = append(out, ReactionResponse{UserID: reaction.UserID, ReactionType: reaction.ReactionType})
	}
	return out
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	response := ChatMessageResponse{
		ID:        message.ID,
		RoomID:    message.RoomID,
		SenderID:  message.SenderID,
		Sender:    NewChatUserResponse(message.Sender),
		Content:   message.Content,
		Type:      message.Type,
		ReplyToID: message.ReplyToID,
		FileURL:   message.FileURL,
		FileName:  message.FileName,
		FileSize:  message.FileSize,
		CreatedAt: message.CreatedAt,
	}
	if message.ReplyTo != nil {
		response.ReplyTo = &ChatReplyResponse{
			ID:       message.ReplyTo.ID,
			SenderID: message.ReplyTo.SenderID,
			Sender:   NewChatUserResponse(message.ReplyTo.Sender),
			Content:  message.ReplyTo.Content,
			Type:     message.ReplyTo.Type,
		}
	}
	return response
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// NewPrivateMessageResponse converts a model into a DTO.
func NewPrivateMessageResponse(message models.PrivateMessage) PrivateMessageResponse {
	return PrivateMessageResponse{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Sender:         NewChatUserResponse(message.Sender),
		Content:        message.Content,
		Type:           message.Type,
		ReplyToID:      message.ReplyToID,
		FileURL:        message.FileURL,
		FileName:       message.FileName,
		FileSize:       message.FileSize,
		CreatedAt:      message.CreatedAt,
	}
}

// NewPrivateMessageResponseSlice converts a slice of models into DTOs.
func NewPrivateMessageResponseSlice(messages []models.PrivateMessage) []PrivateMessageResponse {
	out := make([]PrivateMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewPrivateMessageResponse(message))
	}
	return out
}

// NewRoomResponse converts a room model into a DTO.
func NewRoomResponse(room models.Room) RoomResponse {
	return RoomResponse{
		ID:            room.ID,
		Name:          room.Name,
		Description:   room.Description,
		Type:          room.Type,
		IsPublic:      room.IsPublic,
		CreatedBy:     room.CreatedBy,
		LastMessageID: room.LastMessageID,
		CreatedAt:     room.CreatedAt,
	}
}

// NewConversationResponse converts a conversation model; peer may be nil when unknown.
func NewConversationResponse(conversation models.PrivateConversation, peer *ChatUserResponse) ConversationResponse {
	return ConversationResponse{
		ID:             conversation.ID,
		Participant1ID: conversation.Participant1ID,
		Participant2ID: conversation.Participant2ID,
		Peer:           peer,
		LastMessageID:  conversation.LastMessageID,
		LastActivityAt: conversation.LastActivityAt,
	}
}
