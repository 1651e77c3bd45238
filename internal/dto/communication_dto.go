package dto

import (
	"strings"
	"time"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// NotificationListQuery represents the paging filters for listing notifications.
type NotificationListQuery struct {
	UnreadOnly bool `query:"unread"`
	Limit      int  `query:"limit" validate:"omitempty,min=1,max=100"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID        uint                   `json:"id"`
	UserID    uint                   `json:"user_id"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NotificationCountResponse is the unread counter returned by the HTTP surface.
type NotificationCountResponse struct {
	Count int64 `json:"count"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	response := NotificationResponse{
		ID:        model.ID,
		UserID:    model.UserID,
		Type:      model.Type,
		Message:   model.Message,
		Read:      model.Read,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
	if len(model.Data) > 0 {
		response.Data = map[string]interface{}(model.Data)
	}
	return response
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// UploadResponse describes a stored chat attachment. The fields map onto the
// file_* fields of send_message.
type UploadResponse struct {
	ID          uint      `json:"id"`
	URL         string    `json:"url"`
	FileName    string    `json:"file_name"`
	MimeType    string    `json:"mime_type"`
	MessageType string    `json:"message_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewUploadResponse converts an upload record into a DTO.
func NewUploadResponse(record models.UploadRecord) UploadResponse {
	return UploadResponse{
		ID:          record.ID,
		URL:         record.URL,
		FileName:    record.FileName,
		MimeType:    record.MimeType,
		MessageType: AttachmentMessageType(record.MimeType),
		SizeBytes:   record.SizeBytes,
		Checksum:    record.Checksum,
		CreatedAt:   record.CreatedAt,
	}
}

// AttachmentMessageType maps a stored content type onto the chat message type
// a client should send with the attachment.
func AttachmentMessageType(mime string) string {
	if strings.HasPrefix(mime, "image/") {
		return models.MessageTypeImage
	}
	return models.MessageTypeFile
}
