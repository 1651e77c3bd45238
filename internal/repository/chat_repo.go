package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// ChatRepository persists room messages.
type ChatRepository interface {
	CreateInRoom(ctx context.Context, message *models.ChatMessage) error
	FindByID(ctx context.Context, id uint) (models.ChatMessage, error)
	FindWithSender(ctx context.Context, id uint) (models.ChatMessage, error)
	ListByRoom(ctx context.Context, roomID uint, page, limit int) ([]models.ChatMessage, bool, error)
	LatestByRoom(ctx context.Context, roomID uint) (models.ChatMessage, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// CreateInRoom stores the message and moves the room's last message pointer in one transaction.
func (r *chatRepository) CreateInRoom(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(message).Error; err != nil {
			return err
		}
		return tx.Model(&models.Room{}).
			Where("id = ?", message.RoomID).
			Updates(map[string]interface{}{"last_message_id": message.ID, "updated_at": time.Now().UTC()}).Error
	})
}

func (r *chatRepository) FindByID(ctx context.Context, id uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// FindWithSender loads the message with its sender and the replied-to message.
func (r *chatRepository) FindWithSender(ctx context.Context, id uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("ReplyTo").
		Preload("ReplyTo.Sender").
		First(&message, id).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// ListByRoom returns one page of history in chronological order. Page 1 holds the newest messages.
func (r *chatRepository) ListByRoom(ctx context.Context, roomID uint, page, limit int) ([]models.ChatMessage, bool, error) {
	page, limit = normalizePage(page, limit)

	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("ReplyTo").
		Preload("ReplyTo.Sender").
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit + 1).
		Find(&messages).Error
	if err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, hasMore, nil
}

func (r *chatRepository) LatestByRoom(ctx context.Context, roomID uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Order("id DESC").
		First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func normalizePage(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return page, limit
}
