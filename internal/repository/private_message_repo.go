package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// PrivateMessageRepository persists private messages and their delivery status.
type PrivateMessageRepository interface {
	CreateInConversation(ctx context.Context, message *models.PrivateMessage, receiverID uint) error
	FindByID(ctx context.Context, id uint) (models.PrivateMessage, error)
	FindWithSender(ctx context.Context, id uint) (models.PrivateMessage, error)
	ListByConversation(ctx context.Context, conversationID uint, page, limit int) ([]models.PrivateMessage, bool, error)
	Statuses(ctx context.Context, messageIDs []uint) (map[uint]string, error)
	AdvanceStatus(ctx context.Context, messageID, userID uint, status string) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, userID uint) (int64, error)
}

type privateMessageRepository struct {
	db *gorm.DB
}

// NewPrivateMessageRepository constructs a private message repository backed by GORM.
func NewPrivateMessageRepository(db *gorm.DB) PrivateMessageRepository {
	return &privateMessageRepository{db: db}
}

// CreateInConversation stores the message, the receiver's initial status row
// and the conversation's activity pointers in one transaction.
func (r *privateMessageRepository) CreateInConversation(ctx context.Context, message *models.PrivateMessage, receiverID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(message).Error; err != nil {
			return err
		}

		status := models.PrivateMessageStatus{
			MessageID: message.ID,
			UserID:    receiverID,
			Status:    models.MessageStatusSent,
		}
		if err := tx.Create(&status).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		return tx.Model(&models.PrivateConversation{}).
			Where("id = ?", message.ConversationID).
			Updates(map[string]interface{}{
				"last_message_id":  message.ID,
				"last_activity_at": now,
				"updated_at":       now,
			}).Error
	})
}

func (r *privateMessageRepository) FindByID(ctx context.Context, id uint) (models.PrivateMessage, error) {
	var message models.PrivateMessage
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.PrivateMessage{}, err
	}
	return message, nil
}

func (r *privateMessageRepository) FindWithSender(ctx context.Context, id uint) (models.PrivateMessage, error) {
	var message models.PrivateMessage
	if err := r.db.WithContext(ctx).Preload("Sender").First(&message, id).Error; err != nil {
		return models.PrivateMessage{}, err
	}
	return message, nil
}

// ListByConversation returns one page of history in chronological order. Page 1 holds the newest messages.
func (r *privateMessageRepository) ListByConversation(ctx context.Context, conversationID uint, page, limit int) ([]models.PrivateMessage, bool, error) {
	page, limit = normalizePage(page, limit)

	var messages []models.PrivateMessage
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Where("conversation_id = ?", conversationID).
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
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, hasMore, nil
}

// Statuses returns the receiver status of each message.
func (r *privateMessageRepository) Statuses(ctx context.Context, messageIDs []uint) (map[uint]string, error) {
	out := make(map[uint]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	var rows []models.PrivateMessageStatus
	if err := r.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.MessageID] = row.Status
	}
	return out, nil
}

// AdvanceStatus moves the status forward. It reports false when the row is
// missing or already at or beyond the requested state.
func (r *privateMessageRepository) AdvanceStatus(ctx context.Context, messageID, userID uint, status string) (bool, error) {
	lower := statusesBelow(status)
	if len(lower) == 0 {
		return false, nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.PrivateMessageStatus{}).
		Where("message_id = ? AND user_id = ? AND status IN ?", messageID, userID, lower).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkConversationRead marks every unread status of the user in the conversation as read.
func (r *privateMessageRepository) MarkConversationRead(ctx context.Context, conversationID, userID uint) (int64, error) {
	messageIDs := r.db.Model(&models.PrivateMessage{}).Select("id").Where("conversation_id = ?", conversationID)

	result := r.db.WithContext(ctx).
		Model(&models.PrivateMessageStatus{}).
		Where("user_id = ? AND status IN ? AND message_id IN (?)", userID, statusesBelow(models.MessageStatusRead), messageIDs).
		Updates(map[string]interface{}{"status": models.MessageStatusRead, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func statusesBelow(status string) []string {
	rank := models.StatusRank(status)
	out := make([]string, 0, 2)
	for _, candidate := range []string{models.MessageStatusSent, models.MessageStatusDelivered} {
		if models.StatusRank(candidate) < rank {
			out = append(out, candidate)
		}
	}
	return out
}
