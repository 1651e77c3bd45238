package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// ErrSelfConversation is returned when both participants are the same user.
var ErrSelfConversation = errors.New("conversation participants must differ")

// ConversationRepository manages 1:1 private conversations.
type ConversationRepository interface {
	FindByID(ctx context.Context, id uint) (models.PrivateConversation, error)
	FindOrCreate(ctx context.Context, userA, userB uint) (models.PrivateConversation, bool, error)
	ListForUser(ctx context.Context, userID uint) ([]models.PrivateConversation, error)
	IDsForUser(ctx context.Context, userID uint) ([]uint, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) FindByID(ctx context.Context, id uint) (models.PrivateConversation, error) {
	var conversation models.PrivateConversation
	if err := r.db.WithContext(ctx).First(&conversation, id).Error; err != nil {
		return models.PrivateConversation{}, err
	}
	return conversation, nil
}

// FindOrCreate returns the conversation between the two users regardless of
// participant order, creating it when missing. The bool reports creation.
func (r *conversationRepository) FindOrCreate(ctx context.Context, userA, userB uint) (models.PrivateConversation, bool, error) {
	if userA == 0 || userB == 0 || userA == userB {
		return models.PrivateConversation{}, false, ErrSelfConversation
	}

	var (
		conversation models.PrivateConversation
		created      bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("(participant1_id = ? AND participant2_id = ?) OR (participant1_id = ? AND participant2_id = ?)", userA, userB, userB, userA).
			Order("id ASC").
			First(&conversation).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		first, second := userA, userB
		if first > second {
			first, second = second, first
		}
		conversation = models.PrivateConversation{
			Participant1ID: first,
			Participant2ID: second,
			LastActivityAt: time.Now().UTC(),
		}
		if err := tx.Create(&conversation).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.PrivateConversation{}, false, err
	}
	return conversation, created, nil
}

// ListForUser returns the user's conversations, most recent activity first.
func (r *conversationRepository) ListForUser(ctx context.Context, userID uint) ([]models.PrivateConversation, error) {
	var conversations []models.PrivateConversation
	err := r.db.WithContext(ctx).
		Where("participant1_id = ? OR participant2_id = ?", userID, userID).
		Order("last_activity_at DESC").
		Order("id DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *conversationRepository) IDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.PrivateConversation{}).
		Where("participant1_id = ? OR participant2_id = ?", userID, userID).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
