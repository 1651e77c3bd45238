package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// Outcomes of a reaction toggle.
const (
	ReactionAdded   = "added"
	ReactionUpdated = "updated"
	ReactionRemoved = "removed"
)

// ReactionRepository stores the single reaction each user holds per message.
type ReactionRepository interface {
	Toggle(ctx context.Context, kind string, messageID, userID uint, reactionType string) (string, error)
	ListForMessages(ctx context.Context, kind string, messageIDs []uint) (map[uint][]models.MessageReaction, error)
}

type reactionRepository struct {
	db *gorm.DB
}

// NewReactionRepository constructs a reaction repository backed by GORM.
func NewReactionRepository(db *gorm.DB) ReactionRepository {
	return &reactionRepository{db: db}
}

// Toggle adds the reaction when absent, removes it when the same type is
// already present and switches it otherwise.
func (r *reactionRepository) Toggle(ctx context.Context, kind string, messageID, userID uint, reactionType string) (string, error) {
	var action string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MessageReaction
		err := tx.Where("message_kind = ? AND message_id = ? AND user_id = ?", kind, messageID, userID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			reaction := models.MessageReaction{
				MessageKind:  kind,
				MessageID:    messageID,
				UserID:       userID,
				ReactionType: reactionType,
			}
			if err := tx.Create(&reaction).Error; err != nil {
				return err
			}
			action = ReactionAdded
			return nil
		case err != nil:
			return err
		}

		if existing.ReactionType == reactionType {
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
			action = ReactionRemoved
			return nil
		}

		if err := tx.Model(&existing).Update("reaction_type", reactionType).Error; err != nil {
			return err
		}
		action = ReactionUpdated
		return nil
	})
	if err != nil {
		return "", err
	}
	return action, nil
}

// ListForMessages groups the reactions on the given messages by message id.
func (r *reactionRepository) ListForMessages(ctx context.Context, kind string, messageIDs []uint) (map[uint][]models.MessageReaction, error) {
	out := make(map[uint][]models.MessageReaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	var reactions []models.MessageReaction
	err := r.db.WithContext(ctx).
		Where("message_kind = ? AND message_id IN ?", kind, messageIDs).
		Order("id ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, err
	}
	for _, reaction := range reactions {
		out[reaction.MessageID] = append(out[reaction.MessageID], reaction)
	}
	return out, nil
}
