package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// RoomRepository manages chat rooms and their memberships.
type RoomRepository interface {
	CreateWithMembers(ctx context.Context, room *models.Room, memberIDs []uint, welcome *models.ChatMessage) error
	FindByID(ctx context.Context, id uint) (models.Room, error)
	IsMember(ctx context.Context, roomID, userID uint) (bool, error)
	RoomIDsForUser(ctx context.Context, userID uint) ([]uint, error)
	ListForUser(ctx context.Context, userID uint) ([]models.Room, error)
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

// CreateWithMembers creates the room, the creator's admin membership, the
// member memberships and the welcome message atomically. The room's last
// message pointer is set to the welcome message.
func (r *roomRepository) CreateWithMembers(ctx context.Context, room *models.Room, memberIDs []uint, welcome *models.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		memberships := make([]models.RoomMembership, 0, len(memberIDs)+1)
		memberships = append(memberships, models.RoomMembership{RoomID: room.ID, UserID: room.CreatedBy, IsAdmin: true, JoinedAt: now})
		for _, id := range memberIDs {
			if id == room.CreatedBy {
				continue
			}
			memberships = append(memberships, models.RoomMembership{RoomID: room.ID, UserID: id, JoinedAt: now})
		}
		if err := tx.Create(&memberships).Error; err != nil {
			return err
		}

		if welcome == nil {
			return nil
		}
		welcome.RoomID = room.ID
		if err := tx.Omit(clause.Associations).Create(welcome).Error; err != nil {
			return err
		}
		room.LastMessageID = &welcome.ID
		return tx.Model(room).Update("last_message_id", welcome.ID).Error
	})
}

func (r *roomRepository) FindByID(ctx context.Context, id uint) (models.Room, error) {
	var room models.Room
	if err := r.db.WithContext(ctx).First(&room, id).Error; err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) IsMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RoomMembership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *roomRepository) RoomIDsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.RoomMembership{}).
		Where("user_id = ?", userID).
		Order("room_id ASC").
		Pluck("room_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListForUser returns the rooms the user belongs to, most recently active first.
func (r *roomRepository) ListForUser(ctx context.Context, userID uint) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_room_members ON chat_room_members.room_id = chat_rooms.id").
		Where("chat_room_members.user_id = ?", userID).
		Order("chat_rooms.updated_at DESC").
		Order("chat_rooms.id DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}
