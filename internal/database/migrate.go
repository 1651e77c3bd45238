package database

import (
	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// Migrate creates or updates the tables owned by the chat core. The users
// table is shared with the platform and only gains the presence columns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.RoomMembership{},
		&models.PrivateConversation{},
		&models.ChatMessage{},
		&models.PrivateMessage{},
		&models.PrivateMessageStatus{},
		&models.MessageReaction{},
		&models.Notification{},
		&models.UploadRecord{},
	)
}
