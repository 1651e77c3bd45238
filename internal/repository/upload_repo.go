package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// UploadRepository keeps attachment metadata so repeated uploads can be reused.
type UploadRepository interface {
	Create(ctx context.Context, record *models.UploadRecord) error
	FindByChecksum(ctx context.Context, userID uint, checksum string) (models.UploadRecord, error)
}

type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository constructs a GORM upload repository.
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

func (r *uploadRepository) Create(ctx context.Context, record *models.UploadRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// FindByChecksum returns the newest attachment with identical content stored
// by userID, or gorm.ErrRecordNotFound.
func (r *uploadRepository) FindByChecksum(ctx context.Context, userID uint, checksum string) (models.UploadRecord, error) {
	var record models.UploadRecord
	err := r.db.WithContext(ctx).
		Scopes(ownedBy(userID)).
		Where(&models.UploadRecord{Checksum: checksum}).
		Last(&record).Error
	return record, err
}
