package postgres

import (
	"context"
	"errors"

	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/utils"
	"gorm.io/gorm"
)

type RecordingRepository interface {
	Insert(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	Latest(ctx context.Context, n int) ([]models.Recording, error)
}

type recordingRepo struct {
	db *gorm.DB
}

func NewRecordingRepo(db *gorm.DB) RecordingRepository {
	return &recordingRepo{db: db}
}

func (r *recordingRepo) Insert(ctx context.Context, rec *models.Recording) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *recordingRepo) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	var row models.Recording
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *recordingRepo) Latest(ctx context.Context, n int) ([]models.Recording, error) {
	if n <= 0 {
		n = 20
	}
	var rows []models.Recording
	err := r.db.WithContext(ctx).
		Order("upload_at DESC").
		Limit(n).
		Find(&rows).Error
	return rows, err
}
