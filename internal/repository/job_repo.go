package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/visualai/lenslike/internal/domain"
)

// ReindexJobRepository persists reindex job records.
type ReindexJobRepository struct {
	db *gorm.DB
}

// NewReindexJobRepository creates a repository bound to db.
func NewReindexJobRepository(db *gorm.DB) *ReindexJobRepository {
	return &ReindexJobRepository{db: db}
}

// Create inserts a new job record.
func (r *ReindexJobRepository) Create(ctx context.Context, job *domain.ReindexJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// Update saves the full job record.
func (r *ReindexJobRepository) Update(ctx context.Context, job *domain.ReindexJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// Latest returns the most recently created job, or nil when none exist.
func (r *ReindexJobRepository) Latest(ctx context.Context) (*domain.ReindexJob, error) {
	var job domain.ReindexJob
	err := r.db.WithContext(ctx).Order("created_at DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
