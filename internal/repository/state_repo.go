package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/visualai/lenslike/internal/domain"
)

// SearchStateRepository persists per-product indexing state.
type SearchStateRepository struct {
	db *gorm.DB
}

// NewSearchStateRepository creates a repository bound to db.
func NewSearchStateRepository(db *gorm.DB) *SearchStateRepository {
	return &SearchStateRepository{db: db}
}

// Get returns the state row for productID, or gorm.ErrRecordNotFound.
func (r *SearchStateRepository) Get(ctx context.Context, productID int64) (*domain.SearchState, error) {
	var state domain.SearchState
	if err := r.db.WithContext(ctx).First(&state, "product_id = ?", productID).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveSearchable records a successful embedding for productID at version.
func (r *SearchStateRepository) SaveSearchable(ctx context.Context, productID, version int64) error {
	now := time.Now()
	state := domain.SearchState{
		ProductID:  productID,
		Version:    version,
		Searchable: true,
		Attempts:   0,
		LastError:  "",
		EmbeddedAt: &now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		UpdateAll: true,
	}).Create(&state).Error
}

// MarkUnsearchable records an embedding failure that exhausted its retries.
// The product stays in the catalog but is excluded from visual search until
// a later event or reindex succeeds.
func (r *SearchStateRepository) MarkUnsearchable(ctx context.Context, productID int64, attempts int, lastErr string) error {
	state := domain.SearchState{
		ProductID:  productID,
		Searchable: false,
		Attempts:   attempts,
		LastError:  lastErr,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"searchable", "attempts", "last_error", "updated_at",
		}),
	}).Create(&state).Error
}

// Delete removes the state row for productID; absent rows are a no-op.
func (r *SearchStateRepository) Delete(ctx context.Context, productID int64) error {
	return r.db.WithContext(ctx).Delete(&domain.SearchState{}, "product_id = ?", productID).Error
}

// Versions returns the stored version per product, used to carry versions
// forward across a full reindex.
func (r *SearchStateRepository) Versions(ctx context.Context) (map[int64]int64, error) {
	var states []domain.SearchState
	if err := r.db.WithContext(ctx).Select("product_id", "version").Find(&states).Error; err != nil {
		return nil, err
	}
	versions := make(map[int64]int64, len(states))
	for _, s := range states {
		versions[s.ProductID] = s.Version
	}
	return versions, nil
}

// CountUnsearchable returns the number of products excluded from search.
func (r *SearchStateRepository) CountUnsearchable(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.SearchState{}).
		Where("searchable = ?", false).Count(&count).Error
	return count, err
}

// ListUnsearchable returns all products excluded from search, for operator
// attention.
func (r *SearchStateRepository) ListUnsearchable(ctx context.Context) ([]domain.SearchState, error) {
	var states []domain.SearchState
	err := r.db.WithContext(ctx).
		Where("searchable = ?", false).
		Order("product_id").
		Find(&states).Error
	return states, err
}
