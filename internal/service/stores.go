package service

import (
	"context"

	"github.com/visualai/lenslike/internal/domain"
)

// StateStore persists per-product indexing state. Implemented by
// repository.SearchStateRepository.
type StateStore interface {
	SaveSearchable(ctx context.Context, productID, version int64) error
	MarkUnsearchable(ctx context.Context, productID int64, attempts int, lastErr string) error
	Delete(ctx context.Context, productID int64) error
	Versions(ctx context.Context) (map[int64]int64, error)
	CountUnsearchable(ctx context.Context) (int64, error)
}

// JobStore persists reindex job records. Implemented by
// repository.ReindexJobRepository.
type JobStore interface {
	Create(ctx context.Context, job *domain.ReindexJob) error
	Update(ctx context.Context, job *domain.ReindexJob) error
	Latest(ctx context.Context) (*domain.ReindexJob, error)
}

// ImageFetcher resolves a product image reference to raw bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}
