package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/visualai/lenslike/internal/catalog"
	"github.com/visualai/lenslike/internal/embedding"
	"github.com/visualai/lenslike/internal/index"
	"github.com/visualai/lenslike/internal/logger"
)

// SyncConfig holds configuration for the catalog sync loop.
type SyncConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
}

// SyncService keeps the vector index consistent with the catalog by
// consuming mutation events. Events are routed to a worker shard by product
// ID, so events for the same product are processed in arrival order while
// different products proceed concurrently.
type SyncService struct {
	idx       index.Index
	extractor *embedding.Extractor
	fetcher   ImageFetcher
	states    StateStore
	logger    *logger.Logger

	workers        int
	maxAttempts    int
	initialBackoff time.Duration
}

// NewSyncService creates a new catalog sync service.
func NewSyncService(
	idx index.Index,
	extractor *embedding.Extractor,
	fetcher ImageFetcher,
	states StateStore,
	log *logger.Logger,
	cfg *SyncConfig,
) *SyncService {
	workers := 4
	maxAttempts := 5
	backoff := time.Second
	if cfg != nil {
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
		if cfg.MaxAttempts > 0 {
			maxAttempts = cfg.MaxAttempts
		}
		if cfg.InitialBackoff > 0 {
			backoff = cfg.InitialBackoff
		}
	}
	return &SyncService{
		idx:            idx,
		extractor:      extractor,
		fetcher:        fetcher,
		states:         states,
		logger:         log,
		workers:        workers,
		maxAttempts:    maxAttempts,
		initialBackoff: backoff,
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (s *SyncService) Run(ctx context.Context, events <-chan catalog.Event) {
	shards := make([]chan catalog.Event, s.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan catalog.Event, 16)
		wg.Add(1)
		go func(shard <-chan catalog.Event) {
			defer wg.Done()
			for ev := range shard {
				s.handle(ctx, ev)
			}
		}(shards[i])
	}

dispatch:
	for {
		select {
		case <-ctx.Done():
			break dispatch
		case ev, ok := <-events:
			if !ok {
				break dispatch
			}
			shard := shards[uint64(ev.Product.ID)%uint64(s.workers)]
			select {
			case shard <- ev:
			case <-ctx.Done():
				break dispatch
			}
		}
	}

	for _, shard := range shards {
		close(shard)
	}
	wg.Wait()
}

func (s *SyncService) handle(ctx context.Context, ev catalog.Event) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: "sync",
		logger.FieldProductID: ev.Product.ID,
	})

	switch ev.Type {
	case catalog.ProductDeleted:
		if err := s.idx.Remove(ctx, ev.Product.ID); err != nil {
			logger.CtxError(ctx, "Failed to remove product from index: error=%v", err)
			return
		}
		if err := s.states.Delete(ctx, ev.Product.ID); err != nil {
			logger.CtxWarn(ctx, "Failed to delete search state: error=%v", err)
		}
		logger.CtxInfo(ctx, "Removed product from index")

	case catalog.ProductCreated, catalog.ProductImageChanged:
		s.reembed(ctx, ev)
	}
}

// reembed fetches and embeds the product image with bounded retries,
// then applies the versioned entry to the index.
func (s *SyncService) reembed(ctx context.Context, ev catalog.Event) {
	vector, attempts, err := s.embedWithRetry(ctx, ev.Product.Image)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.With(logger.Fields{logger.FieldCount: attempts}).
			Error(ctx, "Embedding failed, marking product unsearchable: error=%v", err)
		if stateErr := s.states.MarkUnsearchable(ctx, ev.Product.ID, attempts, err.Error()); stateErr != nil {
			logger.CtxError(ctx, "Failed to persist unsearchable state: error=%v", stateErr)
		}
		return
	}

	entry := index.Entry{ProductID: ev.Product.ID, Vector: vector, Version: ev.Version}
	if err := s.idx.Apply(ctx, entry); err != nil {
		if errors.Is(err, index.ErrStaleVersion) {
			// A newer event for this product has already been applied.
			logger.CtxDebug(ctx, "Discarding stale update: version=%d", ev.Version)
			return
		}
		logger.CtxError(ctx, "Failed to apply index entry: error=%v", err)
		return
	}

	if err := s.states.SaveSearchable(ctx, ev.Product.ID, ev.Version); err != nil {
		logger.CtxWarn(ctx, "Failed to persist search state: error=%v", err)
	}
	logger.CtxInfo(ctx, "Indexed product: event=%s, version=%d", ev.Type, ev.Version)
}

// embedWithRetry retries transient failures (fetch errors, model errors,
// timeouts) with exponential backoff. Decode failures are permanent: the
// referenced image will not become decodable by retrying.
func (s *SyncService) embedWithRetry(ctx context.Context, imageRef string) ([]float32, int, error) {
	backoff := s.initialBackoff
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, attempt - 1, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		data, err := s.fetcher.Fetch(ctx, imageRef)
		if err != nil {
			lastErr = err
			logger.CtxWarn(ctx, "Image fetch failed: attempt=%d, error=%v", attempt, err)
			continue
		}

		vector, err := s.extractor.Extract(ctx, data)
		if err == nil {
			return vector, attempt, nil
		}
		if errors.Is(err, embedding.ErrDecode) {
			return nil, attempt, err
		}
		lastErr = err
		logger.CtxWarn(ctx, "Embedding attempt failed: attempt=%d, error=%v", attempt, err)
	}
	return nil, s.maxAttempts, lastErr
}
