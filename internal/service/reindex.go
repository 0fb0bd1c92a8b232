package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/visualai/lenslike/internal/catalog"
	"github.com/visualai/lenslike/internal/domain"
	"github.com/visualai/lenslike/internal/embedding"
	"github.com/visualai/lenslike/internal/index"
	"github.com/visualai/lenslike/internal/logger"
)

// ErrReindexRunning is returned when a full reindex is requested while
// another one is still in progress.
var ErrReindexRunning = errors.New("a reindex job is already running")

// ReindexConfig holds configuration for full catalog rebuilds.
type ReindexConfig struct {
	Workers      int
	SnapshotPath string
}

// ReindexStats summarizes the outcome of one full reindex run.
type ReindexStats struct {
	JobID     string
	Total     int
	Processed int
	Failed    int
	Duration  time.Duration
}

// ReindexService rebuilds the entire vector index from the catalog. It
// embeds every product image with a worker pool, then swaps the index
// contents in a single atomic rebuild so queries never observe a
// partially built index.
type ReindexService struct {
	idx       index.Index
	extractor *embedding.Extractor
	fetcher   ImageFetcher
	lister    catalog.Lister
	states    StateStore
	jobs      JobStore
	logger    *logger.Logger

	workers      int
	snapshotPath string
	running      atomic.Bool
}

// NewReindexService creates a new reindex service.
func NewReindexService(
	idx index.Index,
	extractor *embedding.Extractor,
	fetcher ImageFetcher,
	lister catalog.Lister,
	states StateStore,
	jobs JobStore,
	log *logger.Logger,
	cfg *ReindexConfig,
) *ReindexService {
	workers := 5
	snapshotPath := ""
	if cfg != nil {
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
		snapshotPath = cfg.SnapshotPath
	}
	return &ReindexService{
		idx:          idx,
		extractor:    extractor,
		fetcher:      fetcher,
		lister:       lister,
		states:       states,
		jobs:         jobs,
		logger:       log,
		workers:      workers,
		snapshotPath: snapshotPath,
	}
}

// Running reports whether a reindex is currently in progress.
func (s *ReindexService) Running() bool {
	return s.running.Load()
}

type reindexResult struct {
	entry index.Entry
	err   error
}

// Reindex performs one full rebuild and blocks until it finishes. Only one
// rebuild may run at a time; concurrent calls fail with ErrReindexRunning.
func (s *ReindexService) Reindex(ctx context.Context) (*ReindexStats, error) {
	job, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, job)
}

// Start begins a rebuild in the background and returns its job ID
// immediately. Progress is observable through the job store.
func (s *ReindexService) Start(ctx context.Context) (string, error) {
	job, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := s.finish(ctx, job); err != nil {
			logger.CtxError(ctx, "Background reindex failed: error=%v", err)
		}
	}()
	return job.ID, nil
}

// begin claims the single-run slot and records the job row.
func (s *ReindexService) begin(ctx context.Context) (*domain.ReindexJob, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrReindexRunning
	}

	job := &domain.ReindexJob{
		ID:     uuid.NewString(),
		Status: domain.JobStatusRunning,
	}
	now := time.Now()
	job.StartedAt = &now
	if err := s.jobs.Create(ctx, job); err != nil {
		s.running.Store(false)
		return nil, err
	}
	return job, nil
}

func (s *ReindexService) finish(ctx context.Context, job *domain.ReindexJob) (*ReindexStats, error) {
	defer s.running.Store(false)

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: "reindex",
		logger.FieldJobID:     job.ID,
	})

	stats, err := s.run(ctx, job)
	done := time.Now()
	job.CompletedAt = &done
	if err != nil {
		job.Status = domain.JobStatusFailed
		job.ErrorLog = err.Error()
		if updateErr := s.jobs.Update(ctx, job); updateErr != nil {
			logger.CtxError(ctx, "Failed to record job failure: error=%v", updateErr)
		}
		return nil, err
	}

	job.Status = domain.JobStatusCompleted
	job.TotalItems = stats.Total
	job.ProcessedItems = stats.Processed
	job.FailedItems = stats.Failed
	if updateErr := s.jobs.Update(ctx, job); updateErr != nil {
		logger.CtxError(ctx, "Failed to record job completion: error=%v", updateErr)
	}
	stats.JobID = job.ID
	return stats, nil
}

func (s *ReindexService) run(ctx context.Context, job *domain.ReindexJob) (*ReindexStats, error) {
	start := time.Now()

	products, err := s.lister.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	// Entries rebuilt from scratch keep the last version observed by the
	// sync loop, so late events from before the rebuild still lose to
	// anything applied afterward.
	versions, err := s.states.Versions(ctx)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to load known versions, starting from 1: error=%v", err)
		versions = map[int64]int64{}
	}

	logger.With(logger.Fields{logger.FieldCount: len(products)}).
		Info(ctx, "Starting full reindex")

	tasks := make(chan domain.Product)
	results := make(chan reindexResult)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range tasks {
				results <- s.embedProduct(ctx, p, versions[p.ID])
			}
		}()
	}
	go func() {
		defer close(tasks)
		for _, p := range products {
			select {
			case tasks <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	entries := make([]index.Entry, 0, len(products))
	failed := 0
	for res := range results {
		if res.err != nil {
			failed++
			continue
		}
		entries = append(entries, res.entry)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err := s.idx.Rebuild(ctx, entries); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if err := s.states.SaveSearchable(ctx, e.ProductID, e.Version); err != nil {
			logger.CtxWarn(ctx, "Failed to persist search state: product_id=%d, error=%v", e.ProductID, err)
		}
	}

	if s.snapshotPath != "" {
		if snap, ok := s.idx.(index.Snapshotter); ok {
			if err := snap.Save(s.snapshotPath); err != nil {
				logger.CtxWarn(ctx, "Failed to save index snapshot: error=%v", err)
			}
		}
	}

	stats := &ReindexStats{
		Total:     len(products),
		Processed: len(entries),
		Failed:    failed,
		Duration:  time.Since(start),
	}
	logger.With(logger.Fields{
		logger.FieldCount:      stats.Processed,
		logger.FieldDurationMs: stats.Duration.Milliseconds(),
	}).Info(ctx, "Reindex completed: total=%d, failed=%d", stats.Total, stats.Failed)
	return stats, nil
}

// embedProduct fetches and embeds one product image. The entry version is
// the product's last known version, or 1 for products never seen before.
func (s *ReindexService) embedProduct(ctx context.Context, p domain.Product, version int64) reindexResult {
	if version == 0 {
		version = 1
	}

	data, err := s.fetcher.Fetch(ctx, p.Image)
	if err == nil {
		var vector []float32
		vector, err = s.extractor.Extract(ctx, data)
		if err == nil {
			return reindexResult{entry: index.Entry{ProductID: p.ID, Vector: vector, Version: version}}
		}
	}

	logger.CtxWarn(ctx, "Skipping product during reindex: product_id=%d, error=%v", p.ID, err)
	if stateErr := s.states.MarkUnsearchable(ctx, p.ID, 1, err.Error()); stateErr != nil {
		logger.CtxWarn(ctx, "Failed to persist unsearchable state: product_id=%d, error=%v", p.ID, stateErr)
	}
	return reindexResult{err: err}
}
