package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/visualai/lenslike/internal/domain"
	"github.com/visualai/lenslike/internal/embedding"
	"github.com/visualai/lenslike/internal/index"
	"github.com/visualai/lenslike/internal/logger"
)

type fakeProductLister struct {
	products []domain.Product
	err      error
}

func (f *fakeProductLister) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.products, nil
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs []*domain.ReindexJob
}

func (f *fakeJobStore) Create(ctx context.Context, job *domain.ReindexJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs = append(f.jobs, &copied)
	return nil
}

func (f *fakeJobStore) Update(ctx context.Context, job *domain.ReindexJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.jobs {
		if existing.ID == job.ID {
			copied := *job
			f.jobs[i] = &copied
			return nil
		}
	}
	return errors.New("job not found")
}

func (f *fakeJobStore) Latest(ctx context.Context) (*domain.ReindexJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	return f.jobs[len(f.jobs)-1], nil
}

func newReindexTestService(t *testing.T, idx index.Index, lister *fakeProductLister, fetcher ImageFetcher, states StateStore, jobs JobStore) *ReindexService {
	t.Helper()
	extractor := embedding.NewExtractor(&flakyEmbedder{vector: axis(4, 0)}, time.Second)
	return NewReindexService(idx, extractor, fetcher, lister, states, jobs, logger.GetDefault(), &ReindexConfig{
		Workers: 2,
	})
}

func TestReindexBuildsIndexFromCatalog(t *testing.T) {
	idx := newTestIndex(t, nil)
	states := newFakeStateStore()
	jobs := &fakeJobStore{}
	img := testImage(t)
	fetcher := &fakeFetcher{images: map[string][]byte{
		"a.png": img, "b.png": img, "c.png": img,
	}}
	lister := &fakeProductLister{products: []domain.Product{
		{ID: 1, Image: "a.png"},
		{ID: 2, Image: "b.png"},
		{ID: 3, Image: "c.png"},
	}}
	svc := newReindexTestService(t, idx, lister, fetcher, states, jobs)

	stats, err := svc.Reindex(context.Background())
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}

	if stats.Total != 3 || stats.Processed != 3 || stats.Failed != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if idx.Size() != 3 {
		t.Errorf("Expected 3 index entries, got %d", idx.Size())
	}

	job, err := jobs.Latest(context.Background())
	if err != nil || job == nil {
		t.Fatalf("Expected a job record, got %v (err %v)", job, err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Errorf("Expected completed job, got %s", job.Status)
	}
	if job.ProcessedItems != 3 {
		t.Errorf("Job should record 3 processed items, got %d", job.ProcessedItems)
	}
	if job.ID != stats.JobID {
		t.Errorf("Stats job ID %s does not match record %s", stats.JobID, job.ID)
	}
}

func TestReindexExcludesFailedProducts(t *testing.T) {
	idx := newTestIndex(t, nil)
	states := newFakeStateStore()
	jobs := &fakeJobStore{}
	img := testImage(t)
	fetcher := &fakeFetcher{
		images: map[string][]byte{"a.png": img, "c.png": img},
		errs:   map[string]int{"b.png": 100},
	}
	lister := &fakeProductLister{products: []domain.Product{
		{ID: 1, Image: "a.png"},
		{ID: 2, Image: "b.png"},
		{ID: 3, Image: "c.png"},
	}}
	svc := newReindexTestService(t, idx, lister, fetcher, states, jobs)

	stats, err := svc.Reindex(context.Background())
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}

	if stats.Processed != 2 || stats.Failed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if idx.Size() != 2 {
		t.Errorf("Failed product must not enter the index, size %d", idx.Size())
	}
	if _, ok := states.unsearchable[2]; !ok {
		t.Error("Failed product should be marked unsearchable")
	}

	matches, err := idx.Query(context.Background(), axis(4, 0), 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for _, m := range matches {
		if m.ProductID == 2 {
			t.Error("Failed product returned by query")
		}
	}
}

func TestReindexCarriesVersionsForward(t *testing.T) {
	idx := newTestIndex(t, nil)
	states := newFakeStateStore()
	states.searchable[1] = 7
	jobs := &fakeJobStore{}
	fetcher := &fakeFetcher{images: map[string][]byte{"a.png": testImage(t), "b.png": testImage(t)}}
	lister := &fakeProductLister{products: []domain.Product{
		{ID: 1, Image: "a.png"},
		{ID: 2, Image: "b.png"},
	}}
	svc := newReindexTestService(t, idx, lister, fetcher, states, jobs)

	if _, err := svc.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}

	matches, err := idx.Query(context.Background(), axis(4, 0), 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	versions := make(map[int64]int64, len(matches))
	for _, m := range matches {
		versions[m.ProductID] = m.Version
	}
	if versions[1] != 7 {
		t.Errorf("Known product should keep version 7, got %d", versions[1])
	}
	if versions[2] != 1 {
		t.Errorf("New product should start at version 1, got %d", versions[2])
	}
}

func TestReindexRejectsConcurrentRuns(t *testing.T) {
	idx := newTestIndex(t, nil)
	states := newFakeStateStore()
	jobs := &fakeJobStore{}
	fetcher := &fakeFetcher{images: map[string][]byte{"a.png": testImage(t)}}
	lister := &fakeProductLister{products: []domain.Product{{ID: 1, Image: "a.png"}}}
	svc := newReindexTestService(t, idx, lister, fetcher, states, jobs)

	svc.running.Store(true)
	if _, err := svc.Reindex(context.Background()); !errors.Is(err, ErrReindexRunning) {
		t.Fatalf("Expected ErrReindexRunning, got %v", err)
	}
	svc.running.Store(false)

	if _, err := svc.Reindex(context.Background()); err != nil {
		t.Fatalf("Reindex after release failed: %v", err)
	}
	if svc.Running() {
		t.Error("Running flag should clear after completion")
	}
}

func TestReindexRecordsFailedJob(t *testing.T) {
	idx := newTestIndex(t, nil)
	states := newFakeStateStore()
	jobs := &fakeJobStore{}
	fetcher := &fakeFetcher{}
	lister := &fakeProductLister{err: errors.New("catalog down")}
	svc := newReindexTestService(t, idx, lister, fetcher, states, jobs)

	if _, err := svc.Reindex(context.Background()); err == nil {
		t.Fatal("Reindex should fail when the catalog is unreachable")
	}

	job, err := jobs.Latest(context.Background())
	if err != nil || job == nil {
		t.Fatalf("Expected a job record, got %v (err %v)", job, err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Errorf("Expected failed job, got %s", job.Status)
	}
	if job.ErrorLog == "" {
		t.Error("Failed job should record the error")
	}
}
