package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/visualai/lenslike/internal/domain"
	"github.com/visualai/lenslike/internal/embedding"
	"github.com/visualai/lenslike/internal/index"
	"github.com/visualai/lenslike/internal/logger"
)

type fixedEmbedder struct {
	vector []float32
}

func (f *fixedEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	out := make([]float32, len(f.vector))
	copy(out, f.vector)
	return out, nil
}

func (f *fixedEmbedder) Dimensions() int {
	return len(f.vector)
}

type fakeCatalog struct {
	products map[int64]*domain.Product
	errIDs   map[int64]bool
}

func (f *fakeCatalog) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	if f.errIDs[id] {
		return nil, errors.New("catalog unavailable")
	}
	return f.products[id], nil
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func axis(dims, i int) []float32 {
	v := make([]float32, dims)
	v[i] = 1
	return v
}

func newTestIndex(t *testing.T, entries []index.Entry) *index.Flat {
	t.Helper()
	idx, err := index.NewFlat(4)
	if err != nil {
		t.Fatalf("NewFlat failed: %v", err)
	}
	if len(entries) > 0 {
		if err := idx.Rebuild(context.Background(), entries); err != nil {
			t.Fatalf("Rebuild failed: %v", err)
		}
	}
	return idx
}

func newSearchService(idx index.Index, embedVec []float32, catalog ProductGetter, cfg *SearchConfig) *SearchService {
	extractor := embedding.NewExtractor(&fixedEmbedder{vector: embedVec}, time.Second)
	return NewSearchService(extractor, idx, catalog, logger.GetDefault(), cfg)
}

func TestSearchEmptyIndexReturnsNoResults(t *testing.T) {
	idx := newTestIndex(t, nil)
	svc := newSearchService(idx, axis(4, 0), &fakeCatalog{}, nil)

	resp, err := svc.Search(context.Background(), testImage(t), 5)
	if err != nil {
		t.Fatalf("Search on empty index should not fail: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("Expected no results, got %d", len(resp.Results))
	}
}

func TestSearchJoinsCatalogAndRanks(t *testing.T) {
	entries := []index.Entry{
		{ProductID: 1, Vector: axis(4, 0), Version: 1},
		{ProductID: 2, Vector: axis(4, 1), Version: 1},
		{ProductID: 3, Vector: axis(4, 0), Version: 1},
	}
	catalog := &fakeCatalog{products: map[int64]*domain.Product{
		1: {ID: 1, Name: "Red Sneaker"},
		2: {ID: 2, Name: "Blue Boot"},
		3: {ID: 3, Name: "Crimson Sneaker"},
	}}
	svc := newSearchService(newTestIndex(t, entries), axis(4, 0), catalog, nil)

	resp, err := svc.Search(context.Background(), testImage(t), 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(resp.Results))
	}

	// Perfect matches first, tie broken by product ID; orthogonal product last.
	wantOrder := []int64{1, 3, 2}
	for i, want := range wantOrder {
		if resp.Results[i].Product.ID != want {
			t.Errorf("Result %d: expected product %d, got %d", i, want, resp.Results[i].Product.ID)
		}
	}
	if resp.Results[0].Similarity != 100.0 {
		t.Errorf("Perfect match should score 100.0, got %f", resp.Results[0].Similarity)
	}
	if resp.Results[2].Similarity != 0.0 {
		t.Errorf("Orthogonal match should score 0.0, got %f", resp.Results[2].Similarity)
	}
}

func TestSearchDropsUnresolvableProducts(t *testing.T) {
	entries := []index.Entry{
		{ProductID: 1, Vector: axis(4, 0), Version: 1},
		{ProductID: 2, Vector: axis(4, 0), Version: 1},
		{ProductID: 3, Vector: axis(4, 0), Version: 1},
	}
	// Product 2 deleted from the catalog, product 3 fails to resolve.
	catalog := &fakeCatalog{
		products: map[int64]*domain.Product{1: {ID: 1, Name: "Survivor"}},
		errIDs:   map[int64]bool{3: true},
	}
	svc := newSearchService(newTestIndex(t, entries), axis(4, 0), catalog, nil)

	resp, err := svc.Search(context.Background(), testImage(t), 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Product.ID != 1 {
		t.Errorf("Expected only product 1, got %+v", resp.Results)
	}
}

func TestSearchAppliesScoreThreshold(t *testing.T) {
	entries := []index.Entry{
		{ProductID: 1, Vector: axis(4, 0), Version: 1},
		{ProductID: 2, Vector: axis(4, 1), Version: 1},
	}
	catalog := &fakeCatalog{products: map[int64]*domain.Product{
		1: {ID: 1}, 2: {ID: 2},
	}}
	svc := newSearchService(newTestIndex(t, entries), axis(4, 0), catalog, &SearchConfig{ScoreThreshold: 0.5})

	resp, err := svc.Search(context.Background(), testImage(t), 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Product.ID != 1 {
		t.Errorf("Threshold should keep only product 1, got %+v", resp.Results)
	}
}

func TestSearchClampsK(t *testing.T) {
	entries := []index.Entry{
		{ProductID: 1, Vector: axis(4, 0), Version: 1},
		{ProductID: 2, Vector: axis(4, 0), Version: 1},
		{ProductID: 3, Vector: axis(4, 0), Version: 1},
	}
	catalog := &fakeCatalog{products: map[int64]*domain.Product{
		1: {ID: 1}, 2: {ID: 2}, 3: {ID: 3},
	}}
	svc := newSearchService(newTestIndex(t, entries), axis(4, 0), catalog, &SearchConfig{MaxTopK: 2})

	for _, k := range []int{0, -1, 100} {
		resp, err := svc.Search(context.Background(), testImage(t), k)
		if err != nil {
			t.Fatalf("Search with k=%d failed: %v", k, err)
		}
		if len(resp.Results) != 2 {
			t.Errorf("k=%d should clamp to 2 results, got %d", k, len(resp.Results))
		}
	}
}

func TestSearchPropagatesDecodeError(t *testing.T) {
	idx := newTestIndex(t, []index.Entry{{ProductID: 1, Vector: axis(4, 0), Version: 1}})
	svc := newSearchService(idx, axis(4, 0), &fakeCatalog{}, nil)

	_, err := svc.Search(context.Background(), []byte("not an image"), 5)
	if !errors.Is(err, embedding.ErrDecode) {
		t.Fatalf("Expected ErrDecode, got %v", err)
	}
}
