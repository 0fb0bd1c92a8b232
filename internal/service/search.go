package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/visualai/lenslike/internal/domain"
	"github.com/visualai/lenslike/internal/embedding"
	"github.com/visualai/lenslike/internal/index"
	"github.com/visualai/lenslike/internal/logger"
)

const defaultMaxTopK = 10

// ProductGetter is the slice of the catalog client the search path needs.
type ProductGetter interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
}

// SearchConfig holds configuration for the search service.
type SearchConfig struct {
	// ScoreThreshold drops matches whose raw similarity falls below it.
	// Zero disables the cutoff.
	ScoreThreshold float32
	// MaxTopK caps the number of results per query.
	MaxTopK int
}

// SearchService answers visual similarity queries: extract a feature vector
// from the uploaded image, retrieve nearest catalog products from the index,
// and join the hits with live catalog metadata.
type SearchService struct {
	extractor      *embedding.Extractor
	idx            index.Index
	catalog        ProductGetter
	logger         *logger.Logger
	scoreThreshold float32
	maxTopK        int
}

// NewSearchService creates a new search service.
func NewSearchService(
	extractor *embedding.Extractor,
	idx index.Index,
	catalog ProductGetter,
	log *logger.Logger,
	cfg *SearchConfig,
) *SearchService {
	var threshold float32
	maxTopK := defaultMaxTopK
	if cfg != nil {
		threshold = cfg.ScoreThreshold
		if cfg.MaxTopK > 0 {
			maxTopK = cfg.MaxTopK
		}
	}
	return &SearchService{
		extractor:      extractor,
		idx:            idx,
		catalog:        catalog,
		logger:         log,
		scoreThreshold: threshold,
		maxTopK:        maxTopK,
	}
}

// SearchResult pairs a catalog product with its similarity to the query,
// expressed as a percentage for display.
type SearchResult struct {
	Product    domain.Product `json:"product"`
	Similarity float64        `json:"similarity"`
}

// SearchResponse is the visual search response body.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search runs a visual similarity query over the catalog.
//
// Extraction errors (embedding.ErrDecode, ErrModel, ErrTimeout) propagate to
// the caller. An empty index is a valid displayable state and yields an
// empty result list. Matches whose product no longer resolves in the catalog
// are dropped: a search racing a deletion returns fewer results, not an
// error.
func (s *SearchService) Search(ctx context.Context, imageBytes []byte, k int) (*SearchResponse, error) {
	if k <= 0 || k > s.maxTopK {
		k = s.maxTopK
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: "search",
	})

	vector, err := s.extractor.Extract(ctx, imageBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to extract feature vector: %w", err)
	}

	matches, err := s.idx.Query(ctx, vector, k)
	if err != nil {
		if errors.Is(err, index.ErrEmptyIndex) {
			logger.CtxInfo(ctx, "Visual search on empty index, returning no results")
			return &SearchResponse{Results: []SearchResult{}}, nil
		}
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		if s.scoreThreshold > 0 && m.Similarity < s.scoreThreshold {
			continue
		}
		product, err := s.catalog.GetProduct(ctx, m.ProductID)
		if err != nil {
			logger.CtxWarn(ctx, "Dropping match, catalog lookup failed: product_id=%d, error=%v", m.ProductID, err)
			continue
		}
		if product == nil {
			// Deleted between index query and join.
			continue
		}
		results = append(results, SearchResult{
			Product:    *product,
			Similarity: toPercent(m.Similarity),
		})
	}

	logger.CtxInfo(ctx, "Visual search completed: matches=%d, results=%d", len(matches), len(results))
	return &SearchResponse{Results: results}, nil
}

// toPercent converts a raw similarity to a display percentage rounded to two
// decimals. Dot products of normalized non-negative feature activations land
// in [0,1]; clamp guards against float drift.
func toPercent(similarity float32) float64 {
	sim := float64(similarity)
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return math.Round(sim*100*100) / 100
}
