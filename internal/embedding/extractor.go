package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/visualai/lenslike/internal/index"
)

const defaultTimeout = 10 * time.Second

// Extractor wraps an Embedder with input validation, a per-call deadline,
// and output normalization. It is stateless and safe for concurrent use.
type Extractor struct {
	embedder Embedder
	timeout  time.Duration
}

// NewExtractor creates an extractor around embedder. A non-positive timeout
// falls back to the 10s default.
func NewExtractor(embedder Embedder, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Extractor{embedder: embedder, timeout: timeout}
}

// Dimensions returns the vector dimension of the underlying embedder.
func (e *Extractor) Dimensions() int {
	return e.embedder.Dimensions()
}

// Extract validates that data decodes as an image (JPEG/PNG/GIF/WebP),
// dispatches embedding with a deadline, and returns the L2-normalized
// feature vector. Errors are classified as ErrDecode, ErrTimeout, or
// ErrModel.
func (e *Extractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := e.embedder.EmbedImage(ctx, data)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
		case errors.Is(err, ErrDecode), errors.Is(err, ErrModel), errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrModel, err)
		}
	}

	if len(vec) != e.embedder.Dimensions() {
		return nil, fmt.Errorf("%w: got %d dimensions, expected %d", ErrModel, len(vec), e.embedder.Dimensions())
	}

	normalized, err := index.Normalize(vec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModel, err)
	}
	return normalized, nil
}
