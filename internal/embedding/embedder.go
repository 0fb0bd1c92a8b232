// Package embedding turns raw image bytes into unit-length feature vectors
// via a black-box embedding backend.
package embedding

import (
	"context"
	"errors"
)

// ErrDecode indicates the input bytes are not a decodable image. This is a
// caller error and is never retried.
var ErrDecode = errors.New("could not decode image")

// ErrModel indicates the embedding backend failed. Treated as transient;
// callers may retry a bounded number of times.
var ErrModel = errors.New("embedding backend failure")

// ErrTimeout indicates extraction exceeded its deadline. Retryable.
var ErrTimeout = errors.New("embedding timed out")

// Embedder computes a feature vector for an image. Implementations must
// return vectors of exactly Dimensions() length; normalization is handled
// by the Extractor.
type Embedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
	Dimensions() int
}
