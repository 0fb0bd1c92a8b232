package embedding

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
	"time"
)

// stubEmbedder returns a fixed vector after an optional delay.
type stubEmbedder struct {
	vector []float32
	dims   int
	delay  time.Duration
	err    error
}

func (s *stubEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float32, len(s.vector))
	copy(out, s.vector)
	return out, nil
}

func (s *stubEmbedder) Dimensions() int {
	return s.dims
}

// testPNG encodes a small solid-color PNG.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestExtractRejectsUndecodableInput(t *testing.T) {
	extractor := NewExtractor(&stubEmbedder{vector: []float32{1, 0}, dims: 2}, time.Second)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte("definitely not an image")},
		{name: "truncated png", data: testPNG(t)[:10]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := extractor.Extract(context.Background(), tc.data)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("Expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestExtractNormalizesOutput(t *testing.T) {
	extractor := NewExtractor(&stubEmbedder{vector: []float32{3, 4}, dims: 2}, time.Second)

	vec, err := extractor.Extract(context.Background(), testPNG(t))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("Expected 2 dimensions, got %d", len(vec))
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1.0) > 1e-6 {
		t.Errorf("Output vector not unit length: sum of squares %f", norm)
	}
	// Direction preserved: 3-4-5 triangle.
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("Unexpected normalized vector: %v", vec)
	}
}

func TestExtractTimeout(t *testing.T) {
	extractor := NewExtractor(&stubEmbedder{vector: []float32{1, 0}, dims: 2, delay: 200 * time.Millisecond}, 10*time.Millisecond)

	_, err := extractor.Extract(context.Background(), testPNG(t))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestExtractDimensionMismatch(t *testing.T) {
	// Backend claims 4 dimensions but returns 2.
	extractor := NewExtractor(&stubEmbedder{vector: []float32{1, 0}, dims: 4}, time.Second)

	_, err := extractor.Extract(context.Background(), testPNG(t))
	if !errors.Is(err, ErrModel) {
		t.Fatalf("Expected ErrModel, got %v", err)
	}
}

func TestExtractWrapsBackendError(t *testing.T) {
	extractor := NewExtractor(&stubEmbedder{dims: 2, err: errors.New("upstream 500")}, time.Second)

	_, err := extractor.Extract(context.Background(), testPNG(t))
	if !errors.Is(err, ErrModel) {
		t.Fatalf("Expected ErrModel, got %v", err)
	}
}
