// Package fetch resolves product image references to raw bytes. References
// may be http(s) URLs, s3://bucket/key object keys, or local paths (dev
// fixtures).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/visualai/lenslike/internal/storage"
)

// MaxImageBytes is the upper bound on fetched image size, matching the
// upload limit at the search boundary.
const MaxImageBytes = 10 << 20

// Fetcher downloads image bytes for a reference string.
type Fetcher struct {
	http  *resty.Client
	store storage.ObjectStorage
}

// New creates a fetcher. store may be nil when no object storage is
// configured; s3:// references then fail.
func New(store storage.ObjectStorage, timeout time.Duration) *Fetcher {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Fetcher{http: client, store: store}
}

// Fetch resolves ref to image bytes, enforcing the size bound.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return f.fetchObject(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.fetchHTTP(ctx, ref)
	default:
		return f.fetchLocal(ref)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("image fetch %s returned status %d", url, resp.StatusCode())
	}
	data := resp.Body()
	if err := checkSize(int64(len(data)), url); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *Fetcher) fetchObject(ctx context.Context, ref string) ([]byte, error) {
	if f.store == nil {
		return nil, fmt.Errorf("object storage not configured for reference %s", ref)
	}
	trimmed := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || key == "" {
		return nil, fmt.Errorf("malformed object reference %s", ref)
	}
	if bucket != f.store.Bucket() {
		return nil, fmt.Errorf("reference %s targets bucket %q, store is bound to %q", ref, bucket, f.store.Bucket())
	}

	body, err := f.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", ref, err)
	}
	if err := checkSize(int64(len(data)), ref); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *Fetcher) fetchLocal(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}
	if err := checkSize(info.Size(), path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return data, nil
}

func checkSize(n int64, ref string) error {
	if n > MaxImageBytes {
		return fmt.Errorf("image %s exceeds %d byte limit", ref, int64(MaxImageBytes))
	}
	return nil
}
