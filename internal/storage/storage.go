// Package storage reads product images from S3-compatible object storage.
// Catalogs that keep product imagery in a bucket reference it as
// s3://bucket/key; this client resolves those references.
package storage

import (
	"context"
	"io"
)

// ObjectStorage reads objects from a bucket-scoped store.
type ObjectStorage interface {
	// Download opens the object at key for reading.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether the object at key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Bucket returns the bucket this store is bound to.
	Bucket() string
}
