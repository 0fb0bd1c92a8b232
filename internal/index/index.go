// Package index provides k-nearest-neighbor retrieval over product image
// embeddings. Two backends implement the same contract: an exact in-process
// linear scan (the correctness baseline) and an approximate Qdrant-backed
// index for larger catalogs.
package index

import (
	"context"
	"errors"
)

// ErrEmptyIndex is returned by Query when the index holds no entries.
// Callers treat it as "no results yet", not as a hard failure.
var ErrEmptyIndex = errors.New("index is empty")

// ErrStaleVersion is returned by Apply when the incoming entry's version is
// not newer than the stored one. Catalog sync discards these silently,
// implementing last-write-wins by version.
var ErrStaleVersion = errors.New("stale entry version")

// Entry associates a product with its embedding vector. Version increments
// whenever the vector is replaced and orders concurrent updates.
type Entry struct {
	ProductID int64
	Vector    []float32
	Version   int64
}

// Match is a single query hit. Similarity is the dot product of the query
// and entry vectors; for L2-normalized vectors it equals cosine similarity.
type Match struct {
	ProductID  int64
	Similarity float32
	Version    int64
}

// Index defines vector storage and similarity retrieval over the catalog.
// All vectors must share the dimension the index was created with and are
// expected to be unit length.
type Index interface {
	// Upsert inserts or replaces the entry for productID and returns the new
	// version. Re-upserting an identical vector keeps the stored version.
	Upsert(ctx context.Context, productID int64, vector []float32) (int64, error)

	// Apply performs a versioned upsert: the entry is stored only if its
	// version is strictly greater than the current one, otherwise
	// ErrStaleVersion is returned and the index is unchanged.
	Apply(ctx context.Context, e Entry) error

	// Remove deletes the entry if present. Removing an absent product is a
	// no-op, not an error.
	Remove(ctx context.Context, productID int64) error

	// Query returns up to k entries ranked by descending similarity, ties
	// broken by ascending product ID. Returns ErrEmptyIndex on size zero.
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Rebuild atomically replaces the entire index content with entries. A
	// query concurrent with a rebuild observes either the old or the new
	// content, never a mix.
	Rebuild(ctx context.Context, entries []Entry) error

	// Size returns the current entry count.
	Size() int
}

// Snapshotter is implemented by backends that can persist their content as a
// blob on local disk, used to skip the cold rebuild on restart.
type Snapshotter interface {
	Save(path string) error
	Load(path string) error
}
