package index

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
)

func unit(dims int, axis int) []float32 {
	v := make([]float32, dims)
	v[axis] = 1
	return v
}

func mustFlat(t *testing.T, dims int) *Flat {
	t.Helper()
	f, err := NewFlat(dims)
	if err != nil {
		t.Fatalf("NewFlat failed: %v", err)
	}
	return f
}

func TestFlatQuerySelfMatch(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	vec, err := Normalize([]float32{0.5, 0.5, 0.5, 0.5})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if _, err := f.Upsert(ctx, 1, vec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	matches, err := f.Query(ctx, vec, 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ProductID != 1 {
		t.Fatalf("Expected self match, got %+v", matches)
	}
	if math.Abs(float64(matches[0].Similarity)-1.0) > 1e-5 {
		t.Errorf("Self similarity should be ~1.0, got %f", matches[0].Similarity)
	}
}

func TestFlatQueryEmptyIndex(t *testing.T) {
	f := mustFlat(t, 4)

	_, err := f.Query(context.Background(), unit(4, 0), 5)
	if !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("Expected ErrEmptyIndex, got %v", err)
	}
}

func TestFlatRemovedNeverReturned(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	for id := int64(1); id <= 3; id++ {
		if _, err := f.Upsert(ctx, id, unit(4, int(id-1))); err != nil {
			t.Fatalf("Upsert %d failed: %v", id, err)
		}
	}
	if err := f.Remove(ctx, 2); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	matches, err := f.Query(ctx, unit(4, 1), 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for _, m := range matches {
		if m.ProductID == 2 {
			t.Fatalf("Removed product returned: %+v", matches)
		}
	}
	if f.Size() != 2 {
		t.Errorf("Size after remove: got %d, want 2", f.Size())
	}

	// Removing an absent product is a no-op.
	if err := f.Remove(ctx, 99); err != nil {
		t.Errorf("Removing absent product should succeed, got %v", err)
	}
}

func TestFlatUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	vec := unit(4, 0)
	v1, err := f.Upsert(ctx, 1, vec)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	v2, err := f.Upsert(ctx, 1, vec)
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	if v1 != v2 {
		t.Errorf("Upserting the same vector should keep the version: %d != %d", v1, v2)
	}

	v3, err := f.Upsert(ctx, 1, unit(4, 1))
	if err != nil {
		t.Fatalf("Third upsert failed: %v", err)
	}
	if v3 != v1+1 {
		t.Errorf("Upserting a new vector should bump the version: got %d, want %d", v3, v1+1)
	}
}

func TestFlatApplyVersionOrdering(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	if err := f.Apply(ctx, Entry{ProductID: 1, Vector: unit(4, 0), Version: 5}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Older and equal versions must be rejected.
	for _, version := range []int64{4, 5} {
		err := f.Apply(ctx, Entry{ProductID: 1, Vector: unit(4, 1), Version: version})
		if !errors.Is(err, ErrStaleVersion) {
			t.Errorf("Apply with version %d: expected ErrStaleVersion, got %v", version, err)
		}
	}

	if err := f.Apply(ctx, Entry{ProductID: 1, Vector: unit(4, 2), Version: 6}); err != nil {
		t.Fatalf("Apply with newer version failed: %v", err)
	}
	matches, err := f.Query(ctx, unit(4, 2), 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if matches[0].Version != 6 {
		t.Errorf("Expected version 6 after apply, got %d", matches[0].Version)
	}
}

func TestFlatQueryTieBreakByProductID(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	// Products 1 and 3 share vector A, product 2 has an orthogonal B.
	a := unit(4, 0)
	b := unit(4, 1)
	entries := []Entry{
		{ProductID: 3, Vector: a, Version: 1},
		{ProductID: 1, Vector: a, Version: 1},
		{ProductID: 2, Vector: b, Version: 1},
	}
	if err := f.Rebuild(ctx, entries); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	matches, err := f.Query(ctx, a, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].ProductID != 1 || matches[1].ProductID != 3 {
		t.Errorf("Ties should break by ascending product ID: got [%d, %d]",
			matches[0].ProductID, matches[1].ProductID)
	}

	// Repeated queries stay deterministic.
	for i := 0; i < 10; i++ {
		again, err := f.Query(ctx, a, 2)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if again[0].ProductID != matches[0].ProductID || again[1].ProductID != matches[1].ProductID {
			t.Fatalf("Query order changed between runs: %+v vs %+v", matches, again)
		}
	}
}

func TestFlatRebuildValidation(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	err := f.Rebuild(ctx, []Entry{
		{ProductID: 1, Vector: unit(4, 0), Version: 1},
		{ProductID: 1, Vector: unit(4, 1), Version: 2},
	})
	if err == nil {
		t.Error("Rebuild with duplicate product IDs should fail")
	}

	err = f.Rebuild(ctx, []Entry{{ProductID: 1, Vector: unit(3, 0), Version: 1}})
	if err == nil {
		t.Error("Rebuild with wrong dimensions should fail")
	}
}

func TestFlatRebuildAtomicity(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	// Two disjoint content sets; readers must always see exactly one of
	// them, never a mixture.
	setA := []Entry{
		{ProductID: 1, Vector: unit(4, 0), Version: 1},
		{ProductID: 2, Vector: unit(4, 0), Version: 1},
	}
	setB := []Entry{
		{ProductID: 11, Vector: unit(4, 0), Version: 1},
		{ProductID: 12, Vector: unit(4, 0), Version: 1},
	}
	if err := f.Rebuild(ctx, setA); err != nil {
		t.Fatalf("Initial rebuild failed: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		sets := [][]Entry{setA, setB}
		for i := 0; i < 200; i++ {
			if err := f.Rebuild(ctx, sets[i%2]); err != nil {
				t.Errorf("Rebuild failed: %v", err)
				return
			}
		}
	}()

	query := unit(4, 0)
	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		matches, err := f.Query(ctx, query, 10)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		var sawA, sawB bool
		for _, m := range matches {
			if m.ProductID <= 2 {
				sawA = true
			} else {
				sawB = true
			}
		}
		if sawA && sawB {
			t.Fatalf("Query observed a mixed snapshot: %+v", matches)
		}
	}
}

func TestFlatSaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	entries := []Entry{
		{ProductID: 1, Vector: unit(4, 0), Version: 3},
		{ProductID: 7, Vector: unit(4, 1), Version: 1},
		{ProductID: 42, Vector: unit(4, 2), Version: 9},
	}
	if err := f.Rebuild(ctx, entries); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "index.bin")
	if err := f.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := mustFlat(t, 4)
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Size() != len(entries) {
		t.Fatalf("Loaded size: got %d, want %d", loaded.Size(), len(entries))
	}

	matches, err := loaded.Query(ctx, unit(4, 2), 1)
	if err != nil {
		t.Fatalf("Query after load failed: %v", err)
	}
	if matches[0].ProductID != 42 || matches[0].Version != 9 {
		t.Errorf("Loaded entry mismatch: %+v", matches[0])
	}

	mismatched := mustFlat(t, 8)
	if err := mismatched.Load(path); err == nil {
		t.Error("Loading a snapshot with different dimensions should fail")
	}

	untouched := mustFlat(t, 4)
	if err := untouched.Load(filepath.Join(t.TempDir(), "missing.bin")); err != nil {
		t.Errorf("Loading a missing snapshot should be a no-op, got %v", err)
	}
}

func TestFlatSearchScenario(t *testing.T) {
	ctx := context.Background()
	f := mustFlat(t, 4)

	a := unit(4, 0)
	b := unit(4, 1)
	entries := []Entry{
		{ProductID: 1, Vector: a, Version: 1},
		{ProductID: 2, Vector: b, Version: 1},
		{ProductID: 3, Vector: a, Version: 1},
	}
	if err := f.Rebuild(ctx, entries); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	matches, err := f.Query(ctx, a, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	if matches[0].ProductID != 1 || matches[1].ProductID != 3 {
		t.Errorf("Expected products [1, 3], got [%d, %d]", matches[0].ProductID, matches[1].ProductID)
	}
	for _, m := range matches {
		if math.Abs(float64(m.Similarity)-1.0) > 1e-5 {
			t.Errorf("Product %d similarity should be ~1.0, got %f", m.ProductID, m.Similarity)
		}
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	if _, err := Normalize(make([]float32, 4)); err == nil {
		t.Error("Normalizing a zero vector should fail")
	}
}

func TestRecall(t *testing.T) {
	want := []Match{{ProductID: 1}, {ProductID: 2}, {ProductID: 3}}
	got := []Match{{ProductID: 1}, {ProductID: 3}, {ProductID: 5}}

	if r := Recall(want, got, 3); math.Abs(r-2.0/3.0) > 1e-9 {
		t.Errorf("Recall@3: got %f, want %f", r, 2.0/3.0)
	}
	if r := Recall(want, want, 3); r != 1.0 {
		t.Errorf("Recall against itself should be 1.0, got %f", r)
	}
}
