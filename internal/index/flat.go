package index

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// Flat is an exact linear-scan index over normalized vectors. Readers always
// go through an immutable snapshot published with a single atomic pointer
// store, so queries never observe writer work in progress; writers serialize
// on a mutex and build the next snapshot off to the side.
//
// O(n*D) per query, which is fine for catalogs in the tens of thousands.
type Flat struct {
	dims int
	mu   sync.Mutex
	snap atomic.Pointer[flatSnapshot]
}

// flatSnapshot holds parallel slices sorted by product ID. It is immutable
// after publication.
type flatSnapshot struct {
	ids      []int64
	versions []int64
	vectors  [][]float32
}

// NewFlat creates an empty flat index for vectors of the given dimension.
func NewFlat(dims int) (*Flat, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dims)
	}
	f := &Flat{dims: dims}
	f.snap.Store(&flatSnapshot{})
	return f, nil
}

func (s *flatSnapshot) find(productID int64) (int, bool) {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= productID })
	return i, i < len(s.ids) && s.ids[i] == productID
}

func vectorsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f *Flat) checkDims(vector []float32) error {
	if len(vector) != f.dims {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vector), f.dims)
	}
	return nil
}

// Upsert inserts or replaces the entry for productID, bumping its version.
// Upserting the vector already stored leaves the snapshot untouched.
func (f *Flat) Upsert(ctx context.Context, productID int64, vector []float32) (int64, error) {
	if err := f.checkDims(vector); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.snap.Load()
	pos, found := cur.find(productID)
	if found && vectorsEqual(cur.vectors[pos], vector) {
		return cur.versions[pos], nil
	}

	version := int64(1)
	if found {
		version = cur.versions[pos] + 1
	}
	f.snap.Store(cur.withEntry(productID, vector, version, pos, found))
	return version, nil
}

// Apply stores e only if its version is newer than the current one.
func (f *Flat) Apply(ctx context.Context, e Entry) error {
	if err := f.checkDims(e.Vector); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.snap.Load()
	pos, found := cur.find(e.ProductID)
	if found && e.Version <= cur.versions[pos] {
		return fmt.Errorf("%w: product %d has version %d, incoming %d",
			ErrStaleVersion, e.ProductID, cur.versions[pos], e.Version)
	}
	f.snap.Store(cur.withEntry(e.ProductID, e.Vector, e.Version, pos, found))
	return nil
}

// withEntry returns a copy of the snapshot with the entry at pos replaced
// (found) or inserted at pos (not found). The vector is copied so callers
// may reuse their slice.
func (s *flatSnapshot) withEntry(productID int64, vector []float32, version int64, pos int, found bool) *flatSnapshot {
	vec := make([]float32, len(vector))
	copy(vec, vector)

	n := len(s.ids)
	if !found {
		n++
	}
	next := &flatSnapshot{
		ids:      make([]int64, n),
		versions: make([]int64, n),
		vectors:  make([][]float32, n),
	}
	copy(next.ids, s.ids[:pos])
	copy(next.versions, s.versions[:pos])
	copy(next.vectors, s.vectors[:pos])

	next.ids[pos] = productID
	next.versions[pos] = version
	next.vectors[pos] = vec

	tail := pos
	if found {
		tail = pos + 1
	}
	copy(next.ids[pos+1:], s.ids[tail:])
	copy(next.versions[pos+1:], s.versions[tail:])
	copy(next.vectors[pos+1:], s.vectors[tail:])
	return next
}

// Remove deletes the entry for productID if present.
func (f *Flat) Remove(ctx context.Context, productID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.snap.Load()
	pos, found := cur.find(productID)
	if !found {
		return nil
	}

	n := len(cur.ids) - 1
	next := &flatSnapshot{
		ids:      make([]int64, n),
		versions: make([]int64, n),
		vectors:  make([][]float32, n),
	}
	copy(next.ids, cur.ids[:pos])
	copy(next.versions, cur.versions[:pos])
	copy(next.vectors, cur.vectors[:pos])
	copy(next.ids[pos:], cur.ids[pos+1:])
	copy(next.versions[pos:], cur.versions[pos+1:])
	copy(next.vectors[pos:], cur.vectors[pos+1:])
	f.snap.Store(next)
	return nil
}

// Query scans the current snapshot and returns the top k matches by
// similarity, ties broken by ascending product ID.
func (f *Flat) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if err := f.checkDims(vector); err != nil {
		return nil, err
	}

	snap := f.snap.Load()
	if len(snap.ids) == 0 {
		return nil, ErrEmptyIndex
	}
	if k <= 0 {
		return []Match{}, nil
	}

	matches := make([]Match, len(snap.ids))
	for i, vec := range snap.vectors {
		matches[i] = Match{
			ProductID:  snap.ids[i],
			Similarity: Dot(vector, vec),
			Version:    snap.versions[i],
		}
	}
	// Snapshot order is ascending by ID; a stable sort on descending
	// similarity therefore leaves ties in ascending ID order.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Rebuild atomically replaces the index content with entries. The new
// snapshot is fully built before publication.
func (f *Flat) Rebuild(ctx context.Context, entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	next := &flatSnapshot{
		ids:      make([]int64, 0, len(sorted)),
		versions: make([]int64, 0, len(sorted)),
		vectors:  make([][]float32, 0, len(sorted)),
	}
	for _, e := range sorted {
		if err := f.checkDims(e.Vector); err != nil {
			return fmt.Errorf("product %d: %w", e.ProductID, err)
		}
		if n := len(next.ids); n > 0 && next.ids[n-1] == e.ProductID {
			return fmt.Errorf("duplicate product %d in rebuild entries", e.ProductID)
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		next.ids = append(next.ids, e.ProductID)
		next.versions = append(next.versions, e.Version)
		next.vectors = append(next.vectors, vec)
	}

	f.mu.Lock()
	f.snap.Store(next)
	f.mu.Unlock()
	return nil
}

// Size returns the current entry count.
func (f *Flat) Size() int {
	return len(f.snap.Load().ids)
}

// Entries returns a copy of the current content, used by offline recall
// comparisons against approximate backends.
func (f *Flat) Entries() []Entry {
	snap := f.snap.Load()
	entries := make([]Entry, len(snap.ids))
	for i := range snap.ids {
		vec := make([]float32, len(snap.vectors[i]))
		copy(vec, snap.vectors[i])
		entries[i] = Entry{ProductID: snap.ids[i], Vector: vec, Version: snap.versions[i]}
	}
	return entries
}

// Save persists the index to path as a binary blob: dims (4), count (4),
// then per entry: id (8), version (8), vector (dims*4). Little endian.
func (f *Flat) Save(path string) error {
	if path == "" {
		return nil
	}
	snap := f.snap.Load()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, uint32(f.dims)); err != nil {
		return fmt.Errorf("write dims: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(snap.ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i := range snap.ids {
		if err := binary.Write(w, binary.LittleEndian, snap.ids[i]); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, snap.versions[i]); err != nil {
			return fmt.Errorf("write version: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, snap.vectors[i]); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return w.Flush()
}

// Load replaces the index content with the blob at path. A missing file is
// not an error; the index is left unchanged.
func (f *Flat) Load(path string) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var dims, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return fmt.Errorf("read dims: %w", err)
	}
	if int(dims) != f.dims {
		return fmt.Errorf("snapshot dimension mismatch: file has %d, index expects %d", dims, f.dims)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read count: %w", err)
	}

	next := &flatSnapshot{
		ids:      make([]int64, count),
		versions: make([]int64, count),
		vectors:  make([][]float32, count),
	}
	for i := uint32(0); i < count; i++ {
		if err := binary.Read(r, binary.LittleEndian, &next.ids[i]); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &next.versions[i]); err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		vec := make([]float32, f.dims)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		next.vectors[i] = vec
	}
	if !sort.SliceIsSorted(next.ids, func(i, j int) bool { return next.ids[i] < next.ids[j] }) {
		return fmt.Errorf("snapshot entries not sorted by product ID")
	}

	f.mu.Lock()
	f.snap.Store(next)
	f.mu.Unlock()
	return nil
}

// Dot returns the inner product of two vectors. For unit-length vectors it
// equals cosine similarity.
func Dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// Recall computes recall@k of got against want, where want is the exact
// baseline result set. Used by offline backend comparisons.
func Recall(want, got []Match, k int) float64 {
	if k <= 0 {
		return 0
	}
	if k > len(want) {
		k = len(want)
	}
	if k == 0 {
		return 1
	}
	expected := make(map[int64]struct{}, k)
	for _, m := range want[:k] {
		expected[m.ProductID] = struct{}{}
	}
	hits := 0
	for i, m := range got {
		if i >= k {
			break
		}
		if _, ok := expected[m.ProductID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

// Normalize scales v to unit length in place and returns it. A zero vector
// cannot be normalized and yields an error.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, fmt.Errorf("cannot normalize zero vector")
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}
