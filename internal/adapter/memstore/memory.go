package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"ragpipe/internal/domain"
)

// snapshot is an immutable view of the index. Writers never modify
// entries[:len(entries)] of a published snapshot.
type snapshot struct {
	entries []domain.IndexEntry
	dim     int
}

// Index is an in-process vector index. Writers are serialized by mu and
// publish a new snapshot; Search loads the current snapshot once and never
// blocks on writers.
type Index struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	// beforeScan runs after Search has loaded its snapshot. Tests use it to
	// interleave writers with an in-flight search.
	beforeScan func()
}

func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(&snapshot{})
	return idx
}

// InsertMany appends entries. The first vector ever inserted fixes the
// dimension of the index.
func (idx *Index) InsertMany(ctx context.Context, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	dim, err := checkDimensions(cur.dim, entries)
	if err != nil {
		return err
	}

	// append may reuse the backing array past len(cur.entries); readers of
	// cur never look there.
	next := cur.entries
	for _, e := range entries {
		next = append(next, cloneEntry(e))
	}
	idx.snap.Store(&snapshot{entries: next, dim: dim})
	return nil
}

// RebuildFrom replaces the index contents in a single pointer swap.
func (idx *Index) RebuildFrom(ctx context.Context, entries []domain.IndexEntry) error {
	dim, err := checkDimensions(0, entries)
	if err != nil {
		return err
	}

	next := make([]domain.IndexEntry, len(entries))
	for i, e := range entries {
		next[i] = cloneEntry(e)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.snap.Store(&snapshot{entries: next, dim: dim})
	return nil
}

// Search scores every entry passing filter against vector and returns the k
// best, ties kept in insertion order.
func (idx *Index) Search(ctx context.Context, vector []float32, k int, filter *domain.Partition) (domain.RetrievalResult, error) {
	snap := idx.snap.Load()
	if idx.beforeScan != nil {
		idx.beforeScan()
	}

	if k <= 0 || len(snap.entries) == 0 {
		return domain.RetrievalResult{}, nil
	}
	if len(vector) != snap.dim {
		return domain.RetrievalResult{}, fmt.Errorf("%w: index has %d, query has %d", domain.ErrDimensionMismatch, snap.dim, len(vector))
	}

	hits := make([]domain.Hit, 0, len(snap.entries))
	for _, e := range snap.entries {
		if filter != nil && !filter.Matches(e.Payload.Partition) {
			continue
		}
		hits = append(hits, domain.Hit{
			ID:      e.ID,
			Payload: e.Payload,
			Score:   CosineSimilarity(vector, e.Vector),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return domain.RetrievalResult{Hits: hits}, nil
}

func (idx *Index) Count(ctx context.Context) (int, error) {
	return len(idx.snap.Load().entries), nil
}

// Dimension returns the vector length fixed by the first insert, or 0.
func (idx *Index) Dimension() int {
	return idx.snap.Load().dim
}

// Entries returns the current contents in insertion order.
func (idx *Index) Entries() []domain.IndexEntry {
	snap := idx.snap.Load()
	out := make([]domain.IndexEntry, len(snap.entries))
	copy(out, snap.entries)
	return out
}

func (idx *Index) Close() error {
	return nil
}

func checkDimensions(dim int, entries []domain.IndexEntry) (int, error) {
	for _, e := range entries {
		if len(e.Vector) == 0 {
			return 0, fmt.Errorf("entry %s: %w: empty vector", e.ID, domain.ErrDimensionMismatch)
		}
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) != dim {
			return 0, fmt.Errorf("entry %s: %w: expected %d, got %d", e.ID, domain.ErrDimensionMismatch, dim, len(e.Vector))
		}
	}
	return dim, nil
}

func cloneEntry(e domain.IndexEntry) domain.IndexEntry {
	v := make([]float32, len(e.Vector))
	copy(v, e.Vector)
	e.Vector = v
	return e
}

// CosineSimilarity returns dot(a,b)/(|a||b|), or 0 when either norm is zero
// or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
