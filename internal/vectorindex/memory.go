package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process [Index] backed by a map. It is used in tests
// of packages that depend on [Index] without standing up Postgres, and could
// serve as a small-fleet deployment mode where no database is available.
type MemoryIndex struct {
	mu        sync.RWMutex
	embedder  Embedder
	documents map[string]string
	vectors   map[string][]float32
}

// NewMemoryIndex creates an empty [MemoryIndex] using embedder to rank
// QueryTopK results.
func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{
		embedder:  embedder,
		documents: make(map[string]string),
		vectors:   make(map[string][]float32),
	}
}

// Upsert implements [Index].
func (m *MemoryIndex) Upsert(ctx context.Context, ids []string, documents []string) error {
	if len(ids) != len(documents) {
		return errMismatchedLengths(len(ids), len(documents))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		vec, err := m.embedder.Embed(ctx, documents[i])
		if err != nil {
			return err
		}
		m.documents[id] = documents[i]
		m.vectors[id] = vec
	}
	return nil
}

// QueryTopK implements [Index].
func (m *MemoryIndex) QueryTopK(ctx context.Context, queryText string, k int) ([]string, error) {
	if k <= 0 {
		return []string{}, nil
	}
	query, err := m.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		id       string
		distance float64
	}
	ranked := make([]scored, 0, len(m.vectors))
	for id, vec := range m.vectors {
		ranked = append(ranked, scored{id: id, distance: cosineDist(query, vec)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].distance != ranked[j].distance {
			return ranked[i].distance < ranked[j].distance
		}
		return ranked[i].id < ranked[j].id
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].id
	}
	return out, nil
}

// ListAllIDs implements [Index].
func (m *MemoryIndex) ListAllIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.documents))
	for id := range m.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements [Index].
func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.documents, id)
		delete(m.vectors, id)
	}
	return nil
}

func cosineDist(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	for i := n; i < len(a); i++ {
		na += float64(a[i]) * float64(a[i])
	}
	for i := n; i < len(b); i++ {
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

type mismatchedLengthsError struct {
	ids, documents int
}

func (e *mismatchedLengthsError) Error() string {
	return "vectorindex: ids and documents length mismatch"
}

func errMismatchedLengths(ids, documents int) error {
	return &mismatchedLengthsError{ids: ids, documents: documents}
}

var _ Index = (*MemoryIndex)(nil)
