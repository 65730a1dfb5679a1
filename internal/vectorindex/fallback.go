package vectorindex

import (
	"context"

	"github.com/nacos-mcp-router/router/internal/resilience"
)

// FallbackIndex wraps a primary [Index] (normally [PostgresIndex]) with a
// secondary one (normally [MemoryIndex]) via a [resilience.FallbackGroup]:
// once the primary's circuit breaker opens, reads and writes transparently
// fall through to the secondary until the primary recovers.
type FallbackIndex struct {
	group *resilience.FallbackGroup[Index]
}

// NewFallbackIndex creates a FallbackIndex trying primary first, then
// fallback. Both must be non-nil.
func NewFallbackIndex(primary, fallback Index) *FallbackIndex {
	g := resilience.NewFallbackGroup(primary, "postgres", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("memory", fallback)
	return &FallbackIndex{group: g}
}

func (f *FallbackIndex) Upsert(ctx context.Context, ids []string, documents []string) error {
	return f.group.Execute(func(idx Index) error {
		return idx.Upsert(ctx, ids, documents)
	})
}

func (f *FallbackIndex) QueryTopK(ctx context.Context, queryText string, k int) ([]string, error) {
	return resilience.ExecuteWithResult(f.group, func(idx Index) ([]string, error) {
		return idx.QueryTopK(ctx, queryText, k)
	})
}

func (f *FallbackIndex) ListAllIDs(ctx context.Context) ([]string, error) {
	return resilience.ExecuteWithResult(f.group, func(idx Index) ([]string, error) {
		return idx.ListAllIDs(ctx)
	})
}

func (f *FallbackIndex) Delete(ctx context.Context, ids []string) error {
	return f.group.Execute(func(idx Index) error {
		return idx.Delete(ctx, ids)
	})
}

var _ Index = (*FallbackIndex)(nil)
