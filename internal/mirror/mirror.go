// Package mirror maintains a periodically refreshed, content-addressed cache
// of registry descriptors mirrored into a vector index for semantic search
// and an in-memory map for keyword search.
package mirror

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nacos-mcp-router/router/internal/observe"
	"github.com/nacos-mcp-router/router/internal/registry"
	"github.com/nacos-mcp-router/router/internal/vectorindex"
)

// RegistryClient is the subset of [registry.Client] the mirror depends on.
type RegistryClient interface {
	ListAll(ctx context.Context) []registry.Descriptor
	GetByName(ctx context.Context, name string) (registry.Descriptor, bool)
}

// Mirror holds the cache, its content-hash versions, and an optional vector
// index. Cache reads and writes are serialized by mu; the cache map is
// replaced wholesale on every refresh so readers never observe a merge.
type Mirror struct {
	registryClient RegistryClient
	index          vectorindex.Index
	indexEnabled   bool
	metrics        *observe.Metrics

	mu       sync.RWMutex
	cache    map[string]registry.Descriptor
	versions map[string]string
}

// New creates a Mirror. index may be nil, in which case indexed search
// (getMcpServer) always returns an empty result and refreshAll never calls
// upsert/delete.
func New(client RegistryClient, index vectorindex.Index, metrics *observe.Metrics) *Mirror {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Mirror{
		registryClient: client,
		index:          index,
		indexEnabled:   index != nil,
		metrics:        metrics,
		cache:          make(map[string]registry.Descriptor),
		versions:       make(map[string]string),
	}
}

// RefreshAll implements router-mode refresh: fetch every enabled descriptor,
// diff by content digest, atomically swap the cache, upsert changed
// documents, and delete tombstoned ids.
func (m *Mirror) RefreshAll(ctx context.Context) error {
	start := time.Now()
	descriptors := m.registryClient.ListAll(ctx)
	slog.Info("mirror refresh fetched descriptors", "count", len(descriptors))

	newCache := make(map[string]registry.Descriptor, len(descriptors))
	newVersions := make(map[string]string, len(descriptors))

	var upsertIDs, upsertDocs []string

	m.mu.RLock()
	oldVersions := m.versions
	m.mu.RUnlock()

	for _, d := range descriptors {
		digest := d.Digest()
		newCache[d.Name] = d
		newVersions[d.Name] = digest

		if oldVersions[d.Name] != digest {
			upsertIDs = append(upsertIDs, d.Name)
			upsertDocs = append(upsertDocs, d.ToolDescription())
		} else {
			m.metrics.DigestSkips.Add(ctx, 1)
		}
	}

	m.mu.Lock()
	m.cache = newCache
	m.versions = newVersions
	m.mu.Unlock()

	var err error
	if m.indexEnabled {
		if len(upsertIDs) > 0 {
			if uerr := m.index.Upsert(ctx, upsertIDs, upsertDocs); uerr != nil {
				err = uerr
				slog.Warn("mirror upsert failed", "error", uerr)
			}
		}

		if len(descriptors) > 0 {
			if terr := m.deleteTombstones(ctx, newCache); terr != nil && err == nil {
				err = terr
			}
		}
	}

	m.metrics.RecordRefresh(ctx, time.Since(start).Seconds(), err)
	return err
}

// deleteTombstones removes any id present in the vector index but absent
// from cache. Called only when the fetched descriptor list was non-empty,
// guarding against wiping the index on a transient registry outage.
func (m *Mirror) deleteTombstones(ctx context.Context, cache map[string]registry.Descriptor) error {
	indexedIDs, err := m.index.ListAllIDs(ctx)
	if err != nil {
		slog.Warn("mirror list index ids failed", "error", err)
		return err
	}

	var tombstones []string
	for _, id := range indexedIDs {
		if _, ok := cache[id]; !ok {
			tombstones = append(tombstones, id)
		}
	}
	if len(tombstones) == 0 {
		return nil
	}

	if err := m.index.Delete(ctx, tombstones); err != nil {
		slog.Warn("mirror delete tombstones failed", "error", err, "count", len(tombstones))
		return err
	}
	m.metrics.Tombstones.Add(ctx, int64(len(tombstones)))
	return nil
}

// RefreshOne implements proxy-mode refresh: fetch a single descriptor by
// name and replace the cache with exactly that entry.
func (m *Mirror) RefreshOne(ctx context.Context, name string) error {
	start := time.Now()
	d, ok := m.registryClient.GetByName(ctx, name)
	if !ok {
		err := &notFoundError{name: name}
		m.metrics.RecordRefresh(ctx, time.Since(start).Seconds(), err)
		return err
	}

	m.mu.Lock()
	m.cache = map[string]registry.Descriptor{d.Name: d}
	m.versions = map[string]string{d.Name: d.Digest()}
	m.mu.Unlock()

	m.metrics.RecordRefresh(ctx, time.Since(start).Seconds(), nil)
	return nil
}

// SearchByKeyword returns every cached descriptor whose description
// contains word as a substring. Case-sensitive.
func (m *Mirror) SearchByKeyword(word string) []registry.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []registry.Descriptor
	for _, d := range m.cache {
		if d.Description == "" {
			continue
		}
		if strings.Contains(d.Description, word) {
			out = append(out, d)
		}
	}
	return out
}

// GetMcpServer queries the vector index for the top-k descriptors matching
// a free-text query, resolving ids against the current cache and dropping
// any id that is no longer cached. Returns an empty slice (never an error)
// when indexing is disabled or the query fails.
func (m *Mirror) GetMcpServer(ctx context.Context, query string, k int) []registry.Descriptor {
	if !m.indexEnabled || k <= 0 {
		return nil
	}

	ids, err := m.index.QueryTopK(ctx, query, k)
	if err != nil {
		slog.Warn("mirror vector query failed", "error", err)
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]registry.Descriptor, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.cache[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// GetByName performs a direct cache lookup.
func (m *Mirror) GetByName(name string) (registry.Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.cache[name]
	return d, ok
}

// minRefreshInterval is the floor enforced on the refresh loop's interval,
// matching the configuration layer's own clamp.
const minRefreshInterval = 10 * time.Second

// RunLoop runs RefreshAll on a ticker until ctx is cancelled. If debug is
// true, it logs once and returns without ever refreshing. Errors from
// individual refreshes are logged and do not stop the loop.
func (m *Mirror) RunLoop(ctx context.Context, interval time.Duration, debug bool) {
	if debug {
		slog.Info("mirror refresh loop disabled by debug mode")
		return
	}
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RefreshAll(ctx); err != nil {
				slog.Warn("mirror scheduled refresh failed", "error", err)
			}
		}
	}
}

type notFoundError struct{ name string }

func (e *notFoundError) Error() string {
	return "mirror: descriptor not found: " + e.name
}
