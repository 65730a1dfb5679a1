package mirror

import (
	"context"
	"testing"

	"github.com/nacos-mcp-router/router/internal/registry"
	"github.com/nacos-mcp-router/router/internal/vectorindex"
)

type fakeRegistryClient struct {
	all    []registry.Descriptor
	byName map[string]registry.Descriptor
}

func (f *fakeRegistryClient) ListAll(ctx context.Context) []registry.Descriptor {
	return f.all
}

func (f *fakeRegistryClient) GetByName(ctx context.Context, name string) (registry.Descriptor, bool) {
	d, ok := f.byName[name]
	return d, ok
}

func desc(name, description string) registry.Descriptor {
	return registry.Descriptor{Name: name, Description: description}
}

func TestRefreshAll_PopulatesCache(t *testing.T) {
	client := &fakeRegistryClient{all: []registry.Descriptor{
		desc("weather", "weather tools"),
		desc("stocks", "stock tools"),
	}}
	m := New(client, nil, nil)

	if err := m.RefreshAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := m.GetByName("weather"); !ok {
		t.Error("expected weather in cache")
	}
	if _, ok := m.GetByName("stocks"); !ok {
		t.Error("expected stocks in cache")
	}
}

func TestRefreshAll_DigestSkip(t *testing.T) {
	idx := vectorindex.NewMemoryIndex(vectorindex.NewHashEmbedder(32))
	client := &fakeRegistryClient{all: []registry.Descriptor{desc("weather", "weather tools")}}
	m := New(client, idx, nil)

	ctx := context.Background()
	if err := m.RefreshAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RefreshAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, err := idx.ListAllIDs(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected exactly one indexed id after two identical refreshes, got %v", ids)
	}
}

func TestRefreshAll_TombstoneDeletion(t *testing.T) {
	idx := vectorindex.NewMemoryIndex(vectorindex.NewHashEmbedder(32))
	client := &fakeRegistryClient{all: []registry.Descriptor{
		desc("a", "alpha"), desc("b", "beta"), desc("c", "gamma"),
	}}
	m := New(client, idx, nil)
	ctx := context.Background()

	if err := m.RefreshAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client.all = []registry.Descriptor{desc("a", "alpha"), desc("b", "beta")}
	if err := m.RefreshAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, _ := idx.ListAllIDs(ctx)
	if len(ids) != 2 {
		t.Errorf("expected tombstoned id removed, index contains %v", ids)
	}
	if _, ok := m.GetByName("c"); ok {
		t.Error("expected c removed from cache")
	}
}

func TestRefreshAll_EmptyFetchDoesNotWipeIndex(t *testing.T) {
	idx := vectorindex.NewMemoryIndex(vectorindex.NewHashEmbedder(32))
	client := &fakeRegistryClient{all: []registry.Descriptor{desc("a", "alpha")}}
	m := New(client, idx, nil)
	ctx := context.Background()

	if err := m.RefreshAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client.all = nil
	if err := m.RefreshAll(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, _ := idx.ListAllIDs(ctx)
	if len(ids) != 1 {
		t.Errorf("expected index untouched on empty fetch, got %v", ids)
	}
}

func TestSearchByKeyword(t *testing.T) {
	client := &fakeRegistryClient{all: []registry.Descriptor{
		desc("weather", "gives weather forecasts"),
		desc("stocks", "gives stock prices"),
	}}
	m := New(client, nil, nil)
	_ = m.RefreshAll(context.Background())

	results := m.SearchByKeyword("weather")
	if len(results) != 1 || results[0].Name != "weather" {
		t.Errorf("SearchByKeyword = %v, want [weather]", results)
	}
}

func TestGetMcpServer_DropsUncachedIDs(t *testing.T) {
	idx := vectorindex.NewMemoryIndex(vectorindex.NewHashEmbedder(32))
	client := &fakeRegistryClient{all: []registry.Descriptor{desc("weather", "weather forecast tools")}}
	m := New(client, idx, nil)
	ctx := context.Background()
	_ = m.RefreshAll(ctx)

	_ = idx.Upsert(ctx, []string{"stale"}, []string{"an entry no longer in the cache"})

	results := m.GetMcpServer(ctx, "weather forecast", 5)
	for _, d := range results {
		if d.Name == "stale" {
			t.Error("expected stale id dropped from results")
		}
	}
}

func TestRefreshOne_ReplacesCacheWithSingleEntry(t *testing.T) {
	client := &fakeRegistryClient{byName: map[string]registry.Descriptor{
		"weather": desc("weather", "weather tools"),
	}}
	m := New(client, nil, nil)

	if err := m.RefreshOne(context.Background(), "weather"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.GetByName("weather"); !ok {
		t.Error("expected weather in cache")
	}
}

func TestRefreshOne_NotFound(t *testing.T) {
	client := &fakeRegistryClient{byName: map[string]registry.Descriptor{}}
	m := New(client, nil, nil)

	if err := m.RefreshOne(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing descriptor")
	}
}

func TestRunLoop_DebugModeNeverRefreshes(t *testing.T) {
	client := &fakeRegistryClient{all: []registry.Descriptor{desc("weather", "weather tools")}}
	m := New(client, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.RunLoop(ctx, 0, true)

	if _, ok := m.GetByName("weather"); ok {
		t.Error("expected no refresh in debug mode")
	}
}
