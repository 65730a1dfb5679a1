package vectorindex

import (
	"context"
	"testing"
)

func TestMemoryIndex_UpsertAndQuery(t *testing.T) {
	idx := NewMemoryIndex(NewHashEmbedder(64))
	ctx := context.Background()

	err := idx.Upsert(ctx, []string{"weather", "stocks"}, []string{
		"weather forecast rain tomorrow",
		"stock market prices rising fast",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, err := idx.QueryTopK(ctx, "weather forecast sunny", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "weather" {
		t.Errorf("QueryTopK = %v, want [weather]", ids)
	}
}

func TestMemoryIndex_ListAllIDs(t *testing.T) {
	idx := NewMemoryIndex(NewHashEmbedder(32))
	ctx := context.Background()
	_ = idx.Upsert(ctx, []string{"a", "b"}, []string{"doc a", "doc b"})

	ids, err := idx.ListAllIDs(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ListAllIDs = %v, want 2 entries", ids)
	}
}

func TestMemoryIndex_Delete(t *testing.T) {
	idx := NewMemoryIndex(NewHashEmbedder(32))
	ctx := context.Background()
	_ = idx.Upsert(ctx, []string{"a", "b"}, []string{"doc a", "doc b"})

	if err := idx.Delete(ctx, []string{"a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, _ := idx.ListAllIDs(ctx)
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("ListAllIDs after delete = %v, want [b]", ids)
	}
}

func TestMemoryIndex_UpsertMismatchedLengths(t *testing.T) {
	idx := NewMemoryIndex(NewHashEmbedder(32))
	err := idx.Upsert(context.Background(), []string{"a"}, []string{"x", "y"})
	if err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

func TestMemoryIndex_QueryTopKZero(t *testing.T) {
	idx := NewMemoryIndex(NewHashEmbedder(32))
	ids, err := idx.QueryTopK(context.Background(), "anything", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected empty result, got %v", ids)
	}
}
