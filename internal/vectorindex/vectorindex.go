// Package vectorindex provides the narrow semantic-collection façade the
// Registry Mirror indexes descriptors into, backed by PostgreSQL + pgvector.
package vectorindex

import "context"

// Index is the narrow contract the mirror needs from the semantic
// collection: upsert documents by id, rank ids by similarity to free text,
// enumerate every id currently stored, and delete by id.
//
// Implementations must treat an empty ids/documents slice as a no-op rather
// than an error.
type Index interface {
	// Upsert overwrites-or-inserts each id with its document.
	Upsert(ctx context.Context, ids []string, documents []string) error

	// QueryTopK returns at most k ids ranked most-to-least similar to
	// queryText.
	QueryTopK(ctx context.Context, queryText string, k int) ([]string, error)

	// ListAllIDs returns every id currently stored.
	ListAllIDs(ctx context.Context) ([]string, error)

	// Delete removes the given ids. Ids that do not exist are ignored.
	Delete(ctx context.Context, ids []string) error
}

// Embedder converts free text into a fixed-dimension embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the length of vectors produced by Embed.
	Dimensions() int
}
