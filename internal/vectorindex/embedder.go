package vectorindex

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder is a deterministic, local, network-free [Embedder]. It hashes
// each lower-cased, whitespace-separated token into one of Dimensions buckets
// and counts the tokens per bucket, then L2-normalizes the result. It
// has no semantic understanding — it only guarantees that documents sharing
// vocabulary land closer together under cosine distance than documents that
// don't — but it exercises the full pgvector upsert/ANN-search path without
// requiring a network call to a real embedding provider.
//
// A production deployment would substitute a real embedding provider behind
// the same [Embedder] interface; callers never need to know the difference.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a [HashEmbedder] producing vectors of the given
// dimension. A non-positive dims falls back to 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions implements [Embedder].
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed implements [Embedder]. It never returns an error.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		fnvHash := fnv.New32a()
		_, _ = fnvHash.Write([]byte(tok))
		bucket := int(fnvHash.Sum32() % uint32(h.dims))
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec, nil
}
