// Package embed maps chunk and query text to fixed-dimension, L2-normalized
// vectors. The embedder's identity (model, dimensionality, normalization) is
// pinned for the lifetime of an index; the vector index validates it on load.
package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// Embedder is a deterministic text-to-vector function with a pinned identity.
// EmbedBatch must be semantically identical to per-item Embed calls.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Identity() domain.EmbedderIdentity
}

// Normalize scales v to unit length in place and returns it. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// batchViaSingle implements EmbedBatch as sequential Embed calls so batch and
// per-item results cannot diverge.
func batchViaSingle(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}
