package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// HashModelName identifies the feature-hash embedder in index manifests.
const HashModelName = "feature-hash-v1"

// Hash is a deterministic, model-free embedder: tokens and token bigrams are
// feature-hashed into a fixed-width vector which is then L2-normalized. It
// has no notion of semantics beyond lexical overlap, which is enough for
// offline operation and for exercising the index with stable vectors.
type Hash struct {
	dims int
}

// NewHash creates a feature-hash embedder of the given width.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = 256
	}
	return &Hash{dims: dims}
}

// Identity implements Embedder.
func (h *Hash) Identity() domain.EmbedderIdentity {
	return domain.EmbedderIdentity{Model: HashModelName, Dimensions: h.dims, Normalized: true}
}

// Embed implements Embedder.
func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("embed: %w: %w", domain.ErrEmbedding, domain.ErrEmptyInput)
	}
	vec := make([]float32, h.dims)
	for i, tok := range tokens {
		vec[h.bucket(tok)]++
		if i+1 < len(tokens) {
			vec[h.bucket(tok+" "+tokens[i+1])]++
		}
	}
	return Normalize(vec), nil
}

// EmbedBatch implements Embedder.
func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batchViaSingle(ctx, h, texts)
}

func (h *Hash) bucket(token string) int {
	f := fnv.New32a()
	f.Write([]byte(token))
	return int(f.Sum32() % uint32(h.dims))
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:'\"()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
