// Package index owns the knowledge base: every chunk's vector plus the
// reverse mapping from vector slot to chunk payload. It is the single source
// of truth for retrieval; handlers share one instance and never construct
// their own copy.
//
// The flat index is the exact-search baseline: brute-force inner product over
// all vectors. Vectors are expected to be L2-normalized, so inner product
// ranks identically to cosine similarity. An approximate HNSW layer is
// available separately and must be recall-validated against this baseline.
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// Result is a single search hit.
type Result struct {
	Chunk domain.Chunk `json:"chunk"`
	Score float32      `json:"score"`
}

// Flat is a persistent, append-only exact vector index. All mutating
// operations serialize under a single writer lock; searches proceed
// concurrently and never observe a partially applied add.
type Flat struct {
	mu       sync.RWMutex
	identity domain.EmbedderIdentity
	dims     int
	vectors  []float32      // row-major, len == dims * len(chunks)
	chunks   []domain.Chunk // slot i owns vectors[i*dims : (i+1)*dims]
	gen      uint64         // bumped whenever slots are compacted
}

// NewFlat creates an empty index bound to the given embedder identity.
func NewFlat(identity domain.EmbedderIdentity) (*Flat, error) {
	if identity.Dimensions <= 0 {
		return nil, fmt.Errorf("index: invalid dimensionality %d", identity.Dimensions)
	}
	if identity.Model == "" {
		return nil, fmt.Errorf("index: identity has no model name")
	}
	return &Flat{identity: identity, dims: identity.Dimensions}, nil
}

// Identity returns the embedder identity the index is bound to.
func (f *Flat) Identity() domain.EmbedderIdentity {
	return f.identity
}

// Dimensions returns the pinned vector width.
func (f *Flat) Dimensions() int { return f.dims }

// Len returns the number of indexed chunks.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.chunks)
}

// Add appends one chunk with its vector.
func (f *Flat) Add(chunk domain.Chunk, vec []float32) error {
	return f.AddBatch([]domain.Chunk{chunk}, [][]float32{vec})
}

// AddBatch appends chunks atomically with respect to readers: either the
// whole batch is visible or none of it. Any dimension mismatch rejects the
// entire batch before anything is appended.
func (f *Flat) AddBatch(chunks []domain.Chunk, vecs [][]float32) error {
	if len(chunks) != len(vecs) {
		return fmt.Errorf("index: %d chunks with %d vectors", len(chunks), len(vecs))
	}
	for i, v := range vecs {
		if len(v) != f.dims {
			return fmt.Errorf("index: chunk %d has %d dims, index pinned to %d: %w",
				i, len(v), f.dims, domain.ErrDimensionMismatch)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range chunks {
		f.vectors = append(f.vectors, vecs[i]...)
		f.chunks = append(f.chunks, chunks[i])
	}
	return nil
}

// RemoveSource deletes every chunk whose source ID matches, returning how
// many were removed. Re-ingesting changed content removes the stale chunks
// first, then appends the fresh ones.
func (f *Flat) RemoveSource(sourceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	w := 0
	for r := range f.chunks {
		if f.chunks[r].Meta.SourceID == sourceID {
			removed++
			continue
		}
		if w != r {
			f.chunks[w] = f.chunks[r]
			copy(f.vectors[w*f.dims:(w+1)*f.dims], f.vectors[r*f.dims:(r+1)*f.dims])
		}
		w++
	}
	f.chunks = f.chunks[:w]
	f.vectors = f.vectors[:w*f.dims]
	if removed > 0 {
		// Slot numbers shifted; anything holding slots (the HNSW graph)
		// must rebuild before using them again.
		f.gen++
	}
	return removed
}

// Search returns up to k nearest chunks by inner product, highest score
// first. Ties resolve by insertion order (earlier slot wins). When filters
// are supplied only chunks whose metadata satisfies every predicate are
// eligible; filtering is exact, never approximated.
func (f *Flat) Search(query []float32, k int, filters map[string]string) ([]Result, error) {
	if len(query) != f.dims {
		return nil, fmt.Errorf("index: query has %d dims, index pinned to %d: %w",
			len(query), f.dims, domain.ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	type hit struct {
		slot  int
		score float32
	}
	var hits []hit
	for i := range f.chunks {
		if len(filters) > 0 && !f.chunks[i].Meta.Matches(filters) {
			continue
		}
		hits = append(hits, hit{slot: i, score: dot(f.vectors[i*f.dims:(i+1)*f.dims], query)})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return hits[a].slot < hits[b].slot
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Chunk: f.chunks[h.slot], Score: h.score}
	}
	return out, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
