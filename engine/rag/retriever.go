// Package rag answers questions from the indexed knowledge base: it embeds
// the query, retrieves the most similar chunks, and hands them to a
// generation model as grounded context. Every answer carries the sources it
// was built from.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/embed"
	"github.com/SatchelAI/satchel-mvp/engine/index"
	"github.com/SatchelAI/satchel-mvp/pkg/fn"
)

const (
	// DefaultK is the number of chunks retrieved when the query doesn't say.
	DefaultK = 4
	// MinChunkChars is the soft relevance floor: hits whose text is this
	// short carry no usable context and are dropped from results.
	MinChunkChars = 20
)

// Searcher is the vector search contract the retriever runs on. Both the
// in-process flat index and the remote Qdrant store satisfy it.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int, filters map[string]string) ([]index.Result, error)
}

// IndexSearcher adapts the in-process flat index to the Searcher contract.
func IndexSearcher(f *index.Flat) Searcher {
	return flatSearcher{f}
}

type flatSearcher struct{ flat *index.Flat }

func (s flatSearcher) Search(_ context.Context, vector []float32, k int, filters map[string]string) ([]index.Result, error) {
	return s.flat.Search(vector, k, filters)
}

// Reranker reorders retrieved candidates. Implementations may only permute
// the candidate set; the retriever enforces that no hit is invented or
// dropped by the rerank step.
type Reranker interface {
	Rerank(query string, hits []index.Result) []index.Result
}

// Retriever embeds queries with the index-bound embedder and searches.
type Retriever struct {
	embedder embed.Embedder
	searcher Searcher
	reranker Reranker
}

// NewRetriever binds an embedder to a searcher. The embedder's identity must
// match the identity the index was built with; anything else would compare
// vectors from different spaces.
func NewRetriever(e embed.Embedder, s Searcher, indexIdentity domain.EmbedderIdentity) (*Retriever, error) {
	if !e.Identity().Equal(indexIdentity) {
		return nil, fmt.Errorf("rag: embedder %s, index built with %s: %w",
			e.Identity(), indexIdentity, domain.ErrIdentityMismatch)
	}
	return &Retriever{embedder: e, searcher: s}, nil
}

// WithReranker returns a copy of the retriever with a rerank step. When a
// reranker is set, a larger candidate pool is fetched so it has something to
// work with.
func (r *Retriever) WithReranker(rr Reranker) *Retriever {
	return &Retriever{embedder: r.embedder, searcher: r.searcher, reranker: rr}
}

// Retrieve returns up to q.K chunks relevant to the query, best first. An
// empty result is a valid answer, not an error.
func (r *Retriever) Retrieve(ctx context.Context, q domain.Query) ([]index.Result, error) {
	if err := domain.ValidateQuery(q); err != nil {
		return nil, err
	}
	k := q.K
	if k == 0 {
		k = DefaultK
	}

	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	fetch := k
	if r.reranker != nil {
		fetch = k * 4
	}
	hits, err := r.searcher.Search(ctx, vec, fetch, q.Filters)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}

	hits = dropThin(hits)
	if r.reranker != nil {
		hits = safeRerank(q.Text, hits, r.reranker)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// dropThin removes hits whose chunk text is too short to ground an answer.
func dropThin(hits []index.Result) []index.Result {
	return fn.Filter(hits, func(h index.Result) bool {
		return len(strings.TrimSpace(h.Chunk.Text)) > MinChunkChars
	})
}

// safeRerank applies the reranker but guarantees the result is a permutation
// of the input: hits the reranker invented are discarded, hits it dropped are
// appended in their original order.
func safeRerank(query string, hits []index.Result, rr Reranker) []index.Result {
	allowed := make(map[string]int, len(hits))
	for i, h := range hits {
		allowed[h.Chunk.ID] = i
	}

	out := make([]index.Result, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range rr.Rerank(query, hits) {
		if _, ok := allowed[h.Chunk.ID]; ok && !seen[h.Chunk.ID] {
			out = append(out, hits[allowed[h.Chunk.ID]])
			seen[h.Chunk.ID] = true
		}
	}
	for _, h := range hits {
		if !seen[h.Chunk.ID] {
			out = append(out, h)
		}
	}
	return out
}
