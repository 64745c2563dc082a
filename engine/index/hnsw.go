package index

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// HNSWOpts tunes the approximate graph. Zero values take the defaults.
type HNSWOpts struct {
	M              int // max connections per layer
	M0             int // max connections at layer 0
	EfConstruction int
	EfSearch       int
	MaxLevel       int
}

func (o HNSWOpts) withDefaults() HNSWOpts {
	if o.M <= 0 {
		o.M = 16
	}
	if o.M0 <= 0 {
		o.M0 = 32
	}
	if o.EfConstruction <= 0 {
		o.EfConstruction = 40
	}
	if o.EfSearch <= 0 {
		o.EfSearch = 50
	}
	if o.MaxLevel <= 0 {
		o.MaxLevel = 16
	}
	return o
}

type hnswNode struct {
	slot      int
	level     int
	neighbors [][]int // [level][slot]
}

// HNSW is an approximate navigable small-world graph over a Flat index. It is
// an optimization, not a source of truth: before serving traffic it must be
// validated against exact search with ValidateRecall on a held-out query set.
// Filtered searches apply filters exactly to the candidate set, so a heavily
// filtered query can return fewer than k hits; callers that need exact
// filtered results use the flat index directly.
type HNSW struct {
	mu       sync.RWMutex
	flat     *Flat
	opts     HNSWOpts
	nodes    map[int]*hnswNode
	entry    int
	topLevel int
	gen      uint64 // flat generation the graph's slot numbers belong to
	rng      *rand.Rand
}

// NewHNSW creates an empty graph over the given flat index.
func NewHNSW(flat *Flat, opts HNSWOpts) *HNSW {
	return &HNSW{
		flat:     flat,
		opts:     opts.withDefaults(),
		nodes:    make(map[int]*hnswNode),
		topLevel: -1,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Build indexes every slot currently in the flat index. Slots already in the
// graph are skipped, so Build may be called again after appends. If slots
// were compacted by a removal since the last build, the graph is discarded
// and rebuilt from scratch.
func (h *HNSW) Build() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flat.mu.RLock()
	defer h.flat.mu.RUnlock()
	h.syncLocked()
}

// syncLocked brings the graph up to date with the flat index: a full reset
// when slot numbers went stale, then insertion of any slots appended since.
// Caller holds h.mu (write) and h.flat.mu (read).
func (h *HNSW) syncLocked() {
	if h.gen != h.flat.gen {
		h.nodes = make(map[int]*hnswNode)
		h.entry = 0
		h.topLevel = -1
		h.gen = h.flat.gen
	}
	for slot := 0; slot < len(h.flat.chunks); slot++ {
		h.insertLocked(slot)
	}
}

func (h *HNSW) vec(slot int) []float32 {
	return h.flat.vectors[slot*h.flat.dims : (slot+1)*h.flat.dims]
}

// cosineDist is 1 - innerProduct; valid as a distance because vectors are
// unit length.
func (h *HNSW) cosineDist(a []float32, slot int) float32 {
	return 1 - dot(a, h.vec(slot))
}

func (h *HNSW) randomLevel() int {
	lvl := 0
	for h.rng.Float64() < 0.5 && lvl < h.opts.MaxLevel {
		lvl++
	}
	return lvl
}

// insertLocked links one slot into the graph. Caller holds h.mu (write) and
// h.flat.mu (read).
func (h *HNSW) insertLocked(slot int) {
	if _, ok := h.nodes[slot]; ok {
		return
	}

	level := h.randomLevel()
	node := &hnswNode{slot: slot, level: level, neighbors: make([][]int, level+1)}
	h.nodes[slot] = node

	if h.topLevel == -1 {
		h.entry = slot
		h.topLevel = level
		return
	}

	query := h.vec(slot)
	ep := h.entry
	for l := h.topLevel; l > level; l-- {
		ep = h.greedyClosest(query, ep, l)
	}

	for l := min(level, h.topLevel); l >= 0; l-- {
		nearest := h.searchLayer(query, ep, h.opts.EfConstruction, l)
		m := h.opts.M
		if l == 0 {
			m = h.opts.M0
		}
		if len(nearest) > m {
			nearest = nearest[:m]
		}
		ids := make([]int, len(nearest))
		for i, c := range nearest {
			ids[i] = c.slot
		}
		node.neighbors[l] = ids
		for _, id := range ids {
			nb := h.nodes[id]
			nb.neighbors[l] = append(nb.neighbors[l], slot)
		}
		if len(ids) > 0 {
			ep = ids[0]
		}
	}

	if level > h.topLevel {
		h.entry = slot
		h.topLevel = level
	}
}

type candidate struct {
	slot int
	dist float32
}

func (h *HNSW) greedyClosest(query []float32, ep, level int) int {
	curr := ep
	currDist := h.cosineDist(query, curr)
	for changed := true; changed; {
		changed = false
		for _, nb := range h.nodes[curr].neighbors[level] {
			if d := h.cosineDist(query, nb); d < currDist {
				curr, currDist = nb, d
				changed = true
			}
		}
	}
	return curr
}

func (h *HNSW) searchLayer(query []float32, ep, ef, level int) []candidate {
	visited := map[int]bool{ep: true}
	start := candidate{ep, h.cosineDist(query, ep)}
	frontier := []candidate{start}
	results := []candidate{start}

	for len(frontier) > 0 {
		c := frontier[0]
		frontier = frontier[1:]
		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			continue
		}
		for _, nb := range h.nodes[c.slot].neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := h.cosineDist(query, nb)
			if len(results) < ef || d < results[len(results)-1].dist {
				cand := candidate{nb, d}
				frontier = append(frontier, cand)
				results = append(results, cand)
				sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
				if len(results) > ef {
					results = results[:ef]
				}
				sort.Slice(frontier, func(i, j int) bool { return frontier[i].dist < frontier[j].dist })
			}
		}
	}
	return results
}

// Search returns up to k approximate nearest chunks, highest score first.
func (h *HNSW) Search(query []float32, k int, filters map[string]string) ([]Result, error) {
	if len(query) != h.flat.dims {
		return nil, fmt.Errorf("index: query has %d dims, index pinned to %d: %w",
			len(query), h.flat.dims, domain.ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	// Removals compact flat slots, invalidating the graph's slot numbers.
	// Holding the flat read lock pins the generation, so once the two match
	// the slots are safe to dereference for the rest of the search.
	for {
		h.mu.RLock()
		h.flat.mu.RLock()
		if h.gen == h.flat.gen {
			break
		}
		h.flat.mu.RUnlock()
		h.mu.RUnlock()
		h.rebuild()
	}
	defer h.mu.RUnlock()
	defer h.flat.mu.RUnlock()

	if h.topLevel == -1 {
		return nil, nil
	}

	ep := h.entry
	for l := h.topLevel; l > 0; l-- {
		ep = h.greedyClosest(query, ep, l)
	}
	cands := h.searchLayer(query, ep, h.opts.EfSearch, 0)

	out := make([]Result, 0, k)
	for _, c := range cands {
		chunk := h.flat.chunks[c.slot]
		if len(filters) > 0 && !chunk.Meta.Matches(filters) {
			continue
		}
		out = append(out, Result{Chunk: chunk, Score: 1 - c.dist})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (h *HNSW) rebuild() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flat.mu.RLock()
	defer h.flat.mu.RUnlock()
	h.syncLocked()
}

// ValidateRecall measures recall@k of the graph against exact search over a
// held-out query set. Production use of the approximate path requires the
// returned recall to clear the caller's threshold.
func (h *HNSW) ValidateRecall(queries [][]float32, k int) (float64, error) {
	if len(queries) == 0 {
		return 0, fmt.Errorf("index: recall validation needs at least one query")
	}
	var hit, total int
	for _, q := range queries {
		exact, err := h.flat.Search(q, k, nil)
		if err != nil {
			return 0, err
		}
		approx, err := h.Search(q, k, nil)
		if err != nil {
			return 0, err
		}
		want := make(map[string]bool, len(exact))
		for _, r := range exact {
			want[r.Chunk.ID] = true
		}
		for _, r := range approx {
			if want[r.Chunk.ID] {
				hit++
			}
		}
		total += len(exact)
	}
	if total == 0 {
		return 1, nil
	}
	return float64(hit) / float64(total), nil
}
