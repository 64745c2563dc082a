package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/embed"
)

func testIdentity(dims int) domain.EmbedderIdentity {
	return domain.EmbedderIdentity{Model: "feature-hash-v1", Dimensions: dims, Normalized: true}
}

func chunkOf(sourceID string, sourceType domain.SourceType, idx int, text string) domain.Chunk {
	return domain.Chunk{
		ID:    fmt.Sprintf("%s-%d", sourceID, idx),
		Text:  text,
		Index: idx,
		Meta:  domain.SourceMeta{SourceType: sourceType, SourceID: sourceID},
	}
}

func unit(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func TestNewFlat_Invalid(t *testing.T) {
	if _, err := NewFlat(domain.EmbedderIdentity{Model: "m", Dimensions: 0}); err == nil {
		t.Fatal("expected error for zero dims")
	}
	if _, err := NewFlat(domain.EmbedderIdentity{Dimensions: 4}); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestFlat_AddAndSearch(t *testing.T) {
	f, err := NewFlat(testIdentity(4))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		c := chunkOf("doc1", domain.SourceFile, i, fmt.Sprintf("chunk %d", i))
		if err := f.Add(c, unit(4, i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	got, err := f.Search(unit(4, 2), 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Chunk.Index != 2 {
		t.Errorf("best hit index = %d, want 2", got[0].Chunk.Index)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v then %v", got[0].Score, got[1].Score)
	}
}

func TestFlat_EmptySearch(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	got, err := f.Search(unit(4, 0), 5, nil)
	if err != nil {
		t.Fatalf("search on empty index: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestFlat_DimensionMismatch(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	err := f.Add(chunkOf("d", domain.SourceFile, 0, "x"), []float32{1, 0})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("index size changed on rejected add: %d", f.Len())
	}

	if _, err := f.Search([]float32{1, 0}, 3, nil); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for query, got %v", err)
	}
}

func TestFlat_AddBatchAllOrNothing(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	chunks := []domain.Chunk{
		chunkOf("d", domain.SourceFile, 0, "a"),
		chunkOf("d", domain.SourceFile, 1, "b"),
	}
	vecs := [][]float32{unit(4, 0), {1, 0}} // second is the wrong width
	if err := f.AddBatch(chunks, vecs); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if f.Len() != 0 {
		t.Errorf("partial batch visible: %d chunks", f.Len())
	}
}

func TestFlat_TieBreakInsertionOrder(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	same := unit(4, 1)
	f.Add(chunkOf("first", domain.SourceFile, 0, "first in"), same)
	f.Add(chunkOf("second", domain.SourceFile, 0, "second in"), same)

	got, err := f.Search(same, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Chunk.Meta.SourceID != "first" {
		t.Errorf("tie should go to earlier insertion, got %q first", got[0].Chunk.Meta.SourceID)
	}

	// A duplicate insertion must not reorder distinct chunks.
	f.Add(chunkOf("second", domain.SourceFile, 0, "second in"), same)
	got, _ = f.Search(same, 3, nil)
	if got[0].Chunk.Meta.SourceID != "first" {
		t.Errorf("duplicate insertion displaced earlier chunk")
	}
}

func TestFlat_DuplicateAddKeepsOrder(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	a := chunkOf("a", domain.SourceFile, 0, "alpha chunk")
	b := chunkOf("b", domain.SourceFile, 0, "beta chunk")
	f.Add(a, unit(4, 0))
	f.Add(b, []float32{0.6, 0.8, 0, 0})

	// Re-adding an identical chunk+vector appends; it must not displace the
	// relative order of the distinct chunks.
	f.Add(a, unit(4, 0))
	if f.Len() != 3 {
		t.Fatalf("len = %d, want 3 after duplicate append", f.Len())
	}

	got, err := f.Search(unit(4, 0), 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(got))
	}
	if got[0].Chunk.ID != a.ID || got[1].Chunk.ID != a.ID {
		t.Errorf("original and duplicate should rank together: %q, %q", got[0].Chunk.ID, got[1].Chunk.ID)
	}
	if got[2].Chunk.ID != b.ID {
		t.Errorf("duplicate insertion reordered distinct chunks: last hit %q", got[2].Chunk.ID)
	}
}

func TestFlat_Filters(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	f.Add(chunkOf("pdf1", domain.SourcePDF, 0, "pdf chunk"), unit(4, 0))
	f.Add(chunkOf("web1", domain.SourceWeb, 0, "web chunk"), unit(4, 0))
	f.Add(chunkOf("web2", domain.SourceWeb, 0, "other web chunk"), unit(4, 1))

	got, err := f.Search(unit(4, 0), 10, map[string]string{"source_type": "web"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 web hits, got %d", len(got))
	}
	for _, r := range got {
		if r.Chunk.Meta.SourceType != domain.SourceWeb {
			t.Errorf("non-web chunk leaked through filter: %v", r.Chunk.Meta.SourceType)
		}
	}

	got, err = f.Search(unit(4, 0), 10, map[string]string{"source_type": "youtube"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no hits for unmatched filter, got %d", len(got))
	}
}

func TestFlat_RemoveSource(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	f.Add(chunkOf("keep", domain.SourceFile, 0, "keep me"), unit(4, 0))
	f.Add(chunkOf("stale", domain.SourceFile, 0, "old a"), unit(4, 1))
	f.Add(chunkOf("stale", domain.SourceFile, 1, "old b"), unit(4, 2))
	f.Add(chunkOf("keep2", domain.SourceFile, 0, "also keep"), unit(4, 3))

	if n := f.RemoveSource("stale"); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if f.Len() != 2 {
		t.Fatalf("len = %d, want 2", f.Len())
	}

	got, _ := f.Search(unit(4, 3), 10, nil)
	if got[0].Chunk.Meta.SourceID != "keep2" {
		t.Errorf("surviving vectors misaligned after removal: top hit %q", got[0].Chunk.Meta.SourceID)
	}
	for _, r := range got {
		if r.Chunk.Meta.SourceID == "stale" {
			t.Error("removed chunk still searchable")
		}
	}
}

func populated(t *testing.T, dims, n int) *Flat {
	t.Helper()
	f, err := NewFlat(testIdentity(dims))
	if err != nil {
		t.Fatal(err)
	}
	h := embed.NewHash(dims)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("document text number %d about topic %d", i, i%5)
		vec, err := h.Embed(context.Background(), text)
		if err != nil {
			t.Fatal(err)
		}
		st := domain.SourcePDF
		if i%2 == 0 {
			st = domain.SourceWeb
		}
		if err := f.Add(chunkOf(fmt.Sprintf("src%d", i), st, 0, text), vec); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestFlat_SaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kb")
	f := populated(t, 32, 20)

	if err := f.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(dir, testIdentity(32))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != f.Len() {
		t.Fatalf("loaded %d chunks, want %d", loaded.Len(), f.Len())
	}

	h := embed.NewHash(32)
	for _, q := range []string{"topic 3", "document number 7", "unrelated words entirely"} {
		vec, _ := h.Embed(context.Background(), q)
		want, _ := f.Search(vec, 5, nil)
		got, _ := loaded.Search(vec, 5, nil)
		if len(got) != len(want) {
			t.Fatalf("query %q: %d hits, want %d", q, len(got), len(want))
		}
		for i := range want {
			if got[i].Chunk.ID != want[i].Chunk.ID || got[i].Score != want[i].Score {
				t.Errorf("query %q hit %d differs after reload: %v vs %v", q, i, got[i], want[i])
			}
		}
	}
}

func TestFlat_SaveOverwritesPrevious(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kb")
	f := populated(t, 16, 5)
	if err := f.Save(dir); err != nil {
		t.Fatal(err)
	}
	f.Add(chunkOf("extra", domain.SourceFile, 0, "late arrival"), unit(16, 0))
	if err := f.Save(dir); err != nil {
		t.Fatalf("second save: %v", err)
	}
	loaded, err := Load(dir, testIdentity(16))
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != 6 {
		t.Fatalf("loaded %d chunks, want 6", loaded.Len())
	}
}

func TestLoad_RecoversStashedBundle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kb")
	f := populated(t, 16, 5)
	if err := f.Save(dir); err != nil {
		t.Fatal(err)
	}

	// A crash between Save's stash and swap-in renames leaves only the
	// previous bundle at dir+".old".
	if err := os.Rename(dir, dir+".old"); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir, testIdentity(16))
	if err != nil {
		t.Fatalf("load did not recover stashed bundle: %v", err)
	}
	if loaded.Len() != 5 {
		t.Fatalf("recovered %d chunks, want 5", loaded.Len())
	}
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err != nil {
		t.Errorf("recovered bundle not moved back into place: %v", err)
	}
}

func TestLoad_IdentityMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kb")
	f := populated(t, 16, 3)
	if err := f.Save(dir); err != nil {
		t.Fatal(err)
	}

	other := domain.EmbedderIdentity{Model: "some-other-model", Dimensions: 16, Normalized: true}
	if _, err := Load(dir, other); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}

	unnormalized := testIdentity(16)
	unnormalized.Normalized = false
	if _, err := Load(dir, unnormalized); !errors.Is(err, domain.ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch for normalization flag, got %v", err)
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), testIdentity(8))
	if !os.IsNotExist(errors.Unwrap(err)) && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoad_CorruptVectors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kb")
	f := populated(t, 16, 4)
	if err := f.Save(dir); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, vectorsFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, vectorsFile), data[:len(data)-7], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, testIdentity(16)); !errors.Is(err, domain.ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex, got %v", err)
	}
}

func TestLoad_PayloadCountMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kb")
	f := populated(t, 16, 4)
	if err := f.Save(dir); err != nil {
		t.Fatal(err)
	}

	// Replace the payload table with one from a smaller index.
	smaller := populated(t, 16, 2)
	otherDir := filepath.Join(t.TempDir(), "kb2")
	if err := smaller.Save(otherDir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(otherDir, payloadsFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, payloadsFile), data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir, testIdentity(16)); !errors.Is(err, domain.ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex, got %v", err)
	}
}

func TestFlat_ConcurrentAddAndSearch(t *testing.T) {
	f, _ := NewFlat(testIdentity(8))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c := chunkOf(fmt.Sprintf("s%d", i), domain.SourceFile, 0, "text")
			if err := f.Add(c, unit(8, i%8)); err != nil {
				t.Errorf("add: %v", err)
				return
			}
		}
	}()

	wg.Add(2)
	for g := 0; g < 2; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				got, err := f.Search(unit(8, i%8), 5, nil)
				if err != nil {
					t.Errorf("search: %v", err)
					return
				}
				for _, r := range got {
					// A visible chunk always has a complete payload.
					if r.Chunk.Meta.SourceID == "" {
						t.Error("search observed a partially applied add")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestHNSW_RecallOnSmallSet(t *testing.T) {
	f := populated(t, 32, 50)
	h := NewHNSW(f, HNSWOpts{EfSearch: 64, EfConstruction: 64})
	h.Build()

	hash := embed.NewHash(32)
	var queries [][]float32
	for _, q := range []string{"topic 1", "topic 4", "document number 11"} {
		v, _ := hash.Embed(context.Background(), q)
		queries = append(queries, v)
	}
	recall, err := h.ValidateRecall(queries, 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recall < 0.9 {
		t.Errorf("recall = %v, want >= 0.9 on a trivial corpus", recall)
	}
}

func TestHNSW_FilterNeverLeaks(t *testing.T) {
	f := populated(t, 32, 30)
	h := NewHNSW(f, HNSWOpts{})
	h.Build()

	hash := embed.NewHash(32)
	q, _ := hash.Embed(context.Background(), "topic 2")
	got, err := h.Search(q, 10, map[string]string{"source_type": "web"})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range got {
		if r.Chunk.Meta.SourceType != domain.SourceWeb {
			t.Errorf("filter violated by approximate search: %v", r.Chunk.Meta.SourceType)
		}
	}
}

func TestHNSW_SearchAfterRemoveSource(t *testing.T) {
	f, _ := NewFlat(testIdentity(4))
	f.Add(chunkOf("keep", domain.SourceFile, 0, "keep one"), unit(4, 0))
	f.Add(chunkOf("gone", domain.SourceFile, 0, "stale text"), unit(4, 1))
	f.Add(chunkOf("keep", domain.SourceFile, 1, "keep two"), unit(4, 2))
	h := NewHNSW(f, HNSWOpts{})
	h.Build()

	if n := f.RemoveSource("gone"); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}

	// The graph's slot numbers are stale now; search must rebuild, not panic
	// or serve the removed source.
	got, err := h.Search(unit(4, 1), 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range got {
		if r.Chunk.Meta.SourceID == "gone" {
			t.Errorf("removed chunk returned by approximate search: %q", r.Chunk.ID)
		}
	}

	// Re-ingestion appends fresh chunks for the removed source.
	f.Add(chunkOf("gone", domain.SourceFile, 0, "fresh text"), unit(4, 3))
	h.Build()
	got, err = h.Search(unit(4, 3), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Chunk.Text != "fresh text" {
		t.Fatalf("expected re-ingested chunk as top hit, got %+v", got)
	}
}

func TestHNSW_EmptyGraph(t *testing.T) {
	f, _ := NewFlat(testIdentity(8))
	h := NewHNSW(f, HNSWOpts{})
	got, err := h.Search(unit(8, 0), 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no hits from empty graph, got %d", len(got))
	}
}
