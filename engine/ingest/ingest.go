// Package ingest runs documents through the validate → chunk → embed → store
// pipeline and feeds it from a NATS subject with retry and DLQ support.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SatchelAI/satchel-mvp/engine/chunker"
	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/embed"
	"github.com/SatchelAI/satchel-mvp/engine/loader"
	"github.com/SatchelAI/satchel-mvp/pkg/fn"
	"github.com/SatchelAI/satchel-mvp/pkg/metrics"
)

// EmbedBatchSize bounds how many chunks go to the embedder per call, so a
// large document never produces an unbounded request.
const EmbedBatchSize = 100

// Store is the subset of the index the pipeline writes to.
type Store interface {
	AddBatch(chunks []domain.Chunk, vecs [][]float32) error
	RemoveSource(sourceID string) int
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Loaders  *loader.Registry
	Embedder embed.Embedder
	Store    Store
	Chunking chunker.Options
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// Validate gates documents entering the pipeline.
var Validate fn.Stage[domain.Document, domain.Document] = func(_ context.Context, doc domain.Document) fn.Result[domain.Document] {
	if err := domain.ValidateDocument(doc); err != nil {
		return fn.Err[domain.Document](err)
	}
	return fn.Ok(doc)
}

// NewChunk creates the chunking stage. Chunk IDs are deterministic UUIDs
// derived from source ID and chunk index, so re-ingesting the same source
// yields the same IDs.
func NewChunk(opts chunker.Options) fn.Stage[domain.Document, ChunkedDoc] {
	return func(_ context.Context, doc domain.Document) fn.Result[ChunkedDoc] {
		chunks := chunker.Split(doc, opts)
		for i := range chunks {
			chunks[i].ID = chunkID(doc.Meta.SourceID, chunks[i].Index)
		}
		return fn.Ok(ChunkedDoc{Doc: doc, Chunks: chunks})
	}
}

func chunkID(sourceID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", sourceID, index))).String()
}

// NewEmbedStore creates the combined embed-and-store stage. Stale chunks for
// the source are removed first, then chunks stream into the index in bounded
// batches. If any batch fails (or the context is cancelled) every chunk
// already stored for the source is rolled back, so the index never holds a
// partially ingested document.
func NewEmbedStore(e embed.Embedder, store Store, log *slog.Logger) fn.Stage[ChunkedDoc, Receipt] {
	return func(ctx context.Context, doc ChunkedDoc) fn.Result[Receipt] {
		sourceID := doc.Doc.Meta.SourceID
		replaced := store.RemoveSource(sourceID)
		if replaced > 0 {
			log.Info("ingest: replacing source", "source_id", sourceID, "stale_chunks", replaced)
		}

		fail := func(stage string, err error) fn.Result[Receipt] {
			if n := store.RemoveSource(sourceID); n > 0 {
				log.Warn("ingest: rolled back partial chunks", "source_id", sourceID, "chunks", n)
			}
			return fn.Err[Receipt](&domain.SourceError{SourceID: sourceID, Stage: stage, Wrapped: err})
		}

		for _, batch := range fn.Chunk(doc.Chunks, EmbedBatchSize) {
			if err := ctx.Err(); err != nil {
				return fail("embed", err)
			}

			texts := fn.Map(batch, func(c domain.Chunk) string { return c.Text })
			vecs, err := e.EmbedBatch(ctx, texts)
			if err != nil {
				return fail("embed", err)
			}
			if err := store.AddBatch(batch, vecs); err != nil {
				return fail("store", err)
			}
		}

		return fn.Ok(Receipt{SourceID: sourceID, Chunks: len(doc.Chunks), Replaced: replaced})
	}
}

// Ingestor owns the composed pipeline.
type Ingestor struct {
	deps        Deps
	pipeline    fn.Stage[domain.Document, Receipt]
	transcripts *loader.Transcript

	documents *metrics.Counter
	chunks    *metrics.Counter
	failures  *metrics.Counter
	duration  *metrics.Histogram
}

// New wires the pipeline from its dependencies.
func New(deps Deps) *Ingestor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	validated := fn.TracedStage("ingest.validate", Validate)
	chunked := fn.TracedStage("ingest.chunk", NewChunk(deps.Chunking))
	stored := fn.TracedStage("ingest.embed_store", NewEmbedStore(deps.Embedder, deps.Store, deps.Logger))
	pipeline := fn.Then(fn.Then(validated, chunked), stored)

	return &Ingestor{
		deps:        deps,
		pipeline:    pipeline,
		transcripts: loader.NewTranscript(),

		documents: deps.Metrics.Counter("ingest_documents_total", "Documents ingested"),
		chunks:    deps.Metrics.Counter("ingest_chunks_total", "Chunks embedded and indexed"),
		failures:  deps.Metrics.Counter("ingest_failures_total", "Documents that failed ingestion"),
		duration:  deps.Metrics.Histogram("ingest_duration_seconds", "Per-document ingestion latency", nil),
	}
}

// Ingest runs one document through the pipeline.
func (in *Ingestor) Ingest(ctx context.Context, doc domain.Document) (Receipt, error) {
	start := time.Now()
	receipt, err := in.pipeline(ctx, doc).Unwrap()
	in.duration.Since(start)
	if err != nil {
		in.failures.Inc()
		return Receipt{}, err
	}
	in.documents.Inc()
	in.chunks.Add(int64(receipt.Chunks))
	in.deps.Logger.Info("ingest: stored",
		"source_id", receipt.SourceID,
		"chunks", receipt.Chunks,
		"replaced", receipt.Replaced,
		"duration", time.Since(start),
	)
	return receipt, nil
}

// IngestRequest loads a source through the registry, then ingests it.
func (in *Ingestor) IngestRequest(ctx context.Context, req loader.Request) (Receipt, error) {
	doc, err := in.deps.Loaders.Load(ctx, req)
	if err != nil {
		in.failures.Inc()
		return Receipt{}, err
	}
	return in.Ingest(ctx, doc)
}
