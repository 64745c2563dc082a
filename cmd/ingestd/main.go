// Command ingestd is the ingestion daemon: it watches a directory for new
// documents, consumes ingest messages from NATS, runs everything through the
// ingestion pipeline into the persistent vector index, and saves the index
// before shutting down.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SatchelAI/satchel-mvp/engine/chunker"
	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/embed"
	"github.com/SatchelAI/satchel-mvp/engine/index"
	"github.com/SatchelAI/satchel-mvp/engine/ingest"
	"github.com/SatchelAI/satchel-mvp/engine/loader"
	"github.com/SatchelAI/satchel-mvp/engine/semantic"
	"github.com/SatchelAI/satchel-mvp/pkg/config"
	"github.com/SatchelAI/satchel-mvp/pkg/fn"
	"github.com/SatchelAI/satchel-mvp/pkg/metrics"
)

var met = metrics.New()

var (
	mFilesProcessed = met.Counter("satchel_ingestd_files_processed_total", "Files picked up from the watch directory")
	mScanErrors     = met.Counter("satchel_ingestd_scan_errors_total", "Watch directory scan failures")
	mLastScan       = met.Gauge("satchel_ingestd_last_scan_timestamp", "Epoch of last directory scan")
	mIndexSize      = met.Gauge("satchel_ingestd_index_chunks", "Chunks currently in the index")
	mSaveDur        = met.Histogram("satchel_ingestd_save_duration_seconds", "Index save latency", nil)
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (defaults apply when empty)")
		watchDir   = flag.String("dir", "", "directory to watch (overrides config)")
	)
	flag.Parse()

	log := slog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if *watchDir != "" {
		cfg.Watch.Dir = *watchDir
	}

	met.ServeAsync(cfg.Metrics.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	embedder := buildEmbedder(cfg)
	log.Info("embedder ready", "identity", embedder.Identity().String())

	idx, err := loadOrCreateIndex(cfg.Index.Path, embedder.Identity())
	if err != nil {
		log.Error("index load failed", "error", err, "path", cfg.Index.Path)
		os.Exit(1)
	}
	log.Info("index ready", "path", cfg.Index.Path, "chunks", idx.Len())
	mIndexSize.Set(int64(idx.Len()))

	var store ingest.Store = idx
	if cfg.Qdrant.Enabled {
		vs, err := semantic.New(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
		if err != nil {
			log.Error("qdrant connect failed", "error", err)
			os.Exit(1)
		}
		defer vs.Close()
		if err := vs.EnsureCollection(ctx, embedder.Identity().Dimensions); err != nil {
			log.Error("qdrant ensure collection failed", "error", err)
			os.Exit(1)
		}
		store = &mirrorStore{flat: idx, remote: vs, log: log}
		log.Info("mirroring chunks to qdrant", "collection", cfg.Qdrant.Collection)
	}

	ing := ingest.New(ingest.Deps{
		Loaders:  loader.NewRegistry(),
		Embedder: embedder,
		Store:    store,
		Chunking: chunker.Options{MaxSize: cfg.Chunking.MaxSize, Overlap: cfg.Chunking.Overlap},
		Metrics:  met,
		Logger:   log,
	})

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Error("nats connect failed", "error", err, "url", cfg.NATS.URL)
			os.Exit(1)
		}
		defer nc.Close()
		sub, err := ingest.StartConsumer(ctx, nc, ing, log)
		if err != nil {
			log.Error("nats subscribe failed", "error", err)
			os.Exit(1)
		}
		defer sub.Unsubscribe()
		log.Info("consuming ingest messages", "subject", ingest.Subject)
	}

	saveIndex := func() {
		start := time.Now()
		if err := idx.Save(cfg.Index.Path); err != nil {
			log.Error("index save failed", "error", err)
			return
		}
		mSaveDur.Since(start)
		mIndexSize.Set(int64(idx.Len()))
		log.Info("index saved", "chunks", idx.Len(), "duration", time.Since(start))
	}

	if cfg.Watch.Dir != "" {
		os.MkdirAll(cfg.Watch.Dir, 0o755)
		statePath := filepath.Join(cfg.Watch.Dir, ".ingestd-state.json")
		processed := loadState(statePath)
		log.Info("watching for documents", "dir", cfg.Watch.Dir, "interval", cfg.Watch.Interval.Std())

		scan := func() {
			mLastScan.Set(time.Now().Unix())
			changed := scanDir(ctx, cfg.Watch.Dir, ing, processed, log)
			if changed {
				saveState(statePath, processed)
				saveIndex()
			}
		}

		scan()
		ticker := time.NewTicker(cfg.Watch.Interval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("shutting down")
				saveIndex()
				return
			case <-ticker.C:
				scan()
			}
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	saveIndex()
}

func buildEmbedder(cfg config.Config) embed.Embedder {
	if cfg.Embedder.Provider == "hash" {
		return embed.NewHash(cfg.Embedder.Dimensions)
	}
	return embed.NewOllama(embed.OllamaOpts{
		BaseURL:    cfg.Embedder.Endpoint,
		Model:      cfg.Embedder.Model,
		Dimensions: cfg.Embedder.Dimensions,
		Rate:       cfg.Embedder.Rate,
		Burst:      cfg.Embedder.Burst,
		Retry:      fn.DefaultRetry,
	})
}

// loadOrCreateIndex loads the persisted bundle, falling back to an empty
// index when none exists yet. An identity mismatch or corrupt bundle is fatal
// rather than silently rebuilt.
func loadOrCreateIndex(path string, identity domain.EmbedderIdentity) (*index.Flat, error) {
	idx, err := index.Load(path, identity)
	if err == nil {
		return idx, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return index.NewFlat(identity)
	}
	return nil, err
}

// scanDir ingests new files from the watch directory. Text files go through
// the file loader; .json files are treated as transcript records. Returns
// whether anything was ingested.
func scanDir(ctx context.Context, dir string, ing *ingest.Ingestor, processed map[string]bool, log *slog.Logger) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		mScanErrors.Inc()
		log.Error("readdir failed", "error", err, "dir", dir)
		return false
	}

	changed := false
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", e.Name(), info.Size())
		if processed[key] {
			continue
		}

		req := loader.Request{Type: domain.SourceFile, Location: filepath.Join(dir, e.Name())}
		if strings.HasSuffix(e.Name(), ".json") {
			req.Type = domain.SourceTranscript
		}

		receipt, err := ing.IngestRequest(ctx, req)
		if errors.Is(err, domain.ErrUnsupportedSource) {
			processed[key] = true // never going to work, stop retrying
			continue
		}
		if err != nil {
			log.Error("ingest failed, will retry next scan", "file", e.Name(), "error", err)
			continue
		}
		log.Info("file ingested", "file", e.Name(), "chunks", receipt.Chunks, "replaced", receipt.Replaced)
		mFilesProcessed.Inc()
		processed[key] = true
		changed = true
	}
	return changed
}

// mirrorStore writes chunks to the local index and mirrors them to Qdrant.
// The local index is authoritative; mirror failures fail the batch so the two
// stores never diverge silently.
type mirrorStore struct {
	flat   *index.Flat
	remote *semantic.Store
	log    *slog.Logger
}

func (m *mirrorStore) AddBatch(chunks []domain.Chunk, vecs [][]float32) error {
	if err := m.flat.AddBatch(chunks, vecs); err != nil {
		return err
	}
	if err := m.remote.Upsert(context.Background(), chunks, vecs); err != nil {
		return fmt.Errorf("qdrant mirror: %w", err)
	}
	return nil
}

func (m *mirrorStore) RemoveSource(sourceID string) int {
	n := m.flat.RemoveSource(sourceID)
	if err := m.remote.DeleteBySource(context.Background(), sourceID); err != nil {
		m.log.Warn("qdrant mirror delete failed", "source_id", sourceID, "error", err)
	}
	return n
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) {
	data, _ := json.Marshal(m)
	os.WriteFile(path, data, 0o644)
}
