// Command ask answers a single question from the persisted index: load,
// retrieve, generate, print the answer with its sources.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/embed"
	"github.com/SatchelAI/satchel-mvp/engine/index"
	"github.com/SatchelAI/satchel-mvp/engine/rag"
	"github.com/SatchelAI/satchel-mvp/pkg/config"
	"github.com/SatchelAI/satchel-mvp/pkg/fn"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (defaults apply when empty)")
		k          = flag.Int("k", 0, "number of chunks to retrieve (0 = config default)")
		sourceType = flag.String("source-type", "", "restrict retrieval to one source type")
		noGenerate = flag.Bool("retrieve-only", false, "print retrieved chunks without calling the model")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(log)

	question := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: ask [flags] <question>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	embedder := buildEmbedder(cfg)
	idx, err := index.Load(cfg.Index.Path, embedder.Identity())
	if err != nil {
		if errors.Is(err, domain.ErrIdentityMismatch) {
			fatal("index at %s was built with a different embedder: %v", cfg.Index.Path, err)
		}
		fatal("index: %v (run ingestd first)", err)
	}

	retriever, err := rag.NewRetriever(embedder, rag.IndexSearcher(idx), idx.Identity())
	if err != nil {
		fatal("%v", err)
	}

	query := domain.Query{Text: question, K: *k}
	if query.K == 0 {
		query.K = cfg.Retrieval.K
	}
	if *sourceType != "" {
		query.Filters = map[string]string{"source_type": *sourceType}
	}

	if *noGenerate {
		hits, err := retriever.Retrieve(ctx, query)
		if err != nil {
			fatal("retrieve: %v", err)
		}
		printSources(sourcesFromHits(hits))
		return
	}

	generator := rag.NewOllamaGenerator(rag.OllamaGeneratorOpts{
		BaseURL: cfg.Generator.Endpoint,
		Model:   cfg.Generator.Model,
		Timeout: cfg.Generator.Timeout.Std(),
	})
	svc := rag.NewService(retriever, generator, log)

	answer, err := svc.Ask(ctx, query)
	if err != nil && answer == nil {
		fatal("%v", err)
	}
	if answer.Degraded {
		fmt.Fprintln(os.Stderr, "warning: generation failed, showing retrieved sources only")
	}

	fmt.Println(answer.Text)
	printSources(answer.Sources)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
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

func printSources(sources []rag.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Println("\nSources:")
	for i, s := range sources {
		label := s.SourceID
		if s.Title != "" {
			label = fmt.Sprintf("%s (%s)", s.Title, s.SourceID)
		}
		fmt.Printf("  [%d] %s  score=%.3f\n", i+1, label, s.Score)
	}
}

func sourcesFromHits(hits []index.Result) []rag.Source {
	out := make([]rag.Source, len(hits))
	for i, h := range hits {
		out[i] = rag.Source{
			ID:       h.Chunk.ID,
			SourceID: h.Chunk.Meta.SourceID,
			Title:    h.Chunk.Meta.Title,
			URI:      h.Chunk.Meta.URI,
			Text:     h.Chunk.Text,
			Score:    h.Score,
		}
	}
	return out
}
