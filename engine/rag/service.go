package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/index"
	"github.com/SatchelAI/satchel-mvp/pkg/fn"
)

// NoContextAnswer is returned without calling the model when retrieval finds
// nothing to ground an answer on.
const NoContextAnswer = "I could not find relevant information in the knowledge base to answer this question."

// Answer is the structured response to a question. Degraded means generation
// failed but the retrieved sources are still usable.
type Answer struct {
	Text     string   `json:"text"`
	Sources  []Source `json:"sources"`
	Model    string   `json:"model,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Source is a citation backing an answer.
type Source struct {
	ID       string  `json:"id"`
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	URI      string  `json:"uri,omitempty"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
}

// Service runs retrieve-then-generate.
type Service struct {
	retriever *Retriever
	generator Generator
	logger    *slog.Logger
}

// NewService wires the answer service.
func NewService(r *Retriever, g Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{retriever: r, generator: g, logger: logger}
}

// Ask answers a question from the knowledge base. When generation fails the
// returned Answer still carries the retrieved sources, marked degraded, and
// the error wraps domain.ErrGeneration so callers can tell the two apart.
func (s *Service) Ask(ctx context.Context, q domain.Query) (*Answer, error) {
	start := time.Now()

	hits, err := s.retriever.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	s.logger.Info("rag: retrieved", "question_len", len(q.Text), "hits", len(hits))

	if len(hits) == 0 {
		return &Answer{Text: NoContextAnswer}, nil
	}

	sources := toSources(hits)
	text, err := s.generator.Generate(ctx, q.Text, contextBlocks(hits))
	if err != nil {
		s.logger.Error("rag: generation failed, returning sources only", "error", err)
		degraded := &Answer{
			Text:     "Answer generation is unavailable. The most relevant sources are listed below.",
			Sources:  sources,
			Degraded: true,
		}
		if !errors.Is(err, domain.ErrGeneration) {
			err = fmt.Errorf("rag: %w: %w", domain.ErrGeneration, err)
		}
		return degraded, err
	}

	s.logger.Info("rag: answered", "sources", len(sources), "duration", time.Since(start))
	return &Answer{Text: text, Sources: sources, Model: s.generator.Model()}, nil
}

// contextBlocks formats hits as numbered source blocks for the prompt.
func contextBlocks(hits []index.Result) []string {
	blocks := make([]string, len(hits))
	for i, h := range hits {
		label := h.Chunk.Meta.SourceID
		if h.Chunk.Meta.Title != "" {
			label = fmt.Sprintf("%s (%s)", h.Chunk.Meta.Title, h.Chunk.Meta.SourceID)
		}
		blocks[i] = fmt.Sprintf("[%d] Source: %s\n%s", i+1, label, strings.TrimSpace(h.Chunk.Text))
	}
	return blocks
}

func toSources(hits []index.Result) []Source {
	return fn.Map(hits, func(h index.Result) Source {
		return Source{
			ID:       h.Chunk.ID,
			SourceID: h.Chunk.Meta.SourceID,
			Title:    h.Chunk.Meta.Title,
			URI:      h.Chunk.Meta.URI,
			Text:     h.Chunk.Text,
			Score:    h.Score,
		}
	})
}
