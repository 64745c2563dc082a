// Package loader normalizes heterogeneous sources into domain.Documents:
// plain text plus structured provenance. Each loader owns one source family;
// the Registry dispatches by source type.
package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// Request identifies a source to load. Location is a file path for file
// sources, a URL for web sources, and a transcript record path for
// youtube/audio sources.
type Request struct {
	Type     domain.SourceType
	Location string
	Extra    map[string]string
}

// Loader turns a source reference into a normalized document. Implementations
// return an error wrapping domain.ErrExtraction when the source exists but
// cannot be turned into text.
type Loader interface {
	Load(ctx context.Context, req Request) (domain.Document, error)
}

// Registry dispatches load requests to the loader registered for each source
// type.
type Registry struct {
	loaders map[domain.SourceType]Loader
}

// NewRegistry builds a registry with the standard loaders: file, web, and
// transcript (serving youtube, audio, and transcript types).
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[domain.SourceType]Loader)}
	r.Register(domain.SourceFile, NewFile())
	r.Register(domain.SourceText, NewFile())
	r.Register(domain.SourceWeb, NewWeb(WebOpts{}))

	t := NewTranscript()
	r.Register(domain.SourceYouTube, t)
	r.Register(domain.SourceAudio, t)
	r.Register(domain.SourceTranscript, t)
	return r
}

// Register sets the loader for a source type, replacing any previous one.
func (r *Registry) Register(t domain.SourceType, l Loader) {
	r.loaders[t] = l
}

// Load dispatches to the registered loader. An unregistered type reports
// domain.ErrUnsupportedSource.
func (r *Registry) Load(ctx context.Context, req Request) (domain.Document, error) {
	l, ok := r.loaders[req.Type]
	if !ok {
		return domain.Document{}, fmt.Errorf("loader: type %q: %w", req.Type, domain.ErrUnsupportedSource)
	}
	return l.Load(ctx, req)
}

// cleanText drops noise lines (three or fewer non-space characters, typical
// of page numbers and extraction artifacts) while preserving paragraph
// boundaries for the chunker.
func cleanText(text string) string {
	var b strings.Builder
	pendingBreak := false
	wrote := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			pendingBreak = wrote
			continue
		}
		if len(strings.Join(strings.Fields(trimmed), "")) <= 3 {
			continue
		}
		if pendingBreak {
			b.WriteString("\n\n")
			pendingBreak = false
		} else if wrote {
			b.WriteString("\n")
		}
		b.WriteString(trimmed)
		wrote = true
	}
	return b.String()
}

func newMeta(t domain.SourceType, sourceID string, extra map[string]string) domain.SourceMeta {
	m := domain.SourceMeta{
		SourceType: t,
		SourceID:   sourceID,
		IngestedAt: time.Now().UTC(),
	}
	if len(extra) > 0 {
		m.Extra = make(map[string]string, len(extra))
		for k, v := range extra {
			m.Extra[k] = v
		}
	}
	return m
}
