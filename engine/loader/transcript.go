package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// TranscriptRecord is the interchange format produced by upstream
// transcription tooling. Transcription itself happens outside this engine;
// the loader only normalizes the result and records its provenance.
type TranscriptRecord struct {
	Text     string `json:"text"`
	SourceID string `json:"source_id"`
	Kind     string `json:"kind,omitempty"` // youtube, audio
	URI      string `json:"uri,omitempty"`
	Title    string `json:"title,omitempty"`
	Model    string `json:"transcription_model,omitempty"`
}

var bracketNoise = regexp.MustCompile(`\[(?:Music|Applause|Laughter|Cheering|Inaudible)\]`)
var multiSpace = regexp.MustCompile(`[ \t]+`)

// Transcript loads transcript records written as JSON files.
type Transcript struct{}

// NewTranscript creates a transcript loader.
func NewTranscript() *Transcript { return &Transcript{} }

// Load reads a transcript record and normalizes its text. The record's kind
// decides the source type; a request for youtube or audio with a mismatched
// record kind is an extraction error.
func (l *Transcript) Load(_ context.Context, req Request) (domain.Document, error) {
	data, err := os.ReadFile(req.Location)
	if err != nil {
		return domain.Document{}, fmt.Errorf("loader: read transcript %s: %w: %w", req.Location, domain.ErrExtraction, err)
	}

	var rec TranscriptRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Document{}, fmt.Errorf("loader: parse transcript %s: %w: %w", req.Location, domain.ErrExtraction, err)
	}
	return l.FromRecord(rec, req.Extra)
}

// FromRecord normalizes an in-memory transcript record. Used by callers that
// receive transcripts over the wire instead of from disk.
func (l *Transcript) FromRecord(rec TranscriptRecord, extra map[string]string) (domain.Document, error) {
	if strings.TrimSpace(rec.Text) == "" {
		return domain.Document{}, fmt.Errorf("loader: transcript %s has no text: %w", rec.SourceID, domain.ErrExtraction)
	}
	if rec.SourceID == "" {
		return domain.Document{}, fmt.Errorf("loader: transcript missing source_id: %w", domain.ErrExtraction)
	}

	t := domain.SourceTranscript
	switch rec.Kind {
	case "youtube":
		t = domain.SourceYouTube
	case "audio":
		t = domain.SourceAudio
	case "", "transcript":
	default:
		return domain.Document{}, fmt.Errorf("loader: transcript kind %q: %w", rec.Kind, domain.ErrUnsupportedSource)
	}

	meta := newMeta(t, rec.SourceID, extra)
	meta.URI = rec.URI
	meta.Title = rec.Title
	if rec.Model != "" {
		if meta.Extra == nil {
			meta.Extra = make(map[string]string)
		}
		meta.Extra["transcription_model"] = rec.Model
	}

	return domain.Document{Text: cleanTranscript(rec.Text), Meta: meta}, nil
}

// cleanTranscript strips caption noise markers and collapses runs of spaces
// before the shared line-level cleanup.
func cleanTranscript(text string) string {
	text = bracketNoise.ReplaceAllString(text, "")
	text = multiSpace.ReplaceAllString(text, " ")
	return cleanText(text)
}
