// Package domain defines the core types, error taxonomy, and validation for
// the Satchel engine pipeline. It acts as the validation gate at pipeline
// entry points.
package domain

import (
	"fmt"
	"time"
)

// SourceType classifies where a document's text came from.
type SourceType string

const (
	SourcePDF        SourceType = "pdf"
	SourceWeb        SourceType = "web"
	SourceYouTube    SourceType = "youtube"
	SourceAudio      SourceType = "audio"
	SourceFile       SourceType = "file"
	SourceText       SourceType = "text"
	SourceTranscript SourceType = "transcript"
)

// ValidSourceTypes is the set of recognised source types.
var ValidSourceTypes = map[SourceType]bool{
	SourcePDF: true, SourceWeb: true, SourceYouTube: true,
	SourceAudio: true, SourceFile: true, SourceText: true,
	SourceTranscript: true,
}

// SourceMeta carries the provenance of a document. Known fields are typed;
// loader-specific fields go into Extra so they stay filterable without the
// core depending on them.
type SourceMeta struct {
	SourceType SourceType        `json:"source_type"`
	SourceID   string            `json:"source_id"`
	URI        string            `json:"uri,omitempty"`
	Title      string            `json:"title,omitempty"`
	IngestedAt time.Time         `json:"ingested_at"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Field returns the value of a metadata field by name, looking at the typed
// fields first and falling back to Extra.
func (m SourceMeta) Field(key string) (string, bool) {
	switch key {
	case "source_type":
		return string(m.SourceType), true
	case "source_id":
		return m.SourceID, true
	case "uri":
		return m.URI, true
	case "title":
		return m.Title, true
	}
	v, ok := m.Extra[key]
	return v, ok
}

// Matches reports whether the metadata satisfies every filter predicate.
// An empty filter map matches everything.
func (m SourceMeta) Matches(filters map[string]string) bool {
	for k, want := range filters {
		got, ok := m.Field(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Document is a normalized unit of source text plus provenance. Documents are
// immutable once created by a loader.
type Document struct {
	Text string     `json:"text"`
	Meta SourceMeta `json:"meta"`
}

// Chunk is a bounded span of a document's text with inherited provenance,
// ready for embedding. Offset is the rune offset of the chunk within the
// source document; Index is its position in document order.
type Chunk struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Index  int        `json:"index"`
	Offset int        `json:"offset"`
	Meta   SourceMeta `json:"meta"`
}

// Query is a caller-supplied question with optional metadata filters.
// Queries are transient and never persisted.
type Query struct {
	Text    string            `json:"text"`
	K       int               `json:"k"`
	Filters map[string]string `json:"filters,omitempty"`
}

// EmbedderIdentity fingerprints the exact embedding function used to populate
// an index: model name, output dimensionality, and whether vectors are
// L2-normalized. An index may only be queried with a matching identity.
type EmbedderIdentity struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Normalized bool   `json:"normalized"`
}

// Equal reports whether two identities are interchangeable.
func (id EmbedderIdentity) Equal(other EmbedderIdentity) bool {
	return id.Model == other.Model &&
		id.Dimensions == other.Dimensions &&
		id.Normalized == other.Normalized
}

func (id EmbedderIdentity) String() string {
	return fmt.Sprintf("%s/dim=%d/normalized=%t", id.Model, id.Dimensions, id.Normalized)
}
