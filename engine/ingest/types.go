package ingest

import (
	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/loader"
)

// ChunkedDoc is a document split into embeddable chunks with assigned IDs.
type ChunkedDoc struct {
	Doc    domain.Document
	Chunks []domain.Chunk
}

// Receipt summarizes a completed ingestion of one document.
type Receipt struct {
	SourceID string `json:"source_id"`
	Chunks   int    `json:"chunks"`
	Replaced int    `json:"replaced"` // stale chunks removed before re-ingestion
}

// Message is the wire format consumed from the ingest subject. Either the
// request points at a source to load, or an inline transcript record carries
// the text directly. Attempt counts redeliveries of a failed message.
type Message struct {
	Request    loader.Request           `json:"request"`
	Transcript *loader.TranscriptRecord `json:"transcript,omitempty"`
	Attempt    int                      `json:"attempt,omitempty"`
}
