// Package chunker splits normalized documents into overlapping, size-bounded
// chunks for embedding. Splitting prefers semantic boundaries (paragraph,
// sentence, whitespace, in that order) and falls back to a hard cut only when
// no boundary exists within the window.
package chunker

import (
	"iter"
	"unicode"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

const (
	// DefaultMaxSize bounds a chunk's length in runes.
	DefaultMaxSize = 900
	// DefaultOverlap is how many trailing runes repeat at the start of the
	// next chunk to preserve cross-boundary context.
	DefaultOverlap = 120
)

// Options configures a split.
type Options struct {
	MaxSize int
	Overlap int
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.MaxSize {
		o.Overlap = o.MaxSize / 4
	}
	return o
}

// Chunks returns a lazy, restartable sequence of chunks in document order.
// Chunk text is an exact substring of the document, so concatenating chunks
// with the overlap regions removed reproduces the document text. An empty
// document yields nothing.
func Chunks(doc domain.Document, opts Options) iter.Seq[domain.Chunk] {
	opts = opts.withDefaults()
	return func(yield func(domain.Chunk) bool) {
		runes := []rune(doc.Text)
		if len(runes) == 0 {
			return
		}

		pos, idx := 0, 0
		for pos < len(runes) {
			end := pos + opts.MaxSize
			if end >= len(runes) {
				end = len(runes)
			} else {
				end = cutPoint(runes, pos, end)
			}

			if !yield(domain.Chunk{
				Text:   string(runes[pos:end]),
				Index:  idx,
				Offset: pos,
				Meta:   doc.Meta,
			}) {
				return
			}
			idx++

			if end == len(runes) {
				return
			}
			next := end - opts.Overlap
			if next <= pos {
				next = end
			}
			pos = next
		}
	}
}

// Split collects Chunks into a slice.
func Split(doc domain.Document, opts Options) []domain.Chunk {
	var out []domain.Chunk
	for c := range Chunks(doc, opts) {
		out = append(out, c)
	}
	return out
}

// cutPoint finds where to end the chunk starting at pos whose window closes
// at limit. Boundary priority: paragraph break, sentence end, whitespace,
// then a hard cut at the window limit.
func cutPoint(runes []rune, pos, limit int) int {
	// Paragraph: cut just after the last blank line in the window.
	for i := limit - 1; i > pos; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	// Sentence: cut after terminal punctuation followed by a space.
	for i := limit - 1; i > pos; i-- {
		if isSentenceEnd(runes[i-1]) && unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	// Whitespace: cut after the last space in the window.
	for i := limit - 1; i > pos; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return limit
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
