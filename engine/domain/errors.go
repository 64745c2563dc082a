package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline failure taxonomy.
var (
	// ErrUnsupportedSource: no loader accepts the source reference.
	ErrUnsupportedSource = errors.New("unsupported source")
	// ErrExtraction: a loader failed to turn a source into text. Ingestion of
	// that item aborts; other items are unaffected.
	ErrExtraction = errors.New("extraction failed")
	// ErrEmbedding: the embedder rejected the input or the model call failed.
	ErrEmbedding = errors.New("embedding failed")
	// ErrDimensionMismatch: a vector's width differs from the index's pinned
	// dimensionality. Configuration defect, never coerced.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrIdentityMismatch: the stored embedder identity differs from the one
	// supplied at load. Fatal at startup.
	ErrIdentityMismatch = errors.New("embedder identity mismatch")
	// ErrCorruptIndex: persisted index state is unusable and must be rebuilt.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrGeneration: the external generation service failed; retrieved
	// context is still surfaced to the caller.
	ErrGeneration = errors.New("generation failed")
	// ErrEmptyInput: text handed to the embedder was empty after trimming.
	ErrEmptyInput = errors.New("empty input")
)

// ValidationError wraps a sentinel with the field and value that failed.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// SourceError attaches a source ID to a pipeline failure so per-item errors
// stay attributable inside a batch.
type SourceError struct {
	SourceID string
	Stage    string
	Wrapped  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Stage, e.Wrapped)
}

func (e *SourceError) Unwrap() error { return e.Wrapped }
