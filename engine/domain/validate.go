package domain

import "errors"

// Validation sentinels.
var (
	ErrEmptyDocument     = errors.New("document text is empty")
	ErrMissingSourceID   = errors.New("source_id is empty")
	ErrUnknownSourceType = errors.New("unknown source type")
)

// ValidateDocument checks a Document before it enters the ingestion pipeline.
func ValidateDocument(doc Document) error {
	if doc.Text == "" {
		return NewValidationError("text", "", ErrEmptyDocument)
	}
	if doc.Meta.SourceID == "" {
		return NewValidationError("source_id", "", ErrMissingSourceID)
	}
	if !ValidSourceTypes[doc.Meta.SourceType] {
		return NewValidationError("source_type", string(doc.Meta.SourceType), ErrUnknownSourceType)
	}
	return nil
}

// ValidateQuery checks a Query before retrieval.
func ValidateQuery(q Query) error {
	if q.Text == "" {
		return NewValidationError("text", "", ErrEmptyDocument)
	}
	if q.K < 0 {
		return NewValidationError("k", "negative", errors.New("k must be >= 0"))
	}
	return nil
}
