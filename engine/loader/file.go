package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// textExtensions are the file types the file loader extracts directly.
// Anything else needs an upstream converter and is rejected.
var textExtensions = map[string]bool{
	".txt": true, ".text": true, ".md": true, ".markdown": true,
	".rst": true, ".log": true, ".csv": true,
}

// File loads plain-text documents from the local filesystem.
type File struct{}

// NewFile creates a file loader.
func NewFile() *File { return &File{} }

// Load reads and normalizes a text file. The source ID is derived from the
// absolute path so re-ingesting the same file replaces its chunks.
func (l *File) Load(_ context.Context, req Request) (domain.Document, error) {
	ext := strings.ToLower(filepath.Ext(req.Location))
	if !textExtensions[ext] {
		return domain.Document{}, fmt.Errorf("loader: file extension %q: %w", ext, domain.ErrUnsupportedSource)
	}

	data, err := os.ReadFile(req.Location)
	if err != nil {
		return domain.Document{}, fmt.Errorf("loader: read %s: %w: %w", req.Location, domain.ErrExtraction, err)
	}
	if !utf8.Valid(data) {
		return domain.Document{}, fmt.Errorf("loader: %s is not valid UTF-8: %w", req.Location, domain.ErrExtraction)
	}

	abs, err := filepath.Abs(req.Location)
	if err != nil {
		abs = req.Location
	}

	meta := newMeta(domain.SourceFile, "file:"+abs, req.Extra)
	meta.URI = abs
	meta.Title = filepath.Base(req.Location)

	return domain.Document{Text: cleanText(string(data)), Meta: meta}, nil
}
