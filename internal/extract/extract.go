// Package extract produces the short text excerpts the classifier sees.
// Each supported extension maps to a reader that stops as soon as enough
// text has been collected, so large documents are never read in full.
package extract

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"filesense/internal/organizer"
)

// errFull stops a reader once the snippet is complete.
var errFull = errors.New("snippet full")

// Func extracts text from the file at path into b.
type Func func(ctx context.Context, path string, b *Builder) error

// Extractor dispatches on the lowercase extension.
type Extractor struct {
	funcs map[string]Func
}

var _ organizer.SnippetExtractor = (*Extractor)(nil)

// New returns an Extractor covering plain text, PDF, XLSX, DOCX and PPTX.
func New() *Extractor {
	e := &Extractor{funcs: make(map[string]Func)}
	for _, ext := range []string{"txt", "md", "csv", "json", "xml", "eml", "rtf"} {
		e.Register(ext, extractText)
	}
	e.Register("html", extractHTML)
	e.Register("pdf", extractPDF)
	e.Register("xlsx", extractXLSX)
	e.Register("docx", extractDOCX)
	e.Register("pptx", extractPPTX)
	return e
}

// Register installs fn for ext, replacing any existing entry.
func (e *Extractor) Register(ext string, fn Func) {
	e.funcs[strings.ToLower(strings.TrimPrefix(ext, "."))] = fn
}

// Supports reports whether ext has an extractor.
func (e *Extractor) Supports(ext string) bool {
	_, ok := e.funcs[strings.ToLower(ext)]
	return ok
}

// Extract returns at most maxChars characters with whitespace collapsed.
// Unsupported extensions yield "" and no error.
func (e *Extractor) Extract(ctx context.Context, path, ext string, maxChars int) (string, error) {
	fn, ok := e.funcs[strings.ToLower(ext)]
	if !ok || maxChars <= 0 {
		return "", nil
	}
	b := NewBuilder(maxChars)
	if err := fn(ctx, path, b); err != nil && !errors.Is(err, errFull) {
		return "", err
	}
	return strings.TrimRight(b.String(), " "), nil
}

// Builder accumulates normalized text up to a rune limit. Runs of
// whitespace and control characters collapse to a single space.
type Builder struct {
	sb      strings.Builder
	limit   int
	n       int
	pending bool // a separator is owed before the next visible rune
}

// NewBuilder returns a Builder that holds at most limit runes.
func NewBuilder(limit int) *Builder {
	return &Builder{limit: limit}
}

// WriteString appends s and returns errFull once the limit is reached.
func (b *Builder) WriteString(s string) error {
	for _, r := range s {
		if b.n >= b.limit {
			return errFull
		}
		if r == utf8.RuneError || unicode.IsSpace(r) || unicode.IsControl(r) {
			if b.n > 0 {
				b.pending = true
			}
			continue
		}
		if b.pending {
			b.sb.WriteByte(' ')
			b.n++
			b.pending = false
			if b.n >= b.limit {
				return errFull
			}
		}
		b.sb.WriteRune(r)
		b.n++
	}
	if b.n >= b.limit {
		return errFull
	}
	return nil
}

// Break separates the next write from the previous one.
func (b *Builder) Break() {
	if b.n > 0 {
		b.pending = true
	}
}

// Full reports whether the limit has been reached.
func (b *Builder) Full() bool {
	return b.n >= b.limit
}

func (b *Builder) String() string {
	return b.sb.String()
}
