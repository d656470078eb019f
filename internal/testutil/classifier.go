package testutil

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"filesense/internal/organizer"
)

// StubClassifier answers classification requests from a table keyed by filename.
// Safe for concurrent use.
type StubClassifier struct {
	mu sync.Mutex

	VersionID string
	// Results maps a filename to its answer. FileID is filled in per request.
	Results map[string]organizer.ClassifyResult
	// Default answers files missing from Results; nil omits them from the response.
	Default *organizer.ClassifyResult
	// Errs are returned by successive calls before any call succeeds.
	Errs []error
	// Block, when set, is waited on by every call before answering.
	Block chan struct{}

	calls   int
	batches [][]organizer.ClassifyFile
}

// NewStubClassifier returns a classifier that files everything under Work
// with confidence 0.9.
func NewStubClassifier() *StubClassifier {
	return &StubClassifier{
		VersionID: "stub-v1",
		Results:   make(map[string]organizer.ClassifyResult),
		Default: &organizer.ClassifyResult{
			Category:     organizer.CategoryWork,
			Confidence:   0.9,
			DocumentType: "Unknown",
		},
	}
}

// Set registers the answer for filename.
func (c *StubClassifier) Set(filename, category, subcategory string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Results[filename] = organizer.ClassifyResult{
		Category:     category,
		Subcategory:  subcategory,
		Confidence:   confidence,
		DocumentType: "Unknown",
	}
}

// FailNext queues errors for the next calls.
func (c *StubClassifier) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errs = append(c.Errs, errs...)
}

func (c *StubClassifier) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.VersionID
}

func (c *StubClassifier) Classify(ctx context.Context, files []organizer.ClassifyFile) ([]organizer.ClassifyResult, error) {
	c.mu.Lock()
	block := c.Block
	c.calls++
	c.batches = append(c.batches, files)
	if len(c.Errs) > 0 {
		err := c.Errs[0]
		c.Errs = c.Errs[1:]
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []organizer.ClassifyResult
	for _, f := range files {
		r, ok := c.Results[f.Filename]
		if !ok {
			if c.Default == nil {
				continue
			}
			r = *c.Default
		}
		r.FileID = f.FileID
		out = append(out, r)
	}
	return out, nil
}

// Calls returns the number of Classify calls.
func (c *StubClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Batches returns the files sent in each call.
func (c *StubClassifier) Batches() [][]organizer.ClassifyFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]organizer.ClassifyFile, len(c.batches))
	copy(out, c.batches)
	return out
}

// StubExtractor returns the file content itself, truncated, for text-like
// extensions and nothing for the rest.
type StubExtractor struct {
	mu     sync.Mutex
	fsmgr  *MockFilesystemManager
	errs   map[string]error
	called int
}

// NewStubExtractor reads content through fsmgr.
func NewStubExtractor(fsmgr *MockFilesystemManager) *StubExtractor {
	return &StubExtractor{fsmgr: fsmgr, errs: make(map[string]error)}
}

// FailOn makes extraction of path fail.
func (e *StubExtractor) FailOn(path string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[filepath.Clean(path)] = err
}

// Called returns the number of Extract calls.
func (e *StubExtractor) Called() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.called
}

func (e *StubExtractor) Extract(_ context.Context, path, ext string, maxChars int) (string, error) {
	e.mu.Lock()
	e.called++
	err := e.errs[filepath.Clean(path)]
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	switch ext {
	case "txt", "md", "csv":
	default:
		return "", nil
	}
	data, ok := e.fsmgr.ReadFile(path)
	if !ok {
		return "", nil
	}
	text := strings.TrimSpace(string(data))
	if r := []rune(text); len(r) > maxChars {
		text = string(r[:maxChars])
	}
	return text, nil
}

var (
	_ organizer.Classifier       = (*StubClassifier)(nil)
	_ organizer.SnippetExtractor = (*StubExtractor)(nil)
)
