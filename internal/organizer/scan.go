package organizer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"filesense/internal/model"
)

// ScanRequest selects what to scan. Empty Extensions uses the configured allow-list.
type ScanRequest struct {
	Roots      []string
	Extensions []string
}

// ScanError is a per-entry problem that did not stop the scan.
type ScanError struct {
	Path string
	Err  error
}

func (e ScanError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

// ScanResult summarizes one scan.
type ScanResult struct {
	Roots     []string
	Found     int // matching files seen on disk
	New       int
	Changed   int // fingerprint differs from the stored record
	Unchanged int
	Absent    int // records newly marked absent
	Errors    []ScanError
}

type scanCandidate struct {
	root     string
	entry    WalkEntry
	existing *model.FileRecord

	// filled by hashing workers
	fingerprint string
	snippet     string
	err         error
}

// Scan enumerates matching files under the roots and upserts them.
// Every root is resolved and listed before the datastore is touched; an
// unreadable root fails the whole scan with ErrUnreadableRoot.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (result *ScanResult, err error) {
	ctx, span := s.startSpan(ctx, "Scan")
	defer func() { endSpan(span, err) }()

	if len(req.Roots) == 0 {
		return nil, WrapError(ErrUnreadableRoot, "scan", errors.New("no roots given"))
	}
	if _, err := s.workflow.Require("scan", PhaseUninitialized, PhaseReady, PhaseScanning, PhaseCacheLookup,
		PhaseClassifying, PhasePlanReady, PhaseReviewing, PhaseComplete); err != nil {
		return nil, err
	}

	extensions := s.opts.Extensions
	if len(req.Extensions) > 0 {
		extensions = Options{Extensions: req.Extensions}.normalize().Extensions
	}

	roots := make([]*Path, 0, len(req.Roots))
	for _, raw := range req.Roots {
		p, err := s.fsmgr.Resolve(raw)
		if err != nil {
			return nil, WrapError(ErrUnreadableRoot, "scan", err)
		}
		if !p.IsDir() {
			return nil, WrapError(ErrUnreadableRoot, "scan", fmt.Errorf("not a directory: %s", p))
		}
		roots = append(roots, p)
	}

	result = &ScanResult{}
	for _, r := range roots {
		result.Roots = append(result.Roots, r.String())
	}
	destination := s.destinationFor(result.Roots)

	candidates, err := s.collect(roots, extensions, destination, result)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("scan.found", len(candidates)))
	s.publisher.Publish(Event{Type: EventFilesFound, Data: map[string]any{"count": len(candidates)}})

	if _, err := s.workflow.StartOver(); err != nil {
		return nil, err
	}
	if _, err := s.workflow.Fire(EvBeginScan, ""); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		existing, err := s.db.FindFileByPath(c.entry.Path)
		if err != nil {
			return nil, fmt.Errorf("finding file record: %w", err)
		}
		c.existing = existing
	}

	if err := s.fingerprintAll(ctx, candidates); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.entry.Path] = true
		if err := s.storeCandidate(c, result); err != nil {
			return nil, err
		}
	}

	for _, root := range result.Roots {
		if err := s.markVanished(root, seen, result); err != nil {
			return nil, err
		}
	}

	s.metrics.FilesScanned(result.Found)
	s.logger.Info("scan complete",
		"roots", len(result.Roots), "found", result.Found, "new", result.New,
		"changed", result.Changed, "absent", result.Absent, "errors", len(result.Errors))
	s.publisher.Publish(Event{Type: EventScanComplete, Data: map[string]any{
		"found": result.Found, "new": result.New, "changed": result.Changed,
		"unchanged": result.Unchanged, "absent": result.Absent, "errors": len(result.Errors),
	}})

	if _, err := s.workflow.Fire(EvScanComplete, ""); err != nil {
		return nil, err
	}
	return result, nil
}

// collect walks every root and returns deduplicated candidates ordered by path.
func (s *Service) collect(roots []*Path, extensions []string, destination string, result *ScanResult) ([]*scanCandidate, error) {
	byPath := make(map[string]*scanCandidate)
	for _, root := range roots {
		opts := WalkOptions{
			MaxDepth:      s.opts.MaxDepth,
			IncludeHidden: s.opts.IncludeHidden,
			Skip: func(rel string, isDir bool) bool {
				abs := filepath.Join(root.String(), filepath.FromSlash(rel))
				if destination != "" && (abs == destination || strings.HasPrefix(abs, destination+string(filepath.Separator))) {
					return true
				}
				return s.exclude.Match(rel)
			},
		}
		visit := func(e WalkEntry) error {
			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(e.Path), "."))
			if ext == "" || !slices.Contains(extensions, ext) {
				return nil
			}
			if _, dup := byPath[e.Path]; !dup {
				byPath[e.Path] = &scanCandidate{root: root.String(), entry: e}
			}
			return nil
		}
		onError := func(path string, err error) {
			s.logger.Warn("scan entry skipped", "path", path, "error", err)
			result.Errors = append(result.Errors, ScanError{Path: path, Err: err})
		}
		if err := s.fsmgr.Walk(root, opts, visit, onError); err != nil {
			return nil, WrapError(ErrUnreadableRoot, "scan", err)
		}
	}

	candidates := make([]*scanCandidate, 0, len(byPath))
	for _, c := range byPath {
		candidates = append(candidates, c)
	}
	slices.SortFunc(candidates, func(a, b *scanCandidate) int { return strings.Compare(a.entry.Path, b.entry.Path) })
	result.Found = len(candidates)
	return candidates, nil
}

// unchanged reports whether a known, present record still matches the entry's size and mtime.
func (c *scanCandidate) unchanged() bool {
	return c.existing != nil && !c.existing.Absent &&
		c.existing.Size == c.entry.Info.Size() &&
		c.existing.ModifiedAt.Equal(c.entry.Info.ModTime().UTC())
}

// fingerprintAll hashes changed candidates on a bounded worker pool.
// Per-file failures are stored on the candidate; only ctx cancellation aborts.
func (s *Service) fingerprintAll(ctx context.Context, candidates []*scanCandidate) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, c := range candidates {
		if c.unchanged() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.fingerprint, c.err = s.fingerprint(c.entry)
			if c.err != nil {
				return nil
			}
			if c.existing == nil || c.existing.Fingerprint != c.fingerprint {
				c.snippet = s.snippet(gctx, c.entry)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fingerprinting files: %w", err)
	}
	return nil
}

// fingerprint hashes the file and verifies it did not change while being read.
func (s *Service) fingerprint(e WalkEntry) (string, error) {
	r, err := s.fsmgr.Open(e.Path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer r.Close()

	h := sha256.New()
	var src io.Reader = r
	if s.opts.HashLimit > 0 {
		src = io.LimitReader(r, s.opts.HashLimit)
	}
	if _, err := io.Copy(h, src); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(e.Info.Size()))
	h.Write(size[:])

	after, err := s.fsmgr.Stat(e.Path)
	if err != nil {
		return "", fmt.Errorf("re-stat file: %w", err)
	}
	if err := validateUnchanged(e.Info, after); err != nil {
		return "", fmt.Errorf("file changed during hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validateUnchanged(before, after fs.FileInfo) error {
	if before.Size() != after.Size() {
		return fmt.Errorf("size changed: %d -> %d", before.Size(), after.Size())
	}
	if !before.ModTime().Equal(after.ModTime()) {
		return fmt.Errorf("modification time changed: %v -> %v", before.ModTime(), after.ModTime())
	}
	return nil
}

// snippet extracts the classifier excerpt. Extraction failures are logged
// and yield an empty snippet; the filename alone still classifies.
func (s *Service) snippet(ctx context.Context, e WalkEntry) string {
	if s.extractor == nil {
		return ""
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(e.Path), "."))
	text, err := s.extractor.Extract(ctx, e.Path, ext, s.opts.SnippetChars)
	if err != nil {
		s.logger.Warn("snippet extraction failed", "path", e.Path, "error", err)
		return ""
	}
	return text
}

// SnippetHash returns the cache-key hash of a snippet; an empty snippet hashes to "".
func SnippetHash(snippet string) string {
	if snippet == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(snippet))
	return hex.EncodeToString(sum[:])
}

func (s *Service) storeCandidate(c *scanCandidate, result *ScanResult) error {
	now := s.clock.Now()

	if c.unchanged() {
		result.Unchanged++
		if err := s.db.TouchFile(c.existing.ID, now); err != nil {
			return fmt.Errorf("touching file record: %w", err)
		}
		return nil
	}
	if c.err != nil {
		s.logger.Warn("scan entry skipped", "path", c.entry.Path, "error", c.err)
		result.Errors = append(result.Errors, ScanError{Path: c.entry.Path, Err: c.err})
		return nil
	}

	rec := c.existing
	switch {
	case rec == nil:
		result.New++
		rec = &model.FileRecord{
			Path:         c.entry.Path,
			Status:       model.FileStatusPending,
			DiscoveredAt: now,
		}
	case rec.Fingerprint != c.fingerprint:
		result.Changed++
		rec.Status = model.FileStatusPending
	default:
		// Only metadata moved (e.g. touch); the cache entry stays valid.
		result.Unchanged++
	}

	if rec.Fingerprint != c.fingerprint {
		rec.Fingerprint = c.fingerprint
		rec.Snippet = c.snippet
		rec.SnippetHash = SnippetHash(c.snippet)
	}
	rec.Root = c.root
	rec.Filename = filepath.Base(c.entry.Path)
	rec.Extension = strings.ToLower(strings.TrimPrefix(filepath.Ext(c.entry.Path), "."))
	rec.Size = c.entry.Info.Size()
	rec.ModifiedAt = c.entry.Info.ModTime().UTC()
	rec.Absent = false
	rec.LastScannedAt = now

	if err := s.db.UpsertFile(rec); err != nil {
		return fmt.Errorf("storing file record: %w", err)
	}
	return nil
}

// markVanished flags records under root that were not seen and no longer exist.
// Records of files that still exist but were filtered out are left alone.
func (s *Service) markVanished(root string, seen map[string]bool, result *ScanResult) error {
	records, err := s.db.ListFilesUnder(root)
	if err != nil {
		return fmt.Errorf("listing file records: %w", err)
	}
	for _, rec := range records {
		if rec.Absent || seen[rec.Path] {
			continue
		}
		if _, err := s.fsmgr.Stat(rec.Path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := s.db.MarkFileAbsent(rec.ID); err != nil {
			return fmt.Errorf("marking file absent: %w", err)
		}
		result.Absent++
	}
	return nil
}
