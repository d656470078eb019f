package organizer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"filesense/internal/model"
)

// CacheReport summarizes a cache lookup pass.
type CacheReport struct {
	Checked      int
	Hits         int
	Misses       int
	Unclassified int // failed earlier; waiting for an explicit retry
}

// LookupCache resolves every present file against the classification cache
// for the current classifier version. Hits are marked classified without any
// external call; misses are left pending for the batcher. A file whose stored
// classification no longer matches (new content or classifier version) is
// moved back to pending.
func (s *Service) LookupCache(ctx context.Context) (report *CacheReport, err error) {
	_, span := s.startSpan(ctx, "LookupCache")
	defer func() { endSpan(span, err) }()

	phase, err := s.workflow.Require("cache lookup", PhaseCacheLookup, PhaseClassifying, PhasePlanReady, PhaseReviewing)
	if err != nil {
		return nil, err
	}

	files, err := s.db.ListPresentFiles()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	report = &CacheReport{}
	version := s.classifier.Version()
	for _, f := range files {
		if f.Status == model.FileStatusUnclassified {
			report.Unclassified++
			continue
		}
		report.Checked++
		hit, err := s.db.FindClassification(f.Key(version))
		if err != nil {
			return nil, fmt.Errorf("looking up classification: %w", err)
		}
		s.metrics.CacheLookup(hit != nil)
		if hit != nil {
			report.Hits++
			if f.Status != model.FileStatusClassified || f.ClassifiedFingerprint != f.Fingerprint {
				if err := s.db.SetFileStatus(f.ID, model.FileStatusClassified, f.Fingerprint); err != nil {
					return nil, fmt.Errorf("marking file classified: %w", err)
				}
			}
			continue
		}
		report.Misses++
		if f.Status != model.FileStatusPending {
			if err := s.db.SetFileStatus(f.ID, model.FileStatusPending, ""); err != nil {
				return nil, fmt.Errorf("marking file pending: %w", err)
			}
		}
	}

	span.SetAttributes(attribute.Int("cache.hits", report.Hits), attribute.Int("cache.misses", report.Misses))
	s.logger.Info("cache lookup complete", "checked", report.Checked, "hits", report.Hits, "misses", report.Misses)
	s.publisher.Publish(Event{Type: EventCacheLookup, Data: map[string]any{
		"checked": report.Checked, "hits": report.Hits, "misses": report.Misses,
	}})

	if phase == PhaseCacheLookup {
		if _, err := s.workflow.Fire(EvLookupComplete, ""); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// cachedClassification returns the cache entry for f under the current
// classifier version, or nil.
func (s *Service) cachedClassification(f *model.FileRecord) (*model.Classification, error) {
	c, err := s.db.FindClassification(f.Key(s.classifier.Version()))
	if err != nil {
		return nil, fmt.Errorf("looking up classification: %w", err)
	}
	return c, nil
}

// storeClassification caches a validated result and marks the file classified.
func (s *Service) storeClassification(f *model.FileRecord, r ClassifyResult) error {
	c := &model.Classification{
		Fingerprint:       f.Fingerprint,
		SnippetHash:       f.SnippetHash,
		ClassifierVersion: s.classifier.Version(),
		Category:          r.Category,
		Subcategory:       r.Subcategory,
		Tags:              r.Tags,
		Summary:           r.Summary,
		Confidence:        r.Confidence,
		SuggestedFolder:   r.SuggestedFolder,
		Entity:            r.Entity,
		DocumentType:      r.DocumentType,
		ClassifiedAt:      s.clock.Now(),
	}
	if err := s.db.PutClassification(c); err != nil {
		return fmt.Errorf("caching classification: %w", err)
	}
	if err := s.db.SetFileStatus(f.ID, model.FileStatusClassified, f.Fingerprint); err != nil {
		return fmt.Errorf("marking file classified: %w", err)
	}
	return nil
}
