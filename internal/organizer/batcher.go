package organizer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"filesense/internal/model"
	"filesense/internal/resilience"
)

// errPartialBatch signals that a response left some files unresolved.
var errPartialBatch = errors.New("classifier response omitted files")

// BatchResult describes one batch.
type BatchResult struct {
	Attempted    int     // files sent in the batch
	Classified   int     // files resolved and cached
	CacheHits    int     // pending files resolved from the cache while building the queue
	Unclassified []int64 // file IDs given up on after the final attempt
	Calls        int     // external calls made
	Remaining    int     // pending files left after this batch
}

// ClassifySummary aggregates ClassifyAll.
type ClassifySummary struct {
	Batches      int
	Classified   int
	CacheHits    int
	Unclassified int
	Calls        int
}

// ClassifyNextBatch classifies the next batch of pending files.
// The token is consulted before the batch starts; once the call is issued it
// runs to completion or to the per-batch timeout even if ctx is cancelled.
// A result with Attempted == 0 means nothing is left to classify.
func (s *Service) ClassifyNextBatch(ctx context.Context, token *CancelToken) (result *BatchResult, err error) {
	ctx, span := s.startSpan(ctx, "ClassifyNextBatch")
	defer func() { endSpan(span, err) }()

	if err := token.Wait(ctx); err != nil {
		return nil, WrapError(ErrCancelled, "classify", err)
	}
	if _, err := s.workflow.Require("classification", PhaseClassifying, PhasePlanReady, PhaseReviewing); err != nil {
		return nil, err
	}

	result = &BatchResult{}
	queue, err := s.nextBatch(result)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return result, nil
	}
	result.Attempted = len(queue)
	span.SetAttributes(attribute.Int("batch.size", len(queue)))

	unresolved := make(map[int64]*model.FileRecord, len(queue))
	for _, f := range queue {
		unresolved[f.ID] = f
	}

	start := s.clock.Now()
	callErr := s.executor.Execute(ctx, "classify", func(execCtx context.Context) error {
		return s.classifyAttempt(execCtx, queue, unresolved, result)
	}, classifyCallError)
	elapsed := s.clock.Now().Sub(start)

	status := "success"
	switch {
	case callErr == nil:
	case ctx.Err() != nil:
		// Cancelled during backoff: files stay pending for the next run.
		status = "cancelled"
		s.metrics.BatchFinished(status, elapsed)
		return result, WrapError(ErrCancelled, "classify", callErr)
	case errors.Is(callErr, errLedgerWrite):
		return nil, callErr
	case resilience.IsCircuitOpen(callErr):
		status = "rejected"
		s.metrics.BatchFinished(status, elapsed)
		return result, WrapError(ErrClassifierUnavailable, "classify", callErr)
	default:
		status = "failed"
		if result.Classified > 0 {
			status = "partial"
		}
		for _, f := range queue {
			if _, open := unresolved[f.ID]; !open {
				continue
			}
			if err := s.db.SetFileStatus(f.ID, model.FileStatusUnclassified, ""); err != nil {
				return nil, fmt.Errorf("marking file unclassified: %w", err)
			}
			result.Unclassified = append(result.Unclassified, f.ID)
		}
		s.logger.Warn("batch gave up on files", "files", len(result.Unclassified), "error", callErr)
	}
	s.metrics.BatchFinished(status, elapsed)

	result.Remaining, err = s.countPending()
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch classified", "attempted", result.Attempted, "classified", result.Classified,
		"unclassified", len(result.Unclassified), "calls", result.Calls, "remaining", result.Remaining)
	s.publisher.Publish(Event{Type: EventBatchClassified, Data: map[string]any{
		"attempted": result.Attempted, "classified": result.Classified,
		"unclassified": len(result.Unclassified), "remaining": result.Remaining,
	}})
	return result, nil
}

// ClassifyAll runs batches until the queue is empty or the token stops it.
func (s *Service) ClassifyAll(ctx context.Context, token *CancelToken) (*ClassifySummary, error) {
	summary := &ClassifySummary{}
	for {
		r, err := s.ClassifyNextBatch(ctx, token)
		if r != nil {
			summary.Classified += r.Classified
			summary.CacheHits += r.CacheHits
			summary.Unclassified += len(r.Unclassified)
			summary.Calls += r.Calls
		}
		if err != nil {
			return summary, err
		}
		if r.Attempted == 0 {
			return summary, nil
		}
		summary.Batches++
	}
}

// RetryUnclassified returns every unclassified file to the pending queue.
func (s *Service) RetryUnclassified() (int, error) {
	n, err := s.db.ResetUnclassified()
	if err != nil {
		return 0, fmt.Errorf("resetting unclassified files: %w", err)
	}
	s.logger.Info("unclassified files requeued", "count", n)
	return n, nil
}

// nextBatch builds the queue: pending files whose cache lookup misses,
// ordered by path and capped at the batch size. Pending files that hit the
// cache are resolved on the way.
func (s *Service) nextBatch(result *BatchResult) ([]*model.FileRecord, error) {
	files, err := s.db.ListPresentFiles()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	var queue []*model.FileRecord
	for _, f := range files {
		if f.Status != model.FileStatusPending {
			continue
		}
		hit, err := s.cachedClassification(f)
		if err != nil {
			return nil, err
		}
		s.metrics.CacheLookup(hit != nil)
		if hit != nil {
			if err := s.db.SetFileStatus(f.ID, model.FileStatusClassified, f.Fingerprint); err != nil {
				return nil, fmt.Errorf("marking file classified: %w", err)
			}
			result.CacheHits++
			continue
		}
		queue = append(queue, f)
		if len(queue) == s.opts.BatchSize {
			break
		}
	}
	return queue, nil
}

// classifyAttempt makes one external call for the still-unresolved files and
// caches whatever comes back. The call context is detached from cancellation
// and bounded only by the batch timeout.
func (s *Service) classifyAttempt(ctx context.Context, queue []*model.FileRecord, unresolved map[int64]*model.FileRecord, result *BatchResult) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var files []ClassifyFile
	for _, f := range queue {
		if _, open := unresolved[f.ID]; !open {
			continue
		}
		files = append(files, ClassifyFile{
			FileID:     f.ID,
			Filename:   f.Filename,
			Extension:  f.Extension,
			Size:       f.Size,
			ModifiedAt: f.ModifiedAt,
			Snippet:    f.Snippet,
		})
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.BatchTimeout)
	defer cancel()

	result.Calls++
	results, err := s.classifier.Classify(callCtx, files)
	if err != nil {
		return err
	}
	for _, r := range results {
		f, open := unresolved[r.FileID]
		if !open {
			continue
		}
		if err := s.storeClassification(f, r); err != nil {
			return errors.Join(errLedgerWrite, err)
		}
		delete(unresolved, r.FileID)
		result.Classified++
	}
	if len(unresolved) > 0 {
		return fmt.Errorf("%w: %d of %d unresolved", errPartialBatch, len(unresolved), len(files))
	}
	return nil
}

// errLedgerWrite marks a datastore failure inside an attempt; it is never retried.
var errLedgerWrite = errors.New("datastore write failed")

func (s *Service) countPending() (int, error) {
	files, err := s.db.ListPresentFiles()
	if err != nil {
		return 0, fmt.Errorf("listing files: %w", err)
	}
	n := 0
	for _, f := range files {
		if f.Status == model.FileStatusPending {
			n++
		}
	}
	return n, nil
}

// classifyCallError decides retry and breaker accounting for a classifier attempt.
func classifyCallError(err error) resilience.ErrorClassification {
	switch {
	case errors.Is(err, errLedgerWrite):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case errors.Is(err, errPartialBatch), IsKind(err, ErrMalformedResponse):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: false}
	case errors.Is(err, context.Canceled):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case errors.Is(err, context.DeadlineExceeded), IsKind(err, ErrClassifierUnavailable):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
}
