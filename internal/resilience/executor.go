// Package resilience guards classifier calls. A call is retried with
// capped exponential backoff and every operation name gets its own
// circuit breaker, so a dead backend stops a classify run quickly
// instead of burning the attempt budget batch after batch.
//
// Only calls to the classifier go through here. Ledger and catalog
// writes are never retried: when fn records results as they arrive, its
// judge must call a failed write permanent and unrecorded so it reaches
// the caller at once.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Logger receives retry and breaker notices. organizer.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// ErrorClassification is the verdict on one failed attempt.
//
// A rate limit or timeout is Retryable and counts against the breaker.
// A malformed classifier response is Retryable but not recorded: the
// backend answered, so it is not down. A cancelled run is neither.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

// ErrorClassifier judges a failed attempt.
type ErrorClassifier func(err error) ErrorClassification

func recordEverything(error) ErrorClassification {
	return ErrorClassification{RecordFailure: true}
}

// Executor runs classifier calls. Safe for concurrent use.
type Executor struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// NewExecutor returns an Executor; zero fields of cfg take DefaultConfig values.
func NewExecutor(cfg Config, logger Logger) *Executor {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Executor{
		cfg:      cfg.normalize(),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// Execute sends one batch through fn.
//
// The batch is retried while judge calls the error Retryable and attempts
// remain. A batch the classifier answered only in part should fail with a
// Retryable, unrecorded error after fn has stored the answers it got; the
// next attempt then only resends the files still open. The breaker sees
// the full retry sequence as a single request, failed only when judge
// records it.
// Cancelling ctx cuts a backoff wait short but never interrupts fn.
// A nil judge treats every error as permanent.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, judge ErrorClassifier) error {
	if fn == nil {
		return fmt.Errorf("resilience: nil call for %q", operation)
	}
	name := strings.TrimSpace(operation)
	if name == "" {
		name = "unknown"
	}
	if judge == nil {
		judge = recordEverything
	}

	call := func() error { return e.attempt(ctx, name, fn, judge) }
	if !e.cfg.BreakerEnabled {
		return call()
	}
	_, err := e.breakerFor(name, judge).Execute(func() (struct{}, error) {
		return struct{}{}, call()
	})
	return err
}

// State reports the breaker of operation; closed until it has run.
func (e *Executor) State(operation string) gobreaker.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[operation]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// IsCircuitOpen reports whether the breaker turned the call away.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (e *Executor) attempt(ctx context.Context, name string, fn func(context.Context) error, judge ErrorClassifier) error {
	waits := newBackoff(e.cfg)
	var err error
	for n := 1; ; n++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if n >= e.cfg.RetryMaxAttempts || !judge(err).Retryable {
			return err
		}

		wait := waits.next()
		e.logger.Warn("classifier call failed, retrying",
			"operation", name, "attempt", n, "of", e.cfg.RetryMaxAttempts,
			"wait", wait, "error", err)
		if !sleep(ctx, wait) {
			return err
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff yields the waits between attempts, growing by the configured
// multiplier up to the cap.
type backoff struct {
	cur, max time.Duration
	factor   float64
}

func newBackoff(cfg Config) *backoff {
	return &backoff{cur: cfg.RetryInitialBackoff, max: cfg.RetryMaxBackoff, factor: cfg.RetryMultiplier}
}

func (b *backoff) next() time.Duration {
	d := min(b.cur, b.max)
	b.cur = min(time.Duration(float64(b.cur)*b.factor), b.max)
	return d
}

func (e *Executor) breakerFor(name string, judge ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[name]; ok {
		return cb
	}

	cfg := e.cfg
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerHalfOpenMaxCalls,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= cfg.BreakerMinRequests &&
				float64(c.TotalFailures) >= cfg.BreakerFailureRatio*float64(c.Requests)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !judge(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("classifier breaker changed state", "operation", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[name] = cb
	return cb
}
