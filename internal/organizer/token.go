package organizer

import (
	"context"
	"sync"
)

// CancelToken carries cooperative pause and cancel requests into the batch loop.
// The loop consults it only between batches, never while a call is in flight.
// A nil *CancelToken is valid and never pauses or cancels.
type CancelToken struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	changed   chan struct{} // closed and replaced on every state change
}

// NewCancelToken returns a token in the running state.
func NewCancelToken() *CancelToken {
	return &CancelToken{changed: make(chan struct{})}
}

// Pause stops the loop before its next batch.
func (t *CancelToken) Pause() { t.set(func() { t.paused = true }) }

// Resume releases a paused loop.
func (t *CancelToken) Resume() { t.set(func() { t.paused = false }) }

// Cancel stops the loop before its next batch. Cancel wins over Pause.
func (t *CancelToken) Cancel() { t.set(func() { t.cancelled = true }) }

// Paused reports whether a pause is requested.
func (t *CancelToken) Paused() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Cancelled reports whether a cancel is requested.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *CancelToken) set(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
	close(t.changed)
	t.changed = make(chan struct{})
}

// Wait blocks while the token is paused. It returns ErrCancelled once the
// token is cancelled, or the context error if ctx ends first.
func (t *CancelToken) Wait(ctx context.Context) error {
	if t == nil {
		return ctx.Err()
	}
	for {
		t.mu.Lock()
		cancelled, paused, changed := t.cancelled, t.paused, t.changed
		t.mu.Unlock()

		if cancelled {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !paused {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
