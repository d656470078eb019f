package organizer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"filesense/internal/organizer"
)

func TestCancelToken(t *testing.T) {
	t.Run("nil token never blocks", func(t *testing.T) {
		var tok *organizer.CancelToken
		if tok.Paused() || tok.Cancelled() {
			t.Error("nil token reports a request")
		}
		if err := tok.Wait(context.Background()); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})

	t.Run("running token returns immediately", func(t *testing.T) {
		if err := organizer.NewCancelToken().Wait(context.Background()); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})

	t.Run("pause blocks until resume", func(t *testing.T) {
		tok := organizer.NewCancelToken()
		tok.Pause()

		done := make(chan error, 1)
		go func() { done <- tok.Wait(context.Background()) }()

		select {
		case err := <-done:
			t.Fatalf("Wait() returned %v while paused", err)
		case <-time.After(20 * time.Millisecond):
		}
		tok.Resume()
		if err := <-done; err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})

	t.Run("cancel wins over pause", func(t *testing.T) {
		tok := organizer.NewCancelToken()
		tok.Pause()

		done := make(chan error, 1)
		go func() { done <- tok.Wait(context.Background()) }()
		tok.Cancel()

		if err := <-done; !errors.Is(err, organizer.ErrCancelled) {
			t.Errorf("Wait() error = %v, want ErrCancelled", err)
		}
		if !tok.Cancelled() || !tok.Paused() {
			t.Error("state lost")
		}
	})

	t.Run("context ends a paused wait", func(t *testing.T) {
		tok := organizer.NewCancelToken()
		tok.Pause()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := tok.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
		}
	})
}
