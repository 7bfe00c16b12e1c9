package answerer

import (
	"context"
	"sync/atomic"
	"time"
)

// StopToken is the shared cancellation flag for one in-flight question.
// It only ever transitions false to true and is polled, never waited on;
// eventual observation within the poll window is sufficient. Create one per
// question and discard it when the answer returns.
type StopToken struct {
	stopped atomic.Bool
}

// NewStopToken returns a fresh, unset token.
func NewStopToken() *StopToken {
	return &StopToken{}
}

// Stop requests cancellation. Safe to call from any goroutine, repeatedly.
func (t *StopToken) Stop() {
	t.stopped.Store(true)
}

// Stopped reports whether cancellation has been requested.
func (t *StopToken) Stopped() bool {
	return t.stopped.Load()
}

// pollForStop checks the token at `checkpoints` fixed poll points spaced
// `interval` apart, giving the user a window to cancel before any model
// call is issued. It returns true as soon as a checkpoint observes the
// stop request, or when ctx is done.
func pollForStop(ctx context.Context, token *StopToken, checkpoints int, interval time.Duration) bool {
	for i := 0; i < checkpoints; i++ {
		if token.Stopped() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(interval):
		}
	}
	return token.Stopped()
}
