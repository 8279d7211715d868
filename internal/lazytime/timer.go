// Package lazytime wraps time.Timer and time.Ticker so that callers don't
// need to special-case the very first Reset call.
package lazytime

import (
	"context"
	"time"
)

// Timer is a time.Timer that can be reset before it's ever been started.
type Timer struct {
	C <-chan time.Time

	timer *time.Timer
}

// Reset resets the timer, draining it first if needed. The first call
// creates the underlying timer.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		t.C = t.timer.C
		return
	}

	t.Stop()
	t.timer.Reset(d)
}

// Stop stops the timer and drains it. It does nothing if the timer was
// never started.
func (t *Timer) Stop() {
	if t.timer == nil {
		return
	}

	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// Wait blocks until the timer fires or ctx is done, whichever is first.
func (t *Timer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
