package lazytime

import "time"

// Ticker is a time.Ticker that can be reset before it's ever been started.
type Ticker struct {
	C <-chan time.Time

	ticker *time.Ticker
}

// Reset resets the ticker to the given period. The first call creates the
// underlying ticker.
func (t *Ticker) Reset(d time.Duration) {
	if t.ticker == nil {
		t.ticker = time.NewTicker(d)
		t.C = t.ticker.C
	} else {
		t.ticker.Reset(d)
	}
}

// Stop stops the ticker. It does nothing if the ticker was never started.
func (t *Ticker) Stop() {
	if t.ticker == nil {
		return
	}

	t.ticker.Stop()
}
