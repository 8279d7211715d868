// Package buffer implements the response buffer: the per-request-id map of
// encoded WORKER_REPLY bytes that guarantees at-least-once delivery of a
// function's response even when the WebSocket connection that produced it
// has already died.
//
// The state diagram is the one from spec §4.6:
//
//	pending-ack --[deadline elapses]--> unsent --[HTTP flush succeeds]--> removed
//	pending-ack --[WORKER_REPLY_ACK]--> removed
package buffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is one of the two states a buffered entry can be in.
type State int

const (
	PendingAck State = iota
	Unsent
)

func (s State) String() string {
	if s == PendingAck {
		return "pending-ack"
	}
	return "unsent"
}

// Flusher performs the out-of-band HTTP delivery of one buffered entry. It
// is implemented by transport.FlushClient; kept as a narrow interface here
// so the buffer can be tested without a real HTTP client.
type Flusher interface {
	Flush(ctx context.Context, requestID string, body []byte, useFallbackKey bool) error
}

// entry is one element of the buffer.
type entry struct {
	requestID string
	bytes     []byte
	state     State
	promote   *time.Timer
}

// Buffer is the per-request-id response buffer. Ack is called from the
// connection core's Run loop, AddPending from the execution bridge's
// completion goroutines (see Connection.onBridgeDone), Flush from the
// shutdown coordinator, and the deadline timer installed by AddPending
// promotes an entry on its own goroutine (only ever flipping pending-ack
// to unsent). Every mutation holds the same mutex.
type Buffer struct {
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// flushLimiter bounds how many HTTP flush POSTs can be issued per
	// second within one sweep, so a large buffer doesn't produce a burst
	// against the flush endpoint. Grounded on arikawa's
	// utils/ws.NewSendLimiter, repurposed for HTTP rather than gateway
	// commands.
	flushLimiter *rate.Limiter
}

// MaxFlushSweeps bounds how many times Flush retries the full set of
// unsent entries before giving up for this call (spec §4.6 open question:
// flush failures are logged, not surfaced).
const MaxFlushSweeps = 5

// FlushSweepBackoff is the fixed delay between flush sweeps.
var FlushSweepBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
}

// New creates an empty Buffer.
func New(log *zap.Logger) *Buffer {
	return &Buffer{
		log:          log,
		entries:      make(map[string]*entry),
		flushLimiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// Len reports how many entries (of either state) are currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// AddPending inserts a response as pending-ack and arms a timer that
// promotes it to unsent if no ack arrives before deadline.
func (b *Buffer) AddPending(requestID string, bytes []byte, deadline time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, exists := b.entries[requestID]; exists && old.promote != nil {
		old.promote.Stop()
	}

	e := &entry{requestID: requestID, bytes: bytes, state: PendingAck}
	e.promote = time.AfterFunc(deadline, func() { b.promote(requestID) })
	b.entries[requestID] = e
}

func (b *Buffer) promote(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[requestID]
	if !ok || e.state != PendingAck {
		return
	}
	e.state = Unsent
}

// Ack removes the entry for requestID, cancelling its timer. It is a no-op
// if the entry doesn't exist (e.g. a duplicate or late ack).
func (b *Buffer) Ack(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[requestID]
	if !ok {
		return
	}

	if e.promote != nil {
		e.promote.Stop()
	}
	delete(b.entries, requestID)
}

// Append inserts bytes directly as unsent. Used when a response is produced
// while no active connection exists to deliver the pending-ack over.
func (b *Buffer) Append(requestID string, bytes []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[requestID] = &entry{
		requestID: requestID,
		bytes:     bytes,
		state:     Unsent,
	}
}

// unsentSnapshot returns a copy of every currently-unsent entry.
func (b *Buffer) unsentSnapshot() []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.state == Unsent {
			out = append(out, &entry{requestID: e.requestID, bytes: e.bytes, state: e.state})
		}
	}
	return out
}

// Flush attempts to POST every unsent entry individually to the flush
// endpoint via f, authenticated with the active key. It performs up to
// MaxFlushSweeps full sweeps, sleeping on the fixed backoff schedule
// between sweeps. Flush never returns an error: failures are logged and
// the undelivered entries stay in the buffer (spec §4.6 open question).
func (b *Buffer) Flush(ctx context.Context, f Flusher, useFallbackKey bool) {
	for sweep := 0; sweep < MaxFlushSweeps; sweep++ {
		pending := b.unsentSnapshot()
		if len(pending) == 0 {
			return
		}

		for _, e := range pending {
			if err := b.flushLimiter.Wait(ctx); err != nil {
				return
			}

			if err := f.Flush(ctx, e.requestID, e.bytes, useFallbackKey); err != nil {
				b.log.Error("flush failed, will retry next sweep",
					zap.String("request_id", e.requestID), zap.Error(err))
				continue
			}

			b.Ack(e.requestID)
		}

		if b.unsentLen() == 0 {
			return
		}

		if sweep < MaxFlushSweeps-1 && sweep < len(FlushSweepBackoff) {
			select {
			case <-time.After(FlushSweepBackoff[sweep]):
			case <-ctx.Done():
				return
			}
		}
	}

	if remaining := b.unsentLen(); remaining > 0 {
		b.log.Error("flush exhausted all sweeps with entries still unsent",
			zap.Int("remaining", remaining))
	}
}

func (b *Buffer) unsentLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, e := range b.entries {
		if e.state == Unsent {
			n++
		}
	}
	return n
}
