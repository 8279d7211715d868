package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAckRemovesPendingEntry(t *testing.T) {
	b := New(zap.NewNop())
	b.AddPending("r1", []byte("body"), time.Hour)

	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}

	b.Ack("r1")
	if b.Len() != 0 {
		t.Fatalf("Len after ack = %d, want 0", b.Len())
	}
}

func TestAckOnUnknownRequestIsNoop(t *testing.T) {
	b := New(zap.NewNop())
	b.Ack("nonexistent") // must not panic
}

func TestDeadlinePromotesToUnsent(t *testing.T) {
	b := New(zap.NewNop())
	b.AddPending("r1", []byte("body"), 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.unsentLen() == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("entry was never promoted to unsent")
}

func TestAckAfterPromotionStillRemoves(t *testing.T) {
	b := New(zap.NewNop())
	b.AddPending("r1", []byte("body"), 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.unsentLen() != 1 {
		time.Sleep(time.Millisecond)
	}

	b.Ack("r1")
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
}

func TestAppendInsertsAsUnsent(t *testing.T) {
	b := New(zap.NewNop())
	b.Append("r1", []byte("body"))

	if b.unsentLen() != 1 {
		t.Fatalf("unsentLen = %d, want 1", b.unsentLen())
	}
}

// recordingFlusher records every Flush call and can be told to fail a
// fixed number of times per request id before succeeding.
type recordingFlusher struct {
	mu        sync.Mutex
	calls     int
	failTimes map[string]int
}

func (f *recordingFlusher) Flush(ctx context.Context, requestID string, body []byte, useFallbackKey bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failTimes[requestID] > 0 {
		f.failTimes[requestID]--
		return errors.New("simulated flush failure")
	}
	return nil
}

func TestFlushSucceedsOnFirstSweep(t *testing.T) {
	b := New(zap.NewNop())
	b.Append("r1", []byte("a"))
	b.Append("r2", []byte("b"))

	f := &recordingFlusher{failTimes: map[string]int{}}
	b.Flush(context.Background(), f, false)

	if b.Len() != 0 {
		t.Fatalf("Len after flush = %d, want 0", b.Len())
	}
}

func TestFlushRetriesAcrossSweeps(t *testing.T) {
	orig := FlushSweepBackoff
	FlushSweepBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { FlushSweepBackoff = orig }()

	b := New(zap.NewNop())
	b.Append("r1", []byte("a"))

	f := &recordingFlusher{failTimes: map[string]int{"r1": 2}}
	b.Flush(context.Background(), f, false)

	if b.Len() != 0 {
		t.Fatalf("Len after eventual flush success = %d, want 0", b.Len())
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want 3 (2 failures + 1 success)", f.calls)
	}
}

func TestFlushGivesUpAfterMaxSweeps(t *testing.T) {
	orig := FlushSweepBackoff
	FlushSweepBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { FlushSweepBackoff = orig }()

	b := New(zap.NewNop())
	b.Append("r1", []byte("a"))

	f := &recordingFlusher{failTimes: map[string]int{"r1": 1000}}
	b.Flush(context.Background(), f, false)

	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (entry remains for the next flush attempt)", b.Len())
	}
}

func TestFlushHonorsContextCancellation(t *testing.T) {
	b := New(zap.NewNop())
	b.Append("r1", []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &recordingFlusher{failTimes: map[string]int{}}
	b.Flush(ctx, f, false)

	// The rate limiter's Wait should observe the cancelled context and
	// return immediately without ever calling Flush.
	if f.calls != 0 {
		t.Fatalf("calls = %d, want 0 with an already-cancelled context", f.calls)
	}
}
