package connect

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/inngest/connect-go/buffer"
)

// shutdownCoordinator implements the full 7-step sequence from spec §4.7,
// merging concurrent Close() callers onto one "closed" signal (spec §3,
// §4.7: "close() is idempotent and merges concurrent callers on one
// closed promise").
type shutdownCoordinator struct {
	log        *zap.Logger
	supervisor *Supervisor
	flusher    buffer.Flusher
	cancelRun  context.CancelFunc

	once   sync.Once
	closed chan struct{}
}

func newShutdownCoordinator(log *zap.Logger, supervisor *Supervisor, flusher buffer.Flusher, cancelRun context.CancelFunc) *shutdownCoordinator {
	return &shutdownCoordinator{
		log:        log,
		supervisor: supervisor,
		flusher:    flusher,
		cancelRun:  cancelRun,
		closed:     make(chan struct{}),
	}
}

// Closed returns a channel that's closed once shutdown has fully
// completed.
func (s *shutdownCoordinator) Closed() <-chan struct{} {
	return s.closed
}

// Close runs the shutdown sequence exactly once, regardless of how many
// goroutines call it concurrently; every caller blocks until the same run
// finishes.
func (s *shutdownCoordinator) Close(ctx context.Context, stopSignals func()) {
	s.once.Do(func() {
		go s.run(ctx, stopSignals)
	})
	<-s.closed
}

func (s *shutdownCoordinator) run(ctx context.Context, stopSignals func()) {
	defer close(s.closed)

	// 1. Deregister OS-signal handlers.
	stopSignals()

	// 2. Transition to CLOSING. Reconnecting stops once Shutdown below marks
	// the supervisor closing (a connection that breaks after that ends its
	// Run loop instead of retrying), and cancelRun then ends any backoff
	// sleep still in progress.
	s.supervisor.setState(StateClosing)

	// 3-6: stop accepting new executor requests, wait for in-flight work,
	// flush the buffer, pause and close the active connection.
	s.supervisor.Shutdown(ctx, s.flusher)

	// Unblock the supervisor's Run loop so it stops retrying. If this
	// sequence runs before Connect has wired up cancelRun, nothing is
	// cancelled here: the sequence runs only once, so a later Run lasts
	// until the context passed to Connect ends.
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// 7. Transition to CLOSED; the closed channel resolves via the
	// deferred close above.
	s.supervisor.setState(StateClosed)

	s.log.Info("worker shutdown complete")
}
