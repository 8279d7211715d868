// Package connect is the client-side half of a durable job-execution
// platform: a long-lived worker that connects outbound to a gateway over a
// persistent WebSocket, executes dispatched functions, and guarantees
// their responses are delivered at least once even across reconnects.
package connect

import (
	"context"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/inngest/connect-go/buffer"
	"github.com/inngest/connect-go/execution"
	"github.com/inngest/connect-go/transport"
)

// defaultShutdownSignals matches spec §6's default [SIGINT, SIGTERM].
var defaultShutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Worker is the public facade (spec §2, §4.8 "Public facade"): state,
// connectionId, a closed signal, and Close.
type Worker struct {
	cfg *Config
	log *zap.Logger

	supervisor *Supervisor
	shutdown   *shutdownCoordinator
	osPort     OsPort

	mu          sync.Mutex
	started     bool
	stopSignals func()
}

// New validates cfg and wires up a Worker. cfg.Apps must already be set;
// registry resolves the function-slug half of execution (spec §6).
func New(cfg *Config, registry execution.Registry, log *zap.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	if log == nil {
		var err error
		log, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}

	client := transport.NewClient(cfg.APIBaseURL, cfg.SigningKey, cfg.SigningKeyFallback, cfg.Environment)

	var bridge execution.Bridge
	if cfg.IsolateExecution {
		bridge = execution.NewIsolated(registry, log, cfg.MaxWorkerConcurrency)
	} else {
		bridge = execution.NewInProcess(registry, log)
	}

	buf := buffer.New(log)
	supervisor := NewSupervisor(cfg, client, bridge, buf, log)

	var signals []os.Signal
	if cfg.HandleShutdownSignals {
		signals = defaultShutdownSignals
	}

	flusher := &transport.FlushClient{Client: client}

	return &Worker{
		cfg:        cfg,
		log:        log,
		supervisor: supervisor,
		osPort:     NewOsPort(signals),
		shutdown:   newShutdownCoordinator(log, supervisor, flusher, nil),
	}, nil
}

// State returns the worker's current lifecycle state (spec §3).
func (w *Worker) State() WorkerState { return w.supervisor.State() }

// ConnectionID returns the active connection's gateway-assigned id, or ""
// before the first successful handshake.
func (w *Worker) ConnectionID() string { return w.supervisor.ConnectionID() }

// Closed returns a channel that's closed once Close has fully completed.
func (w *Worker) Closed() <-chan struct{} { return w.shutdown.Closed() }

// Connect starts the worker and blocks until ctx is cancelled or Close is
// called, at which point it runs the shutdown sequence and returns.
func (w *Worker) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	w.shutdown.cancelRun = cancel

	sigCh := make(chan os.Signal, 2)
	w.mu.Lock()
	w.stopSignals = w.osPort.Notify(sigCh)
	w.mu.Unlock()

	go func() {
		select {
		case <-sigCh:
			w.log.Info("shutdown signal received")
			w.Close(context.Background())
		case <-runCtx.Done():
		}
	}()

	err := w.supervisor.Run(runCtx)

	// Run can also return because ctx was cancelled directly rather than
	// via Close; either way the shutdown sequence still needs to execute
	// so the buffer gets flushed and the closed signal resolves.
	w.Close(context.Background())

	return err
}

// Close triggers the shutdown sequence (spec §4.7) and blocks until it
// completes. It is safe to call concurrently or more than once.
func (w *Worker) Close(ctx context.Context) error {
	w.shutdown.Close(ctx, func() {
		w.mu.Lock()
		stop := w.stopSignals
		w.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
	return nil
}
