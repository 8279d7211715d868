package connect

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/inngest/connect-go/buffer"
	"github.com/inngest/connect-go/execution"
	"github.com/inngest/connect-go/transport"
	"github.com/inngest/connect-go/wire"
	"github.com/inngest/connect-go/wsconn"
)

// reconnectState is the supervisor-owned state from spec §3.
type reconnectState struct {
	mu               sync.Mutex
	excludedGateways map[string]struct{}
	useFallbackKey   bool
}

func (r *reconnectState) exclude(group string) {
	if group == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excludedGateways[group] = struct{}{}
}

func (r *reconnectState) unexclude(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.excludedGateways, group)
}

func (r *reconnectState) excludedList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.excludedGateways))
	for g := range r.excludedGateways {
		out = append(out, g)
	}
	return out
}

func (r *reconnectState) swapToFallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.useFallbackKey {
		return false
	}
	r.useFallbackKey = true
	return true
}

func (r *reconnectState) usesFallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.useFallbackKey
}

// Supervisor is the outer reconnect loop (spec §4.4): it owns the
// Connection, ReconnectState and WorkerState, retries with the fixed
// backoff schedule, swaps to the fallback signing key on auth failure, and
// drives the reentrant draining handoff.
type Supervisor struct {
	cfg    *Config
	log    *zap.Logger
	client *transport.Client
	bridge execution.Bridge
	buf    *buffer.Buffer

	state   reconnectState
	backoff BackoffTimer

	mu           sync.Mutex
	workerState  WorkerState
	active       *Connection
	connectionID string

	closing atomic.Bool
}

// NewSupervisor builds a Supervisor ready to Run.
func NewSupervisor(cfg *Config, client *transport.Client, bridge execution.Bridge, buf *buffer.Buffer, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		log:    log,
		client: client,
		bridge: bridge,
		buf:    buf,
		state: reconnectState{
			excludedGateways: make(map[string]struct{}),
		},
		workerState: StateConnecting,
	}
}

func (s *Supervisor) setState(st WorkerState) {
	s.mu.Lock()
	s.workerState = st
	s.mu.Unlock()
}

// State returns the current WorkerState.
func (s *Supervisor) State() WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerState
}

// ConnectionID returns the active connection's gateway-assigned id, or ""
// before the first successful handshake.
func (s *Supervisor) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

func (s *Supervisor) setActive(c *Connection) {
	s.mu.Lock()
	s.active = c
	s.connectionID = c.connectionID
	s.mu.Unlock()
}

// preparedConnection is a Connection that has completed its handshake and
// is ready for its steady-state loop to start.
type preparedConnection struct {
	conn   *Connection
	frames <-chan wire.Frame
}

// Run is the supervisor's main loop. It blocks until ctx is cancelled or
// shutdown has begun; every connection failure is retried, so the only
// error it returns is ctx's.
func (s *Supervisor) Run(ctx context.Context) error {
	var pending *preparedConnection

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pc := pending
		pending = nil

		if pc == nil {
			var err error
			pc, err = s.dialAndHandshake(ctx)
			if err != nil {
				// ctx was cancelled while retrying.
				return ctx.Err()
			}
		}

		s.setActive(pc.conn)
		s.setState(StateActive)
		s.backoff.Reset()
		s.state.unexclude(pc.conn.gatewayGroup)

		handoff := make(chan *preparedConnection, 1)
		drainOutcome := make(chan closeReason, 1)

		result := pc.conn.Run(ctx, pc.frames, func() {
			s.setState(StateReconnecting)
			go s.prepareDrainHandoff(ctx, handoff, drainOutcome)
		}, drainOutcome)

		switch result.reason {
		case closeShutdown:
			return nil

		case closeDraining:
			select {
			case next := <-handoff:
				pending = next
			default:
			}
			// The new connection already became active inside
			// prepareDrainHandoff; loop around and run it.
			continue

		case closeBroken:
			if s.closing.Load() {
				// Shutdown closed this socket; stop instead of reconnecting.
				return nil
			}
			s.setState(StateReconnecting)
			s.state.exclude(pc.conn.gatewayGroup)
			s.sleepBackoff(ctx)
			continue
		}
	}
}

// prepareDrainHandoff performs the reentrant connection attempt spec §4.4
// describes: dial and handshake a brand new connection while the old one
// keeps serving. On success it promotes the new connection to active and
// reports closeDraining; on failure it reports closeBroken so the old
// connection tears down and normal retry resumes.
func (s *Supervisor) prepareDrainHandoff(ctx context.Context, handoff chan<- *preparedConnection, drainOutcome chan<- closeReason) {
	pc, err := s.dialAndHandshakeOnce(ctx)
	if err != nil {
		drainOutcome <- closeBroken
		return
	}

	s.setActive(pc.conn)
	handoff <- pc
	drainOutcome <- closeDraining
}

// dialAndHandshake retries start+dial+handshake with the fixed backoff
// schedule until it succeeds or ctx is cancelled.
func (s *Supervisor) dialAndHandshake(ctx context.Context) (*preparedConnection, error) {
	for {
		pc, err := s.dialAndHandshakeOnce(ctx)
		if err == nil {
			return pc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.reactToError(err)
		s.sleepBackoff(ctx)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// dialAndHandshakeOnce performs exactly one start-handshake call, dials
// the resulting gateway endpoint, and runs the three-step WebSocket
// handshake (spec §4.2, §4.3).
func (s *Supervisor) dialAndHandshakeOnce(ctx context.Context) (*preparedConnection, error) {
	startResp, err := s.client.Start(ctx, s.state.excludedList(), s.state.usesFallback())
	if err != nil {
		return nil, err
	}

	ws := wsconn.New()
	frames, err := ws.Dial(ctx, dialAddr(s.cfg, startResp.GatewayEndpoint), bearerHeader(startResp.SessionToken))
	if err != nil {
		return nil, &ReconnectError{Err: err}
	}

	conn := newConnection(ws, s.bridge, s.buf, s.cfg, s.log, &s.closing)
	info := startInfo{
		sessionToken: startResp.SessionToken,
		syncToken:    startResp.SyncToken,
		gatewayGroup: startResp.GatewayGroup,
	}

	if err := conn.handshake(ctx, frames, s.cfg.Apps, info); err != nil {
		s.state.exclude(startResp.GatewayGroup)
		_ = ws.Close(wsconn.CodeAbortedHandshake, wsconn.ReasonUnexpected)
		return nil, err
	}

	return &preparedConnection{conn: conn, frames: frames}, nil
}

// reactToError implements the error-kind policy from spec §4.4/§7: auth
// failures swap to the fallback key once; connection-limit errors are
// logged but otherwise handled like any reconnect error.
func (s *Supervisor) reactToError(err error) {
	var authErr transport.AuthError
	if errors.As(err, &authErr) {
		if s.state.swapToFallback() {
			s.log.Info("start handshake rejected, swapping to fallback signing key")
		}
		return
	}

	var limitErr transport.ConnectionLimitError
	if errors.As(err, &limitErr) {
		s.log.Error("gateway rejected connection: at capacity", zap.Error(err))
		return
	}

	s.log.Debug("reconnect attempt failed", zap.Error(err))
}

func (s *Supervisor) sleepBackoff(ctx context.Context) {
	select {
	case <-s.backoff.Next():
	case <-ctx.Done():
	}
}

// Shutdown implements steps 3-6 of the shutdown sequence (spec §4.7): stop
// accepting new executor requests, wait for in-flight work to finish, flush
// the buffer, then pause and close the active connection. Steps 1 (signal
// deregistration), 2 (CLOSING transition) and 7 (CLOSED transition,
// resolving the closed signal) are the caller's responsibility -- they
// don't belong to the supervisor's reconnect-loop concerns.
func (s *Supervisor) Shutdown(ctx context.Context, flusher buffer.Flusher) {
	s.closing.Store(true)

	s.bridge.Close()

	s.buf.Flush(ctx, flusher, s.state.usesFallback())

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil {
		_ = active.send(ctx, wire.WorkerPause{})
		_ = active.ws.Close(wsconn.CodeNormalShutdown, wsconn.ReasonWorkerShutdown)
	}
}
