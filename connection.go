package connect

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/inngest/connect-go/buffer"
	"github.com/inngest/connect-go/execution"
	"github.com/inngest/connect-go/internal/lazytime"
	"github.com/inngest/connect-go/wire"
	"github.com/inngest/connect-go/wsconn"
)

// handshakeBudget is the hard wall-clock limit for the three-step
// handshake (spec §4.3).
const handshakeBudget = 10 * time.Second

// replyDeadline is how long a freshly buffered response waits for
// WORKER_REPLY_ACK before it's promoted to unsent (spec §4.3.a).
const replyDeadline = 5 * time.Second

// closeReason explains why Connection.Run returned, so the supervisor
// knows whether to retry, exclude the gateway group, or simply exit.
type closeReason int

const (
	closeBroken    closeReason = iota // socket died or a fatal frame arrived
	closeDraining                     // GATEWAY_CLOSING handled to completion
	closeShutdown                     // the shutdown coordinator asked us to stop
)

// inFlightRequest tracks one accepted-but-unanswered executor request
// (spec §3).
type inFlightRequest struct {
	requestID string
	leaseID   string
	extend    lazytime.Timer
}

// leaseExtendFired is posted to the connection core's inbox by a lease
// timer goroutine so that WORKER_REQUEST_EXTEND_LEASE is only ever sent
// from the core's own goroutine (spec §5 single-writer discipline; spec §9
// "timers post an event to the core's inbox, the core does the write").
//
// Bridge completions don't need this treatment: wsconn.Conn.Send already
// serializes concurrent writers, so onBridgeDone delivers a response
// directly from whatever goroutine the bridge calls it on, independent of
// whether this Connection's Run loop is still reading its inbox (spec
// §4.3.a's at-least-once guarantee must not depend on that).
type leaseExtendFired struct{ requestID string }

// Connection owns one WebSocket and everything derived from it: the
// handshake, steady-state dispatch, heartbeat and lease timers (spec §3,
// §4.3, §4.3.a).
type Connection struct {
	log *zap.Logger
	cfg *Config

	ws     *wsconn.Conn
	bridge execution.Bridge
	buf    *buffer.Buffer

	connectionID string
	gatewayGroup string

	heartbeatInterval   time.Duration
	leaseExtendInterval time.Duration
	pendingHeartbeats   int

	// knownApps is the set of app client ids this worker registered during
	// the handshake; a GATEWAY_EXECUTOR_REQUEST naming any other app is
	// logged and dropped before it's acked (spec §4.3.a(a)).
	knownApps map[string]struct{}

	mu       sync.Mutex
	inFlight map[string]*inFlightRequest

	inbox chan leaseExtendFired

	// closing is set once the shutdown coordinator begins draining;
	// newly arriving executor requests are logged and dropped rather
	// than accepted (spec §4.7 step 3).
	closing *atomic.Bool

	// done is closed when Run returns, so goroutines spawned for this
	// connection (lease-extend timers) can stop trying to reach a core
	// that's no longer listening instead of leaking forever.
	done chan struct{}

	// dumper is non-nil only when cfg.DebugFrames is set; every frame
	// sent or received on this connection is mirrored to it.
	dumper *frameDumper
}

// newConnection wires a freshly dialed socket into a Connection, ready for
// the handshake.
func newConnection(ws *wsconn.Conn, bridge execution.Bridge, buf *buffer.Buffer, cfg *Config, log *zap.Logger, closing *atomic.Bool) *Connection {
	c := &Connection{
		log:      log,
		cfg:      cfg,
		ws:       ws,
		bridge:   bridge,
		buf:      buf,
		inFlight: make(map[string]*inFlightRequest),
		inbox:    make(chan leaseExtendFired, 16),
		closing:  closing,
		done:     make(chan struct{}),
	}

	if cfg != nil {
		c.knownApps = make(map[string]struct{}, len(cfg.Apps))
		for _, app := range cfg.Apps {
			c.knownApps[app.ClientID] = struct{}{}
		}
	}

	if cfg != nil && cfg.DebugFrames {
		c.dumper = newFrameDumper()
	}

	return c
}

// handshake runs the three-step handshake (spec §4.3) against frames,
// sending WORKER_CONNECT with the worker's apps and attributes. It returns
// HandshakeTimeout on expiry or any unexpected frame.
func (c *Connection) handshake(ctx context.Context, frames <-chan wire.Frame, apps []App, startResp startInfo) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeBudget)
	defer cancel()

	if err := c.expectFrame(ctx, frames, wire.KindGatewayHello); err != nil {
		return err
	}

	workerApps := make([]wire.AppIdentifier, len(apps))
	for i, a := range apps {
		workerApps[i] = wire.AppIdentifier{
			ClientID:         a.ClientID,
			FunctionMetadata: a.FunctionMetadata,
			Version:          a.Version,
		}
	}

	connect := wire.WorkerConnect{
		SessionToken: startResp.sessionToken,
		SyncToken:    startResp.syncToken,
		Apps:         workerApps,
		Worker: wire.WorkerAttributes{
			SDKVersion:     "connect-go/v1",
			Platform:       "go",
			InstanceID:     c.cfg.InstanceID,
			MaxConcurrency: int(c.cfg.MaxWorkerConcurrency),
			StartedAt:      time.Now(),
		},
	}

	if err := c.send(ctx, connect); err != nil {
		return &HandshakeTimeout{GatewayGroup: startResp.gatewayGroup}
	}

	var ready wire.GatewayConnectionReady
	f, err := c.nextFrame(ctx, frames)
	if err != nil {
		return &HandshakeTimeout{GatewayGroup: startResp.gatewayGroup}
	}
	if f.Kind != wire.KindGatewayConnectionReady {
		return &HandshakeTimeout{GatewayGroup: startResp.gatewayGroup}
	}
	if err := wire.DecodeInto(f, &ready); err != nil {
		return &HandshakeTimeout{GatewayGroup: startResp.gatewayGroup}
	}

	c.connectionID = ready.ConnectionID
	c.gatewayGroup = ready.GatewayGroup
	c.heartbeatInterval = parseDurationOr(ready.HeartbeatInterval, c.cfg.HeartbeatFallback)
	c.leaseExtendInterval = parseDurationOr(ready.LeaseExtendInterval, c.cfg.LeaseExtendFallback)

	return nil
}

func (c *Connection) expectFrame(ctx context.Context, frames <-chan wire.Frame, kind wire.FrameKind) error {
	f, err := c.nextFrame(ctx, frames)
	if err != nil {
		return &HandshakeTimeout{}
	}
	if f.Kind != kind {
		return &HandshakeTimeout{}
	}
	return nil
}

func (c *Connection) nextFrame(ctx context.Context, frames <-chan wire.Frame) (wire.Frame, error) {
	select {
	case f, ok := <-frames:
		if !ok {
			return wire.Frame{}, context.Canceled
		}
		return f, nil
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

// parseDurationOr parses a duration string defensively, falling back on
// any error (spec §4.3, §9: "parse defensively and fall through to
// defaults").
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// runResult is what Run reports back to the supervisor.
type runResult struct {
	reason closeReason
	err    error
}

// Run drives the steady-state event loop until the connection breaks, is
// told to drain, or is cancelled for shutdown. onDraining is invoked
// (once, non-blocking) the moment GATEWAY_CLOSING arrives, so the
// supervisor can start a reentrant connection attempt while this one keeps
// serving in-flight work (spec §4.3.a, §4.4). drainOutcome later carries
// exactly one value: closeDraining once the supervisor's new connection
// reaches ACTIVE (pause and close gracefully), or closeBroken if setting
// up the new connection failed (tear down and let normal retry resume,
// spec §4.4). A channel closed with no value is treated the same as
// closeBroken.
func (c *Connection) Run(ctx context.Context, frames <-chan wire.Frame, onDraining func(), drainOutcome <-chan closeReason) runResult {
	defer close(c.done)

	heartbeat := lazytime.Ticker{}
	heartbeat.Reset(c.heartbeatInterval)
	defer heartbeat.Stop()

	drainRequested := false

	for {
		select {
		case <-ctx.Done():
			return runResult{reason: closeShutdown, err: ctx.Err()}

		case reason, ok := <-drainOutcome:
			if !ok || reason == closeBroken {
				_ = c.ws.Close(wsconn.CodeAbortedHandshake, wsconn.ReasonUnexpected)
				return runResult{reason: closeBroken, err: errDrainSetupFailed}
			}
			return c.finishDraining()

		case f, ok := <-frames:
			if !ok {
				return runResult{reason: closeBroken, err: wsconn.ErrClosed}
			}

			if reason, done := c.dispatch(ctx, f, onDraining, &drainRequested); done {
				return reason
			}

		case <-heartbeat.C:
			if c.pendingHeartbeats >= 2 {
				return runResult{reason: closeBroken, err: errHeartbeatTimeout}
			}
			c.pendingHeartbeats++
			_ = c.send(ctx, wire.WorkerHeartbeat{})

		case ev := <-c.inbox:
			c.onLeaseExtendFired(ctx, ev.requestID)
		}
	}
}

var errHeartbeatTimeout = &ReconnectError{Err: errStr("missed two consecutive heartbeats")}
var errDrainSetupFailed = errStr("failed to set up replacement connection during drain")

type errStr string

func (e errStr) Error() string { return string(e) }

// dispatch handles one inbound frame per spec §4.3.a. done is true when Run
// should return, in which case reason carries the runResult to return.
func (c *Connection) dispatch(ctx context.Context, f wire.Frame, onDraining func(), drainRequested *bool) (runResult, bool) {
	if c.dumper != nil {
		c.dumper.dumpInbound(f)
	}

	switch f.Kind {
	case wire.KindGatewayHeartbeat:
		c.pendingHeartbeats = 0

	case wire.KindGatewayClosing:
		if !*drainRequested {
			*drainRequested = true
			onDraining()
		}

	case wire.KindGatewayExecutorRequest:
		var req wire.GatewayExecutorRequest
		if err := wire.DecodeInto(f, &req); err != nil {
			c.log.Error("malformed executor request", zap.Error(err))
			return runResult{reason: closeBroken, err: err}, true
		}
		if _, known := c.knownApps[req.App]; !known {
			c.log.Info("dropping executor request for unregistered app",
				zap.String("request_id", req.RequestID), zap.String("app", req.App))
			return runResult{}, false
		}
		if c.closing != nil && c.closing.Load() {
			c.log.Info("dropping executor request received during shutdown",
				zap.String("request_id", req.RequestID))
			return runResult{}, false
		}
		c.acceptExecutorRequest(ctx, req)

	case wire.KindWorkerReplyAck:
		var ack wire.WorkerReplyAck
		if err := wire.DecodeInto(f, &ack); err != nil {
			return runResult{reason: closeBroken, err: err}, true
		}
		c.buf.Ack(ack.RequestID)

	case wire.KindWorkerRequestExtendLeaseAck:
		var ack wire.WorkerRequestExtendLeaseAck
		if err := wire.DecodeInto(f, &ack); err != nil {
			return runResult{reason: closeBroken, err: err}, true
		}
		c.onLeaseExtendAck(ack)

	default:
		c.log.Debug("ignoring frame", zap.String("kind", string(f.Kind)))
	}

	return runResult{}, false
}

// acceptExecutorRequest implements spec §4.3.a's GATEWAY_EXECUTOR_REQUEST
// handling: ack, register, start the lease timer, hand off to the bridge.
func (c *Connection) acceptExecutorRequest(ctx context.Context, req wire.GatewayExecutorRequest) {
	if err := c.send(ctx, wire.WorkerRequestAck{RequestID: req.RequestID}); err != nil {
		c.log.Error("failed to ack executor request", zap.String("request_id", req.RequestID), zap.Error(err))
	}

	ifr := &inFlightRequest{requestID: req.RequestID, leaseID: req.LeaseID}

	c.mu.Lock()
	c.inFlight[req.RequestID] = ifr
	c.mu.Unlock()

	ifr.extend.Reset(c.leaseExtendInterval)
	go c.watchLease(ctx, req.RequestID, &ifr.extend)

	c.bridge.Submit(ctx, execution.Request{
		RequestID:    req.RequestID,
		App:          req.App,
		FunctionSlug: req.FunctionSlug,
		Body:         req.Body,
	}, func(resp execution.Response) {
		c.onBridgeDone(ctx, resp)
	})
}

// watchLease waits on one in-flight request's lazytime.Timer and posts a
// leaseExtendFired event whenever it fires, until the request is retired
// (its timer stopped), this connection's Run loop has already exited, or
// ctx ends.
func (c *Connection) watchLease(ctx context.Context, requestID string, timer *lazytime.Timer) {
	for {
		if err := timer.Wait(ctx); err != nil {
			return
		}

		c.mu.Lock()
		_, stillInFlight := c.inFlight[requestID]
		c.mu.Unlock()
		if !stillInFlight {
			return
		}

		select {
		case c.inbox <- leaseExtendFired{requestID: requestID}:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}

		timer.Reset(c.leaseExtendInterval)
	}
}

func (c *Connection) onLeaseExtendFired(ctx context.Context, requestID string) {
	c.mu.Lock()
	ifr, ok := c.inFlight[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}

	_ = c.send(ctx, wire.WorkerRequestExtendLease{RequestID: requestID, LeaseID: ifr.leaseID})
}

func (c *Connection) onLeaseExtendAck(ack wire.WorkerRequestExtendLeaseAck) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ifr, ok := c.inFlight[ack.RequestID]
	if !ok {
		return
	}

	if ack.LeaseID != "" {
		ifr.leaseID = ack.LeaseID
		return
	}

	// Unextendable: stop sending further extension traffic, but the
	// request stays in-flight (spec §4.3.a).
	ifr.extend.Stop()
}

// onBridgeDone implements the four steps spec §4.3.a lists for when the
// execution bridge returns a response. It's invoked directly from the
// bridge's completion goroutine rather than through the core's inbox: the
// buffer write below must happen even if this connection's Run loop has
// already returned (reconnect, drain handoff, or shutdown mid-execution),
// so the at-least-once guarantee can't be made to depend on anyone still
// reading c.inbox. wsconn.Conn.Send tolerates being called this way since
// it serializes writers internally.
func (c *Connection) onBridgeDone(ctx context.Context, resp execution.Response) {
	frame := wire.WorkerReply{RequestID: resp.RequestID, Body: resp.Body, NoRetry: resp.NoRetry}

	envelope, err := wire.Encode(frame)
	if err != nil {
		c.log.Error("failed to encode reply", zap.String("request_id", resp.RequestID), zap.Error(err))
		return
	}

	bytes, err := wire.EncodeBytes(frame)
	if err != nil {
		c.log.Error("failed to encode reply", zap.String("request_id", resp.RequestID), zap.Error(err))
		return
	}

	c.buf.AddPending(resp.RequestID, bytes, replyDeadline)

	if c.dumper != nil {
		c.dumper.dumpOutbound(envelope)
	}

	if err := c.ws.Send(ctx, envelope); err != nil {
		// No active connection to write to; the buffer entry survives as
		// pending-ack, is promoted to unsent once its deadline elapses, and
		// is then delivered by the next HTTP flush (spec §4.3.a edge case).
		c.log.Debug("reply not written to socket, will rely on flush", zap.String("request_id", resp.RequestID))
	}

	c.mu.Lock()
	if ifr, ok := c.inFlight[resp.RequestID]; ok {
		ifr.extend.Stop()
		delete(c.inFlight, resp.RequestID)
	}
	c.mu.Unlock()
}

// finishDraining implements the old-connection half of spec §4.4's
// draining handoff: send WORKER_PAUSE and close with reason
// WORKER_SHUTDOWN. Requests still in flight keep running on the bridge and
// their responses reach the buffer and, with this socket closed, the HTTP
// flush path. No further lease extensions are sent for them once Run has
// returned: their watchLease goroutines stop at c.done.
func (c *Connection) finishDraining() runResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = c.send(ctx, wire.WorkerPause{})
	_ = c.ws.Close(wsconn.CodeNormalShutdown, wsconn.ReasonWorkerShutdown)

	return runResult{reason: closeDraining}
}

func (c *Connection) send(ctx context.Context, msg wire.Message) error {
	f, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if c.dumper != nil {
		c.dumper.dumpOutbound(f)
	}
	return c.ws.Send(ctx, f)
}

// dialAddr builds the WebSocket URL from a gateway endpoint, honoring the
// gateway-url-override test/proxy hook (spec §6).
func dialAddr(cfg *Config, endpoint string) string {
	if cfg.GatewayURLOverride != "" {
		return cfg.GatewayURLOverride
	}
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint
	}
	return "wss://" + endpoint
}

func bearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// startInfo is the subset of transport.StartResponse the handshake needs,
// kept local so connection.go doesn't import transport directly.
type startInfo struct {
	sessionToken string
	syncToken    string
	gatewayGroup string
}
