// Package wsconn implements the single WebSocket connection that backs one
// gateway Connection. It is adapted from arikawa's utils/ws.Conn: a
// gorilla/websocket dial wrapped with a cancellable send lock and a
// dedicated read loop that turns incoming frames into a channel.
package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"

	"github.com/inngest/connect-go/wire"
)

// Subprotocol is the WebSocket sub-protocol negotiated with the gateway.
const Subprotocol = "v0.connect.inngest.com"

const rwBufferSize = 1 << 15 // 32KB

// ErrClosed is returned by Send and Close when the connection has already
// been torn down.
var ErrClosed = errors.New("wsconn: connection is closed")

// CloseReason is sent as the close-frame reason text.
type CloseReason string

const (
	ReasonWorkerShutdown CloseReason = "WORKER_SHUTDOWN"
	ReasonUnexpected     CloseReason = "UNEXPECTED"
)

// Close codes from spec §6.
const (
	CodeNormalShutdown  = 1000
	CodeAbortedHandshake = 4001
)

// Conn is one dialed WebSocket connection. It is not safe to Dial twice
// concurrently, but Send may be called concurrently with the read loop
// filling the channel returned by Dial; sends are serialized internally.
type Conn struct {
	dialer websocket.Dialer

	mu      sync.Mutex // guards ws and frames below
	ws      *websocket.Conn
	frames  chan wire.Frame
	sendMu  csync.Mutex // guards writes to ws, cancellable via ctx
	closed  bool
}

// New creates an undialed Conn using a default dialer.
func New() *Conn {
	return &Conn{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   rwBufferSize,
			WriteBufferSize:  rwBufferSize,
			Subprotocols:     []string{Subprotocol},
		},
	}
}

// Dial opens the WebSocket at addr and starts the read loop. The returned
// channel is closed when the read loop exits, whether due to a clean close,
// a read error, or a malformed frame. ctx bounds only the dial itself.
func (c *Conn) Dial(ctx context.Context, addr string, header http.Header) (<-chan wire.Frame, error) {
	conn, _, err := c.dialer.DialContext(ctx, addr, header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial gateway websocket")
	}

	c.mu.Lock()
	c.ws = conn
	c.frames = make(chan wire.Frame, 8)
	c.closed = false
	frames := c.frames
	c.mu.Unlock()

	go c.readLoop(conn, frames)

	return frames, nil
}

func (c *Conn) readLoop(conn *websocket.Conn, out chan<- wire.Frame) {
	defer close(out)

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}

		f, err := wire.DecodeFrame(b)
		if err != nil {
			// A malformed frame is fatal to the connection (spec §4.1); the
			// caller observes this as the channel closing with no further
			// frames and should treat it as a broken connection.
			return
		}

		out <- f
	}
}

// Send writes a single frame to the WebSocket. It acquires a cancellable
// lock so that a Send blocked on a slow/broken peer can still be
// interrupted by ctx, satisfying the cancellable-suspension-point
// requirement in spec §5.
func (c *Conn) Send(ctx context.Context, f wire.Frame) error {
	if err := c.sendMu.Lock(ctx); err != nil {
		return err
	}
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.ws
	closed := c.closed
	c.mu.Unlock()

	if conn == nil || closed {
		return ErrClosed
	}

	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}

	if d, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(d)
		defer conn.SetWriteDeadline(time.Time{})
	}

	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// Close closes the underlying connection, optionally writing a close frame
// first with the given code and reason. Close is idempotent.
func (c *Conn) Close(code int, reason CloseReason) error {
	c.mu.Lock()
	conn := c.ws
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if conn == nil || alreadyClosed {
		return ErrClosed
	}

	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(code, string(reason))
	conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)

	return conn.Close()
}
