// Package execution implements the boundary between connection plumbing
// and user code (spec §4.5). Two interchangeable Bridge implementations are
// provided: InProcess, which runs every request on its own unbounded
// goroutine, and Isolated, which dispatches onto a bounded pool of
// worker goroutines so that a slow or panicking function can never starve
// the connection core's heartbeat and lease timers -- the goroutine
// equivalent of the worker-thread isolation the source uses on
// single-threaded runtimes.
package execution

import (
	"context"
)

// Request is the decoded work handed to a Bridge.
type Request struct {
	RequestID    string
	App          string
	FunctionSlug string
	Body         []byte
}

// Response is what a Bridge returns once the request is done.
type Response struct {
	RequestID string
	Body      []byte
	NoRetry   bool
}

// Registry resolves an app/function-slug pair to an invocable function. It
// is the external collaborator named in spec §6; this package never
// interprets the returned bytes.
type Registry interface {
	Lookup(app, functionSlug string) (Function, bool)
}

// Function is one registered user function.
type Function interface {
	Invoke(ctx context.Context, body []byte) (respBody []byte, err error)
}

// Bridge routes one decoded executor request to user code without blocking
// the caller. onDone is invoked exactly once, from some other goroutine,
// with the request's response. The connection core's callback runs on
// that goroutine and buffers and writes the reply from there, without going
// through the core's inbox (see Connection.onBridgeDone). Both
// implementations in this package satisfy Bridge identically from the
// caller's point of view (spec §4.5: "the supervisor is oblivious to which
// is in use").
type Bridge interface {
	Submit(ctx context.Context, req Request, onDone func(Response))
	// Close waits for any outstanding executions to finish and releases
	// bridge resources. It does not cancel running user code.
	Close()
}
