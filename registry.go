package connect

import (
	"context"
	"sync"

	"github.com/inngest/connect-go/execution"
)

// FuncHandler is the signature registered user functions implement. It
// receives the decoded request body and returns the bytes the gateway
// should see as the response; the core never interprets either (spec §6).
type FuncHandler func(ctx context.Context, body []byte) ([]byte, error)

type registeredFunc struct {
	handler FuncHandler
}

func (f registeredFunc) Invoke(ctx context.Context, body []byte) ([]byte, error) {
	return f.handler(ctx, body)
}

// Registry is the in-memory mapping from (app, function slug) to handler
// that the embedder populates before calling Connect. It satisfies
// execution.Registry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]registeredFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]registeredFunc)}
}

// Register adds or replaces the handler for a function slug within an app.
func (r *Registry) Register(app, functionSlug string, handler FuncHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[app+"/"+functionSlug] = registeredFunc{handler: handler}
}

// Lookup satisfies execution.Registry.
func (r *Registry) Lookup(app, functionSlug string) (execution.Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[app+"/"+functionSlug]
	return fn, ok
}
