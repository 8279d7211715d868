package execution

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// InProcess is the simplest Bridge: every request runs on its own
// unbounded goroutine, sharing the scheduler with the connection core.
// Appropriate when max-worker-concurrency is unset (spec §6).
type InProcess struct {
	registry Registry
	log      *zap.Logger

	wg sync.WaitGroup
}

var _ Bridge = (*InProcess)(nil)

// NewInProcess builds an InProcess bridge over registry.
func NewInProcess(registry Registry, log *zap.Logger) *InProcess {
	return &InProcess{registry: registry, log: log}
}

// Submit runs req on a new goroutine and delivers its response to onDone.
func (b *InProcess) Submit(ctx context.Context, req Request, onDone func(Response)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		onDone(invoke(ctx, b.registry, b.log, req))
	}()
}

// Close waits for every in-flight Submit goroutine to return.
func (b *InProcess) Close() {
	b.wg.Wait()
}

// invoke looks up and calls the registered function, shaping any lookup
// failure or panic into the 500-like response frame spec §4.5 and §7
// describe (UserExecutionError never escapes the bridge).
func invoke(ctx context.Context, registry Registry, log *zap.Logger, req Request) (resp Response) {
	resp.RequestID = req.RequestID

	fn, ok := registry.Lookup(req.App, req.FunctionSlug)
	if !ok {
		log.Error("executor request for unknown function",
			zap.String("app", req.App), zap.String("function_slug", req.FunctionSlug))
		resp.Body = errorBody(fmt.Sprintf("no such function %q in app %q", req.FunctionSlug, req.App))
		resp.NoRetry = false
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("user function panicked",
				zap.String("request_id", req.RequestID), zap.Any("panic", r))
			resp.Body = errorBody(fmt.Sprintf("panic: %v", r))
			resp.NoRetry = false
		}
	}()

	body, err := fn.Invoke(ctx, req.Body)
	if err != nil {
		log.Error("user function returned an error",
			zap.String("request_id", req.RequestID), zap.Error(err))
		resp.Body = errorBody(err.Error())
		resp.NoRetry = false
		return resp
	}

	resp.Body = body
	return resp
}

func errorBody(message string) []byte {
	return []byte(fmt.Sprintf(`{"status":500,"error":%q}`, message))
}
