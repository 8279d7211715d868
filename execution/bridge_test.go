package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fnFunc func(ctx context.Context, body []byte) ([]byte, error)

func (f fnFunc) Invoke(ctx context.Context, body []byte) ([]byte, error) { return f(ctx, body) }

type mapRegistry map[string]Function

func (m mapRegistry) Lookup(app, slug string) (Function, bool) {
	fn, ok := m[app+"/"+slug]
	return fn, ok
}

func waitFor(t *testing.T, ch <-chan Response) Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return Response{}
	}
}

func TestInProcessSubmitSuccess(t *testing.T) {
	reg := mapRegistry{"A/f": fnFunc(func(ctx context.Context, body []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})}

	b := NewInProcess(reg, zap.NewNop())
	out := make(chan Response, 1)
	b.Submit(context.Background(), Request{RequestID: "r1", App: "A", FunctionSlug: "f"}, func(r Response) { out <- r })

	resp := waitFor(t, out)
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("body = %s", resp.Body)
	}
	b.Close()
}

func TestInProcessSubmitUnknownFunction(t *testing.T) {
	b := NewInProcess(mapRegistry{}, zap.NewNop())
	out := make(chan Response, 1)
	b.Submit(context.Background(), Request{RequestID: "r1", App: "A", FunctionSlug: "missing"}, func(r Response) { out <- r })

	resp := waitFor(t, out)
	if resp.NoRetry {
		t.Fatal("expected NoRetry = false for unknown function")
	}
	b.Close()
}

func TestInProcessSubmitError(t *testing.T) {
	reg := mapRegistry{"A/f": fnFunc(func(ctx context.Context, body []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})}

	b := NewInProcess(reg, zap.NewNop())
	out := make(chan Response, 1)
	b.Submit(context.Background(), Request{RequestID: "r1", App: "A", FunctionSlug: "f"}, func(r Response) { out <- r })

	resp := waitFor(t, out)
	if resp.NoRetry {
		t.Fatal("expected NoRetry = false on function error")
	}
	b.Close()
}

func TestIsolatedBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxSeen := 0, 0

	reg := mapRegistry{"A/f": fnFunc(func(ctx context.Context, body []byte) ([]byte, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return []byte(`{}`), nil
	})}

	b := NewIsolated(reg, zap.NewNop(), 2)
	out := make(chan Response, 10)
	for i := 0; i < 10; i++ {
		b.Submit(context.Background(), Request{RequestID: "r", App: "A", FunctionSlug: "f"}, func(r Response) { out <- r })
	}

	for i := 0; i < 10; i++ {
		waitFor(t, out)
	}
	b.Close()

	if maxSeen > 2 {
		t.Fatalf("max concurrent executions = %d, want <= 2", maxSeen)
	}
}
