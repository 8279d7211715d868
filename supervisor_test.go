package connect

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/inngest/connect-go/transport"
)

func TestReconnectStateExcludeUnexclude(t *testing.T) {
	s := reconnectState{excludedGateways: make(map[string]struct{})}

	s.exclude("group-a")
	list := s.excludedList()
	if len(list) != 1 || list[0] != "group-a" {
		t.Fatalf("excludedList = %v, want [group-a]", list)
	}

	s.unexclude("group-a")
	if len(s.excludedList()) != 0 {
		t.Fatalf("excludedList after unexclude = %v, want empty", s.excludedList())
	}
}

func TestReconnectStateExcludeEmptyGroupIsNoop(t *testing.T) {
	s := reconnectState{excludedGateways: make(map[string]struct{})}
	s.exclude("")
	if len(s.excludedList()) != 0 {
		t.Fatalf("excluding an empty group should be a no-op, got %v", s.excludedList())
	}
}

func TestReconnectStateSwapToFallbackOnlyOnce(t *testing.T) {
	s := reconnectState{excludedGateways: make(map[string]struct{})}

	if !s.swapToFallback() {
		t.Fatal("first swap should report true")
	}
	if s.swapToFallback() {
		t.Fatal("second swap should report false, already on fallback")
	}
	if !s.usesFallback() {
		t.Fatal("usesFallback should be true after a successful swap")
	}
}

func TestReactToErrorSwapsToFallbackOnAuthError(t *testing.T) {
	s := NewSupervisor(&Config{}, nil, nil, nil, zap.NewNop())

	authErr := transport.AuthError{HTTPError: &transport.HTTPError{Status: 401}}
	s.reactToError(authErr)

	if !s.state.usesFallback() {
		t.Fatal("expected supervisor to swap to the fallback signing key on AuthError")
	}
}

func TestReactToErrorLeavesStateAloneOnOrdinaryError(t *testing.T) {
	s := NewSupervisor(&Config{}, nil, nil, nil, zap.NewNop())

	s.reactToError(errors.New("transient network failure"))

	if s.state.usesFallback() {
		t.Fatal("an ordinary error must not trigger a fallback-key swap")
	}
}

func TestSupervisorStateTransitions(t *testing.T) {
	s := NewSupervisor(&Config{}, nil, nil, nil, zap.NewNop())

	if s.State() != StateConnecting {
		t.Fatalf("initial state = %v, want CONNECTING", s.State())
	}

	s.setState(StateActive)
	if s.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", s.State())
	}
}
