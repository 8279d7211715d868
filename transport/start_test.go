package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStartSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got == "" {
			t.Error("missing Authorization header")
		}
		json.NewEncoder(w).Encode(StartResponse{
			ConnectionID:    "c1",
			GatewayEndpoint: "wss://example.test/ws",
			GatewayGroup:    "g1",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "signing-key", "", "prod")
	resp, err := c.Start(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if resp.ConnectionID != "c1" {
		t.Fatalf("connection id = %q, want c1", resp.ConnectionID)
	}
}

func TestStartAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"bad key"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "signing-key", "", "prod")
	_, err := c.Start(context.Background(), nil, false)
	if err == nil {
		t.Fatal("expected error")
	}

	var authErr AuthError
	if ae, ok := err.(AuthError); ok {
		authErr = ae
	} else {
		t.Fatalf("expected AuthError, got %T", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", authErr.Status)
	}
}

func TestStartConnectionLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "signing-key", "", "prod")
	c.Retries = 1
	_, err := c.Start(context.Background(), nil, false)
	if _, ok := err.(ConnectionLimitError); !ok {
		t.Fatalf("expected ConnectionLimitError, got %T (%v)", err, err)
	}
}
