package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFlushSuccess(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fc := &FlushClient{Client: NewClient(srv.URL, "key", "", "prod")}
	if err := fc.Flush(context.Background(), "r1", []byte(`{}`), false); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if gotPath != FlushPath+"/r1" {
		t.Fatalf("path = %q, want %q", gotPath, FlushPath+"/r1")
	}
}

func TestFlushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fc := &FlushClient{Client: NewClient(srv.URL, "key", "", "prod")}
	fc.Retries = 1
	if err := fc.Flush(context.Background(), "r1", []byte(`{}`), false); err == nil {
		t.Fatal("expected error")
	}
}
