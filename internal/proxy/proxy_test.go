package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yansir/acct-gateway/internal/gatewayerr"
)

func TestForward_StreamsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello "))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		w.Write([]byte("world"))
	}))
	defer upstream.Close()

	p := New(http.DefaultTransport, 2*time.Second, 2*time.Second, nil)
	rec := httptest.NewRecorder()

	status, gerr := p.Forward(context.Background(), rec, http.MethodGet, upstream.URL, http.Header{}, io.NopCloser(strings.NewReader("")), "pool-test")
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if status != http.StatusOK {
		t.Fatalf("unexpected status: %d", status)
	}
	if rec.Body.String() != "hello world" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected recorder status: %d", rec.Code)
	}
}

func TestForward_ConnectFailure(t *testing.T) {
	p := New(http.DefaultTransport, 200*time.Millisecond, time.Second, nil)
	rec := httptest.NewRecorder()

	status, gerr := p.Forward(context.Background(), rec, http.MethodGet, "http://127.0.0.1:1", http.Header{}, http.NoBody, "pool-test")
	if gerr == nil {
		t.Fatal("expected connect failure")
	}
	if status != 0 {
		t.Fatalf("expected status 0 on connect failure, got %d", status)
	}
	if gerr.Kind != gatewayerr.KindUpstreamConnect && gerr.Kind != gatewayerr.KindUpstreamTimeout {
		t.Fatalf("unexpected kind: %v", gerr.Kind)
	}
}

func TestForward_CancellationStopsStream(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("chunk-1"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	p := New(http.DefaultTransport, 2*time.Second, 5*time.Second, nil)
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		status int
		gerr   *gatewayerr.Error
	}
	done := make(chan result, 1)
	go func() {
		status, gerr := p.Forward(ctx, rec, http.MethodGet, upstream.URL, http.Header{}, http.NoBody, "pool-test")
		done <- result{status, gerr}
	}()

	<-started
	cancel()

	select {
	case r := <-done:
		if r.gerr == nil {
			t.Fatal("expected an error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return promptly after context cancellation")
	}
}

func TestForward_PropagatesHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-token" {
			t.Errorf("expected rewritten authorization header, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	p := New(http.DefaultTransport, time.Second, time.Second, nil)
	rec := httptest.NewRecorder()
	h := http.Header{}
	h.Set("Authorization", "Bearer upstream-token")

	status, gerr := p.Forward(context.Background(), rec, http.MethodGet, upstream.URL, h, http.NoBody, "pool-test")
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}
	if status != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", status)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected recorder status: %d", rec.Code)
	}
}

func TestForward_NoIdleTimeoutWhenUnconfigured(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("a"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte("b"))
	}))
	defer upstream.Close()

	p := New(http.DefaultTransport, time.Second, 0, nil)
	rec := httptest.NewRecorder()

	status, gerr := p.Forward(context.Background(), rec, http.MethodGet, upstream.URL, http.Header{}, http.NoBody, "pool-test")
	if gerr != nil {
		t.Fatalf("unexpected error with idle timeout disabled: %v", gerr)
	}
	if status != http.StatusOK || rec.Body.String() != "ab" {
		t.Fatalf("unexpected result: status=%d body=%q", status, rec.Body.String())
	}
}
