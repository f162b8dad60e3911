package mcpscope

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sseTestServer is an httptest fixture speaking the two-endpoint SSE wire:
// the stream announces a relative endpoint, POSTs to it are echoed back as
// responses over the stream.
func sseTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	stream := make(chan JSONRPCMessage, 8)
	mux := http.NewServeMux()

	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprint(w, "event: endpoint\ndata: /message?session=abc\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg := <-stream:
				bs, err := json.Marshal(msg)
				if err != nil {
					t.Errorf("marshal: %v", err)
					return
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", bs)
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		stream <- JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{"echoed":true}`),
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSSERequestResponse(t *testing.T) {
	srv := sseTestServer(t)

	transport, err := NewTransport(
		ConnectionParams{Kind: TransportSSE, URL: srv.URL + "/sse"},
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := transport.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Send blocks until the endpoint event arrives, so firing immediately
	// exercises that ordering.
	req := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: "1", Method: MethodPing}
	if err := transport.Send(ctx, req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case reply := <-msgs:
		if reply.ID != "1" {
			t.Errorf("reply ID = %q, want %q", reply.ID, "1")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reply")
	}
}

func TestSSEDuplicateEndpointEventFailsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /message\n\n")
		fmt.Fprint(w, "event: endpoint\ndata: /elsewhere\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	transport, err := NewTransport(
		ConnectionParams{Kind: TransportSSE, URL: srv.URL},
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := transport.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The stream must terminate with an error instead of taking the process
	// down.
	select {
	case msg, ok := <-msgs:
		if ok {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("stream never terminated")
	}
	if err := transport.Err(); err == nil {
		t.Error("Err() = nil, want a stream error")
	} else if !strings.Contains(err.Error(), "endpoint") {
		t.Errorf("Err() = %v, want a second-endpoint error", err)
	}
}

func TestSSEMaxPayloadSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /message\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", strings.Repeat("x", 64*1024))
		flusher.Flush()
	}))
	defer srv.Close()

	transport, err := NewTransport(
		ConnectionParams{Kind: TransportSSE, URL: srv.URL},
		WithHTTPClient(srv.Client()),
		WithMaxPayloadSize(1024),
	)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := transport.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case msg, ok := <-msgs:
		if ok {
			t.Fatalf("oversized event was delivered: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("stream never terminated")
	}
	if transport.Err() == nil {
		t.Error("Err() = nil, want an oversized-event error")
	}
}

func TestSSEConnectRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	transport, err := NewTransport(
		ConnectionParams{Kind: TransportSSE, URL: srv.URL},
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}

	if _, err := transport.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded against a failing endpoint")
	}
}
