package mcpscope

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	// Pipe pairs simulating a process's stdin/stdout.
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := NewStdIO(serverReader, serverWriter)
	clientTransport := NewStdIO(clientReader, clientWriter)
	defer serverTransport.Close()
	defer clientTransport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverMsgs, err := serverTransport.Start(ctx)
	if err != nil {
		t.Fatalf("server Start() error = %v", err)
	}
	clientMsgs, err := clientTransport.Start(ctx)
	if err != nil {
		t.Fatalf("client Start() error = %v", err)
	}

	// The server echoes every request back as a response.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range serverMsgs {
			if msg.Method == "" {
				continue
			}
			reply := JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage(`{"ok":true}`),
			}
			if err := serverTransport.Send(ctx, reply); err != nil {
				t.Errorf("server Send() error = %v", err)
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		req := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      MustString(fmt.Sprintf("%d", i+1)),
			Method:  MethodPing,
		}
		if err := clientTransport.Send(ctx, req); err != nil {
			t.Fatalf("client Send() error = %v", err)
		}

		select {
		case reply := <-clientMsgs:
			if reply.ID != req.ID {
				t.Errorf("reply ID = %q, want %q", reply.ID, req.ID)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for reply")
		}
	}

	serverReader.Close()
	wg.Wait()
}

func TestStdIOSkipsUnparseableLines(t *testing.T) {
	reader, writer := io.Pipe()
	transport := NewStdIO(reader, io.Discard)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := transport.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	go func() {
		fmt.Fprintln(writer, "this is not json")
		fmt.Fprintln(writer, `{"jsonrpc":"2.0","id":"1","result":{}}`)
	}()

	select {
	case msg := <-msgs:
		if msg.ID != "1" {
			t.Errorf("ID = %q, want %q", msg.ID, "1")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the valid message")
	}
}

func TestStdIOCleanClose(t *testing.T) {
	reader, writer := io.Pipe()
	transport := NewStdIO(reader, io.Discard)

	msgs, err := transport.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// EOF on the reader is a clean close, not an error.
	writer.Close()

	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("expected the channel to close without messages")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close on EOF")
	}

	if err := transport.Err(); err != nil {
		t.Errorf("Err() = %v, want nil on clean close", err)
	}
	if err := transport.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStdIOSendAfterClose(t *testing.T) {
	reader, _ := io.Pipe()
	transport := NewStdIO(reader, io.Discard)

	if _, err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	transport.Close()

	err := transport.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      "1",
		Method:  MethodPing,
	})
	if err == nil {
		t.Fatal("Send() after Close succeeded, want error")
	}
}
