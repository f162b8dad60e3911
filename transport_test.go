package mcpscope

import (
	"errors"
	"testing"
)

func TestNewTransportValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  ConnectionParams
		wantErr bool
	}{
		{
			name:   "stdio with command",
			params: ConnectionParams{Kind: TransportStdio, Command: "server", Args: []string{"--flag"}},
		},
		{
			name:    "stdio without command",
			params:  ConnectionParams{Kind: TransportStdio},
			wantErr: true,
		},
		{
			name:   "sse with url",
			params: ConnectionParams{Kind: TransportSSE, URL: "https://example.com/sse"},
		},
		{
			name:    "sse without url",
			params:  ConnectionParams{Kind: TransportSSE},
			wantErr: true,
		},
		{
			name:   "http with url",
			params: ConnectionParams{Kind: TransportStreamableHTTP, URL: "http://localhost:8080/mcp"},
		},
		{
			name:    "http with wrong scheme",
			params:  ConnectionParams{Kind: TransportStreamableHTTP, URL: "ftp://example.com/mcp"},
			wantErr: true,
		},
		{
			name:    "http without host",
			params:  ConnectionParams{Kind: TransportStreamableHTTP, URL: "http://"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			params:  ConnectionParams{Kind: "carrier-pigeon", URL: "https://example.com"},
			wantErr: true,
		},
		{
			name:    "empty kind",
			params:  ConnectionParams{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := NewTransport(tt.params)
			if tt.wantErr {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("NewTransport() error = %v, want *ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTransport() error = %v", err)
			}
			if transport == nil {
				t.Fatal("NewTransport() returned nil transport")
			}
		})
	}
}

func TestNewTransportKinds(t *testing.T) {
	stdio, err := NewTransport(ConnectionParams{Kind: TransportStdio, Command: "server"})
	if err != nil {
		t.Fatalf("stdio: %v", err)
	}
	if _, ok := stdio.(*Command); !ok {
		t.Errorf("stdio transport type = %T, want *Command", stdio)
	}

	sse, err := NewTransport(ConnectionParams{Kind: TransportSSE, URL: "https://example.com/sse"})
	if err != nil {
		t.Fatalf("sse: %v", err)
	}
	if _, ok := sse.(*SSE); !ok {
		t.Errorf("sse transport type = %T, want *SSE", sse)
	}

	streamable, err := NewTransport(ConnectionParams{Kind: TransportStreamableHTTP, URL: "https://example.com/mcp"})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if _, ok := streamable.(*StreamableHTTP); !ok {
		t.Errorf("http transport type = %T, want *StreamableHTTP", streamable)
	}
}
