package mcpscope

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// TransportKind selects the wire mechanism a connection uses.
type TransportKind string

// TransportKind values.
const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "http"
)

// ConnectionParams is the tagged union describing how to reach a server.
// Kind decides which of the remaining fields apply: Command/Args/Env for
// stdio, URL/Headers for the HTTP-based transports.
type ConnectionParams struct {
	Kind TransportKind

	// Command is the executable to spawn for stdio connections.
	Command string
	// Args are passed to the spawned executable.
	Args []string
	// Env entries are appended to the inherited environment.
	Env map[string]string

	// URL is the server endpoint for sse and http connections.
	URL string
	// Headers are attached to every HTTP request the transport makes.
	Headers http.Header
}

// Transport is the uniform message pipe a Session drives. Start begins
// reading and returns the inbound message channel; the channel closes when
// the transport drops, after which Err reports the terminal error (nil on a
// clean close). Send transmits one message. Implementations must support
// concurrent Send calls.
type Transport interface {
	Start(ctx context.Context) (<-chan JSONRPCMessage, error)
	Send(ctx context.Context, msg JSONRPCMessage) error
	Err() error
	Close() error
}

// TransportOption configures optional transport behavior.
type TransportOption func(*transportOptions)

type transportOptions struct {
	logger         zerolog.Logger
	httpClient     *http.Client
	maxPayloadSize int
}

// WithTransportLogger sets the logger transports emit diagnostics to.
// The default discards everything.
func WithTransportLogger(logger zerolog.Logger) TransportOption {
	return func(o *transportOptions) {
		o.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used by the sse and http transports.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(o *transportOptions) {
		o.httpClient = client
	}
}

// WithMaxPayloadSize caps the size in bytes of a single event accepted from
// the sse and http transports' event streams. An oversized event terminates
// the stream with an error. Zero leaves the parser's default in place.
func WithMaxPayloadSize(size int) TransportOption {
	return func(o *transportOptions) {
		o.maxPayloadSize = size
	}
}

func newTransportOptions(opts []TransportOption) transportOptions {
	options := transportOptions{
		logger:     zerolog.Nop(),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// NewTransport validates params and constructs the matching transport.
// Validation failures return a ConfigurationError synchronously; no process
// is spawned and no network traffic happens until Start.
func NewTransport(params ConnectionParams, opts ...TransportOption) (Transport, error) {
	options := newTransportOptions(opts)

	switch params.Kind {
	case TransportStdio:
		if params.Command == "" {
			return nil, &ConfigurationError{Reason: "stdio connection requires a command"}
		}
		return newCommand(params.Command, params.Args, params.Env, options), nil
	case TransportSSE:
		if err := validateEndpoint(params.URL); err != nil {
			return nil, err
		}
		return newSSE(params.URL, params.Headers, options), nil
	case TransportStreamableHTTP:
		if err := validateEndpoint(params.URL); err != nil {
			return nil, err
		}
		return newStreamableHTTP(params.URL, params.Headers, options), nil
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown transport kind %q", params.Kind)}
	}
}

func validateEndpoint(rawURL string) error {
	if rawURL == "" {
		return &ConfigurationError{Reason: "connection requires a server URL"}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid server URL %q: %v", rawURL, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigurationError{Reason: fmt.Sprintf("server URL %q must use http or https", rawURL)}
	}
	if u.Host == "" {
		return &ConfigurationError{Reason: fmt.Sprintf("server URL %q has no host", rawURL)}
	}
	return nil
}
