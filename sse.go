package mcpscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tmaxmax/go-sse"
)

// SSE is a client transport for servers exposing the two-endpoint SSE wire:
// a long-lived GET stream carrying server messages and an "endpoint" event
// announcing the URL outbound messages are POSTed to.
//
// Instances are created through NewTransport and must be closed when no
// longer needed.
type SSE struct {
	connectURL string
	headers    http.Header
	httpClient *http.Client
	logger     zerolog.Logger

	maxPayloadSize int

	messages chan JSONRPCMessage
	cancel   context.CancelFunc
	done     chan struct{}

	// endpointReady is closed once the endpoint event has been received.
	// Send blocks on it so no message can be posted before the server has
	// told us where to post.
	endpointReady chan struct{}

	mu         sync.Mutex
	messageURL string
	err        error
	closeOnce  sync.Once
}

func newSSE(connectURL string, headers http.Header, options transportOptions) *SSE {
	return &SSE{
		connectURL:     connectURL,
		headers:        headers,
		httpClient:     options.httpClient,
		logger:         options.logger.With().Str("transport", "sse").Logger(),
		maxPayloadSize: options.maxPayloadSize,
		messages:       make(chan JSONRPCMessage),
		done:           make(chan struct{}),
		endpointReady:  make(chan struct{}),
	}
}

// Start opens the event stream and returns the inbound message channel. The
// channel closes when the stream ends or the transport is closed.
func (s *SSE) Start(ctx context.Context) (<-chan JSONRPCMessage, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Stage: "connect", Err: err}
	}
	s.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Stage: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{Stage: "connect", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	go s.listenSSEMessages(resp.Body)

	return s.messages, nil
}

// Send transmits a message to the announced endpoint via HTTP POST. It blocks
// until the endpoint event has arrived on the stream.
func (s *SSE) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.endpointReady:
	case <-s.done:
		return &ConnectionLostError{Err: s.Err()}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	s.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Err reports the terminal stream error after the message channel closes.
func (s *SSE) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the event stream.
func (s *SSE) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

func (s *SSE) applyHeaders(req *http.Request) {
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func (s *SSE) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *SSE) listenSSEMessages(body io.ReadCloser) {
	defer func() {
		body.Close()
		close(s.messages)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug().Err(err).Msg("event stream failed")
				s.setErr(err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// One endpoint event per stream; a second one means the server
			// is off-protocol and the stream cannot be trusted.
			s.mu.Lock()
			announced := s.messageURL != ""
			s.mu.Unlock()
			if announced {
				s.logger.Debug().Str("data", ev.Data).Msg("duplicate endpoint event")
				s.setErr(errors.New("server sent a second endpoint event"))
				return
			}

			// Resolve against the connect URL so servers can announce a
			// relative path.
			endpoint, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				s.logger.Debug().Err(err).Str("data", ev.Data).Msg("bad endpoint event")
				s.setErr(err)
				return
			}
			s.mu.Lock()
			s.messageURL = endpoint
			s.mu.Unlock()
			close(s.endpointReady)
		case "message":
			// Messages before the endpoint event mean the server is not
			// following the handshake; drop them.
			s.mu.Lock()
			ready := s.messageURL != ""
			s.mu.Unlock()
			if !ready {
				s.logger.Debug().Msg("received message before endpoint event")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Debug().Err(err).Msg("skipping unparseable message")
				continue
			}

			select {
			case <-s.done:
				return
			case s.messages <- msg:
			}
		default:
			s.logger.Debug().Str("type", ev.Type).Msg("unhandled event type")
		}
	}
}

func (s *SSE) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	endpoint := base.ResolveReference(ref).String()
	if endpoint == "" {
		return "", errors.New("empty endpoint URL")
	}
	return endpoint, nil
}
