package mcpscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tmaxmax/go-sse"
)

// StreamableHTTP is a client transport for servers exposing a single HTTP
// endpoint. Outbound messages are POSTed to it; the server answers each POST
// with either a JSON body or a short-lived event stream, and may push
// unsolicited messages over an optional long-lived GET stream. The server's
// session is tracked through the Mcp-Session-Id header and terminated with a
// DELETE on Close.
type StreamableHTTP struct {
	endpoint   string
	headers    http.Header
	httpClient *http.Client
	logger     zerolog.Logger

	maxPayloadSize int

	messages chan JSONRPCMessage
	done     chan struct{}
	cancel   context.CancelFunc
	feeders  sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	err       error
	closeOnce sync.Once
}

func newStreamableHTTP(endpoint string, headers http.Header, options transportOptions) *StreamableHTTP {
	return &StreamableHTTP{
		endpoint:       endpoint,
		headers:        headers,
		httpClient:     options.httpClient,
		logger:         options.logger.With().Str("transport", "http").Logger(),
		maxPayloadSize: options.maxPayloadSize,
		messages:       make(chan JSONRPCMessage),
		done:           make(chan struct{}),
	}
}

// Start opens the optional standalone GET stream for server-initiated
// messages and returns the inbound message channel. Servers that do not
// support the standalone stream respond 405; that is not an error.
func (s *StreamableHTTP) Start(ctx context.Context) (<-chan JSONRPCMessage, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.feeders.Add(1)
	go func() {
		defer s.feeders.Done()
		s.listenStandalone(streamCtx)
	}()

	return s.messages, nil
}

// Send POSTs one message to the endpoint and feeds any response body back
// into the message channel.
func (s *StreamableHTTP) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return &ConnectionLostError{Err: s.Err()}
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	s.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	// The initialize response carries the session id all later requests
	// must echo.
	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		s.mu.Lock()
		s.sessionID = id
		s.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusAccepted {
		resp.Body.Close()
		return nil
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch contentType {
	case "application/json":
		defer resp.Body.Close()
		var reply JSONRPCMessage
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		s.feed(reply)
		return nil
	case "text/event-stream":
		// The response stream may interleave progress notifications and
		// server requests before the final response; drain it off the
		// Send path.
		s.feeders.Add(1)
		go func() {
			defer s.feeders.Done()
			defer resp.Body.Close()
			s.readEventStream(resp.Body)
		}()
		return nil
	default:
		resp.Body.Close()
		return fmt.Errorf("unsupported response content type %q", contentType)
	}
}

// Err reports the terminal transport error after the message channel closes.
func (s *StreamableHTTP) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the server session with a DELETE, stops the streams, and
// closes the message channel.
func (s *StreamableHTTP) Close() error {
	s.closeOnce.Do(func() {
		s.deleteSession()
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		go func() {
			s.feeders.Wait()
			close(s.messages)
		}()
	})
	return nil
}

func (s *StreamableHTTP) deleteSession() {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		return
	}

	req, err := http.NewRequest(http.MethodDelete, s.endpoint, nil)
	if err != nil {
		return
	}
	s.applyHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug().Err(err).Msg("session delete failed")
		return
	}
	resp.Body.Close()
}

func (s *StreamableHTTP) applyHeaders(req *http.Request) {
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
}

func (s *StreamableHTTP) feed(msg JSONRPCMessage) {
	select {
	case <-s.done:
	case s.messages <- msg:
	}
}

func (s *StreamableHTTP) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *StreamableHTTP) listenStandalone(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("standalone stream request failed")
		return
	}
	s.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug().Err(err).Msg("standalone stream connect failed")
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Supporting the standalone stream is optional for servers.
		s.logger.Debug().Int("status", resp.StatusCode).Msg("standalone stream unavailable")
		return
	}

	s.readEventStream(resp.Body)
}

func (s *StreamableHTTP) readEventStream(body io.Reader) {
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

		if ev.Type != "" && ev.Type != "message" {
			s.logger.Debug().Str("type", ev.Type).Msg("unhandled event type")
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
	}
}
