package mcpscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionStatus describes where a session is in its lifecycle.
type SessionStatus string

// SessionStatus values.
const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusError        SessionStatus = "error"
)

// Session is one connection to a server: it runs the initialize handshake,
// correlates outbound requests with their responses, routes server-initiated
// requests and notifications through its Router, and settles everything still
// pending when the transport drops.
//
// A Session drives exactly one Transport and must be created with NewSession.
type Session struct {
	id        string
	info      Info
	transport Transport
	router    *Router
	logger    zerolog.Logger

	requestTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan JSONRPCMessage
	nextID    int64
	failed    bool
	failErr   error

	stateMu      sync.Mutex
	status       SessionStatus
	serverInfo   Info
	serverCaps   ServerCapabilities
	instructions string
	protocol     string

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// SessionOption configures optional session behavior.
type SessionOption func(*Session)

// WithRouter sets the router that receives server-initiated requests and
// notifications. Without one, such requests get a method-not-found reply.
func WithRouter(router *Router) SessionOption {
	return func(s *Session) {
		s.router = router
	}
}

// WithSessionLogger sets the logger the session emits diagnostics to.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRequestTimeout bounds how long each request waits for its response.
// Zero means no timeout beyond the caller's context.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = d
	}
}

// NewSession creates a session over the given transport. The connection is
// not touched until Connect.
func NewSession(info Info, transport Transport, opts ...SessionOption) *Session {
	s := &Session{
		id:        uuid.New().String(),
		info:      info,
		transport: transport,
		logger:    zerolog.Nop(),
		pending:   make(map[string]chan JSONRPCMessage),
		status:    StatusDisconnected,
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.router == nil {
		s.router = NewRouter()
	}
	s.logger = s.logger.With().Str("session", s.id).Logger()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Connect starts the transport, performs the initialize handshake, and sends
// the initialized notification. On success the session is connected and the
// server's declared capabilities are available through ServerCapabilities.
func (s *Session) Connect(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	msgs, err := s.transport.Start(ctx)
	if err != nil {
		s.setStatus(StatusError)
		return err
	}
	go s.listenMessages(msgs)

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.router.clientCapabilities(),
		ClientInfo:      s.info,
	}

	var res initializeResult
	if err := s.Request(ctx, MethodInitialize, params, &res); err != nil {
		s.setStatus(StatusError)
		s.transport.Close()
		return &ConnectionError{Stage: "handshake", Err: err}
	}
	if res.ProtocolVersion == "" {
		s.setStatus(StatusError)
		s.transport.Close()
		return &ConnectionError{Stage: "handshake", Err: errors.New("server omitted protocolVersion")}
	}
	if res.ProtocolVersion != ProtocolVersion {
		s.logger.Debug().
			Str("server", res.ProtocolVersion).
			Str("client", ProtocolVersion).
			Msg("protocol version mismatch, continuing")
	}

	s.stateMu.Lock()
	s.serverInfo = res.ServerInfo
	s.serverCaps = res.Capabilities
	s.instructions = res.Instructions
	s.protocol = res.ProtocolVersion
	s.stateMu.Unlock()

	if err := s.Notify(ctx, methodNotificationsInitialized, nil); err != nil {
		s.setStatus(StatusError)
		s.transport.Close()
		return &ConnectionError{Stage: "handshake", Err: err}
	}

	s.setStatus(StatusConnected)
	s.logger.Debug().Str("server", res.ServerInfo.Name).Msg("connected")
	return nil
}

// Request sends one JSON-RPC request and decodes the matching response into
// out (which may be nil to discard the result). The pending entry is
// registered before the message leaves so a response can never arrive
// unclaimed. Cancelling ctx abandons the request locally and tells the
// server on a best-effort basis.
func (s *Session) Request(ctx context.Context, method string, params any, out any) error {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	id, ch, err := s.register()
	if err != nil {
		return err
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(id),
		Method:  method,
		Params:  rawParams,
	}

	if err := s.transport.Send(ctx, msg); err != nil {
		s.unregister(id)
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		s.unregister(id)
		s.notifyCancelled(id)
		reason := userCancelledReason
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "request timed out"
		}
		return &CancelledError{Reason: reason}
	case reply, ok := <-ch:
		if !ok {
			return &ConnectionLostError{Err: s.transport.Err()}
		}
		if reply.Error != nil {
			return &ProtocolError{
				Method:  method,
				Code:    reply.Error.Code,
				Message: reply.Error.Message,
				Data:    reply.Error.Data,
			}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(reply.Result, out); err != nil {
			return &ValidationError{Method: method, Err: err}
		}
		return nil
	}
}

// Notify sends one JSON-RPC notification. No response is expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  rawParams,
	})
}

// Close shuts the transport down. Every request still pending settles with a
// ConnectionLostError.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.Close()

		// The read loop fails the pending table when the message channel
		// closes; wait briefly so callers observe the fan-out.
		select {
		case <-s.readDone:
		case <-time.After(5 * time.Second):
			s.failAllPending(nil)
		}

		s.stateMu.Lock()
		if s.status != StatusError {
			s.status = StatusDisconnected
		}
		s.stateMu.Unlock()
	})
	return nil
}

// Status reports the session's current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

// ServerInfo returns the server's name and version from the handshake.
func (s *Session) ServerInfo() Info {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.serverInfo
}

// ServerCapabilities returns the capabilities the server declared during the
// handshake.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.serverCaps
}

// Instructions returns the usage hints the server sent with the handshake.
func (s *Session) Instructions() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.instructions
}

// NegotiatedVersion returns the protocol revision the server answered with.
func (s *Session) NegotiatedVersion() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.protocol
}

// Router returns the router handling server-initiated traffic for this session.
func (s *Session) Router() *Router {
	return s.router
}

// Ping checks connection liveness.
func (s *Session) Ping(ctx context.Context) error {
	return s.Request(ctx, MethodPing, nil, nil)
}

// ListTools retrieves one page of the server's tools.
func (s *Session) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var res ListToolsResult
	err := s.Request(ctx, MethodToolsList, params, &res)
	return res, err
}

// CallTool invokes a tool and returns its result.
func (s *Session) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var res CallToolResult
	err := s.Request(ctx, MethodToolsCall, params, &res)
	return res, err
}

// ListPrompts retrieves one page of the server's prompts.
func (s *Session) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	var res ListPromptsResult
	err := s.Request(ctx, MethodPromptsList, params, &res)
	return res, err
}

// GetPrompt retrieves a rendered prompt by name.
func (s *Session) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var res GetPromptResult
	err := s.Request(ctx, MethodPromptsGet, params, &res)
	return res, err
}

// ListResources retrieves one page of the server's resources.
func (s *Session) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var res ListResourcesResult
	err := s.Request(ctx, MethodResourcesList, params, &res)
	return res, err
}

// ReadResource reads the contents of one resource by URI.
func (s *Session) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var res ReadResourceResult
	err := s.Request(ctx, MethodResourcesRead, params, &res)
	return res, err
}

// ListResourceTemplates retrieves the server's resource templates.
func (s *Session) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	var res ListResourceTemplatesResult
	err := s.Request(ctx, MethodResourcesTemplatesList, params, &res)
	return res, err
}

// SubscribeResource registers for update notifications on one resource.
func (s *Session) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	return s.Request(ctx, MethodResourcesSubscribe, params, nil)
}

// UnsubscribeResource drops a resource update subscription.
func (s *Session) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	return s.Request(ctx, MethodResourcesUnsubscribe, params, nil)
}

// Complete requests completion suggestions for a prompt or resource template
// argument.
func (s *Session) Complete(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	var res CompletionResult
	err := s.Request(ctx, MethodCompletionComplete, params, &res)
	return res, err
}

// SetLogLevel sets the minimum severity of log messages the server emits.
func (s *Session) SetLogLevel(ctx context.Context, level LogLevel) error {
	params := struct {
		Level string `json:"level"`
	}{Level: level.String()}
	return s.Request(ctx, MethodLoggingSetLevel, params, nil)
}

// NotifyRootsListChanged tells the server the client's root list changed.
func (s *Session) NotifyRootsListChanged(ctx context.Context) error {
	return s.Notify(ctx, methodNotificationsRootsListChanged, nil)
}

func (s *Session) setStatus(status SessionStatus) {
	s.stateMu.Lock()
	s.status = status
	s.stateMu.Unlock()
}

// register allocates a request id and claims its slot in the pending table.
// The slot must exist before the request is on the wire, otherwise a fast
// response could arrive unclaimed.
func (s *Session) register() (string, chan JSONRPCMessage, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.failed {
		return "", nil, &ConnectionLostError{Err: s.failErr}
	}
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	ch := make(chan JSONRPCMessage, 1)
	s.pending[id] = ch
	return id, ch, nil
}

func (s *Session) unregister(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// settle hands a response to its waiting requester. Removing the entry under
// the lock makes settlement exactly-once even when racing a connection loss.
func (s *Session) settle(msg JSONRPCMessage) {
	id := string(msg.ID)
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug().Str("id", id).Msg("response for unknown request")
		return
	}
	ch <- msg
}

func (s *Session) failAllPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.failed {
		return
	}
	s.failed = true
	s.failErr = err
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *Session) listenMessages(msgs <-chan JSONRPCMessage) {
	defer close(s.readDone)

	for msg := range msgs {
		switch {
		case msg.Method == "":
			s.settle(msg)
		case msg.ID != "":
			go s.handleServerRequest(msg)
		default:
			s.handleNotification(msg)
		}
	}

	err := s.transport.Err()
	s.failAllPending(err)

	s.stateMu.Lock()
	if s.status == StatusConnected || s.status == StatusConnecting {
		if err != nil {
			s.status = StatusError
		} else {
			s.status = StatusDisconnected
		}
	}
	s.stateMu.Unlock()
}

func (s *Session) handleServerRequest(msg JSONRPCMessage) {
	if msg.Method == MethodPing {
		s.respond(msg.ID, struct{}{}, nil)
		return
	}
	s.router.dispatchRequest(s.sessionContext(), msg, s.respond)
}

func (s *Session) handleNotification(msg JSONRPCMessage) {
	s.router.handleNotification(msg)
}

func (s *Session) respond(id MustString, result any, rpcErr *JSONRPCError) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			s.logger.Debug().Err(err).Msg("failed to marshal result")
			msg.Error = &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: "Internal error"}
		} else {
			msg.Result = raw
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Send(ctx, msg); err != nil {
		s.logger.Debug().Err(err).Str("id", string(id)).Msg("failed to send response")
	}
}

// sessionContext is cancelled when the session closes, bounding the handlers
// serving server-initiated requests.
func (s *Session) sessionContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
		case <-s.readDone:
		}
		cancel()
	}()
	return ctx
}

// notifyCancelled tells the server a request was abandoned. Delivery is best
// effort: the local outcome is already decided, so a failure here is only
// worth a debug line.
func (s *Session) notifyCancelled(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		params := notificationsCancelledParams{
			RequestID: id,
			Reason:    userCancelledReason,
		}
		if err := s.Notify(ctx, methodNotificationsCancelled, params); err != nil {
			s.logger.Debug().Err(err).Str("id", id).Msg("cancel notification not delivered")
		}
	}()
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
