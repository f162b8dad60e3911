package mcpscope

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SamplingHandler answers a server's request for an AI model response.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided
	// conversation history and parameters.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// ElicitationHandler answers a server's request for structured user input.
type ElicitationHandler interface {
	// Elicit collects the user's answer to the server's prompt. Declining or
	// cancelling is expressed through ElicitResult.Action, not an error.
	Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error)
}

// RootsHandler answers a server's request for the client's root list.
type RootsHandler interface {
	RootsList(ctx context.Context) (RootList, error)
}

// Notification is one server notification as delivered to subscribers.
type Notification struct {
	Method string
	Params json.RawMessage
}

type respondFunc func(id MustString, result any, rpcErr *JSONRPCError)

// Router receives the server-initiated half of a session: requests
// (sampling, elicitation, roots) are dispatched to registered handlers and
// answered exactly once, notifications fan out to subscribers. A request for
// a method with no registered handler gets a method-not-found reply.
type Router struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	sampling    SamplingHandler
	elicitation ElicitationHandler
	roots       RootsHandler
	subscribers []func(Notification)
	progress    []func(ProgressParams)
	logs        []func(LogParams)

	pendingMu sync.Mutex
	pending   map[string]*hostRequest
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger the router emits diagnostics to.
func WithRouterLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates an empty router. Handlers and subscribers may be
// registered at any time, including after the session connects.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		logger:  zerolog.Nop(),
		pending: make(map[string]*hostRequest),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSamplingHandler registers the handler for sampling/createMessage.
func (r *Router) SetSamplingHandler(h SamplingHandler) {
	r.mu.Lock()
	r.sampling = h
	r.mu.Unlock()
}

// SetElicitationHandler registers the handler for elicitation/create.
func (r *Router) SetElicitationHandler(h ElicitationHandler) {
	r.mu.Lock()
	r.elicitation = h
	r.mu.Unlock()
}

// SetRootsHandler registers the handler for roots/list.
func (r *Router) SetRootsHandler(h RootsHandler) {
	r.mu.Lock()
	r.roots = h
	r.mu.Unlock()
}

// OnNotification registers a subscriber for every server notification. A
// panicking subscriber is isolated; the remaining subscribers still run.
func (r *Router) OnNotification(fn func(Notification)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// OnProgress registers a listener for notifications/progress.
func (r *Router) OnProgress(fn func(ProgressParams)) {
	r.mu.Lock()
	r.progress = append(r.progress, fn)
	r.mu.Unlock()
}

// OnLog registers a listener for notifications/message.
func (r *Router) OnLog(fn func(LogParams)) {
	r.mu.Lock()
	r.logs = append(r.logs, fn)
	r.mu.Unlock()
}

// HostRequestSnapshot describes one server-initiated request still waiting
// on its handler.
type HostRequestSnapshot struct {
	ID         string
	Method     string
	Params     json.RawMessage
	ReceivedAt time.Time
}

// PendingHostRequests lists the server-initiated requests currently in flight.
func (r *Router) PendingHostRequests() []HostRequestSnapshot {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	out := make([]HostRequestSnapshot, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, HostRequestSnapshot{
			ID:         p.id,
			Method:     p.method,
			Params:     p.params,
			ReceivedAt: p.receivedAt,
		})
	}
	return out
}

// clientCapabilities derives the capability set to declare during the
// handshake from which handlers are registered.
func (r *Router) clientCapabilities() ClientCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var caps ClientCapabilities
	if r.roots != nil {
		caps.Roots = &RootsCapability{ListChanged: true}
	}
	if r.sampling != nil {
		caps.Sampling = &SamplingCapability{}
	}
	if r.elicitation != nil {
		caps.Elicitation = &ElicitationCapability{}
	}
	return caps
}

// hostRequest tracks one server-initiated request until it settles. The
// sync.Once makes resolve and reject mutually exclusive and idempotent.
type hostRequest struct {
	id         string
	method     string
	params     json.RawMessage
	receivedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	once    sync.Once
	respond func(result any, rpcErr *JSONRPCError)
}

func (p *hostRequest) resolve(result any) {
	p.once.Do(func() {
		p.respond(result, nil)
	})
}

func (p *hostRequest) reject(code int, message string) {
	p.once.Do(func() {
		p.respond(nil, &JSONRPCError{Code: code, Message: message})
	})
}

// abandon settles the request without sending anything. Used when the server
// cancelled its own request and no longer expects a reply.
func (p *hostRequest) abandon() {
	p.once.Do(func() {})
}

// dispatchRequest routes one server-initiated request to its handler and
// guarantees exactly one reply per request id.
func (r *Router) dispatchRequest(ctx context.Context, msg JSONRPCMessage, respond respondFunc) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &hostRequest{
		id:         string(msg.ID),
		method:     msg.Method,
		params:     msg.Params,
		receivedAt: time.Now(),
		ctx:        reqCtx,
		cancel:     cancel,
		respond: func(result any, rpcErr *JSONRPCError) {
			respond(msg.ID, result, rpcErr)
		},
	}

	r.pendingMu.Lock()
	r.pending[p.id] = p
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, p.id)
		r.pendingMu.Unlock()
	}()

	switch msg.Method {
	case MethodSamplingCreateMessage:
		r.mu.RLock()
		h := r.sampling
		r.mu.RUnlock()
		if h == nil {
			p.reject(jsonRPCMethodNotFoundCode, "Method not found")
			return
		}
		var params SamplingParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.reject(jsonRPCInvalidParamsCode, "Invalid params")
			return
		}
		res, err := h.CreateSampleMessage(p.ctx, params)
		r.settleHandlerResult(p, res, err)
	case MethodElicitationCreate:
		r.mu.RLock()
		h := r.elicitation
		r.mu.RUnlock()
		if h == nil {
			p.reject(jsonRPCMethodNotFoundCode, "Method not found")
			return
		}
		var params ElicitParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.reject(jsonRPCInvalidParamsCode, "Invalid params")
			return
		}
		res, err := h.Elicit(p.ctx, params)
		r.settleHandlerResult(p, res, err)
	case MethodRootsList:
		r.mu.RLock()
		h := r.roots
		r.mu.RUnlock()
		if h == nil {
			p.reject(jsonRPCMethodNotFoundCode, "Method not found")
			return
		}
		res, err := h.RootsList(p.ctx)
		r.settleHandlerResult(p, res, err)
	default:
		p.reject(jsonRPCMethodNotFoundCode, "Method not found")
	}
}

func (r *Router) settleHandlerResult(p *hostRequest, result any, err error) {
	if err != nil {
		if p.ctx.Err() != nil {
			// The server cancelled this request; it no longer wants a reply.
			p.abandon()
			return
		}
		r.logger.Debug().Err(err).Str("method", p.method).Msg("handler failed")
		p.reject(jsonRPCInternalErrorCode, err.Error())
		return
	}
	p.resolve(result)
}

// cancelHostRequest honors an inbound notifications/cancelled for a
// server-initiated request still in flight.
func (r *Router) cancelHostRequest(id string) {
	r.pendingMu.Lock()
	p, ok := r.pending[id]
	r.pendingMu.Unlock()
	if !ok {
		return
	}
	p.abandon()
	p.cancel()
}

// handleNotification delivers one server notification to the typed listeners
// and the generic subscribers.
func (r *Router) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			r.cancelHostRequest(params.RequestID)
		}
	case methodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			r.mu.RLock()
			listeners := append([]func(ProgressParams){}, r.progress...)
			r.mu.RUnlock()
			for _, fn := range listeners {
				r.safeProgress(fn, params)
			}
		}
	case methodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			r.mu.RLock()
			listeners := append([]func(LogParams){}, r.logs...)
			r.mu.RUnlock()
			for _, fn := range listeners {
				r.safeLog(fn, params)
			}
		}
	}

	n := Notification{Method: msg.Method, Params: msg.Params}
	r.mu.RLock()
	subscribers := append([]func(Notification){}, r.subscribers...)
	r.mu.RUnlock()
	for _, fn := range subscribers {
		r.safeNotify(fn, n)
	}
}

func (r *Router) safeNotify(fn func(Notification), n Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Any("panic", rec).Str("method", n.Method).Msg("notification subscriber panicked")
		}
	}()
	fn(n)
}

func (r *Router) safeProgress(fn func(ProgressParams), params ProgressParams) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Any("panic", rec).Msg("progress listener panicked")
		}
	}()
	fn(params)
}

func (r *Router) safeLog(fn func(LogParams), params LogParams) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Any("panic", rec).Msg("log listener panicked")
		}
	}()
	fn(params)
}
