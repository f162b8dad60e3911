// Package inspector orchestrates connections for interactive inspection: it
// owns the session lifecycle, snapshots negotiated capabilities, records a
// request history, and relays server-initiated traffic to whoever is
// watching.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcpscope/mcpscope"
	"github.com/mcpscope/mcpscope/internal/config"
)

const historyLimit = 100

// CapabilitySet is the immutable snapshot of what the connected server
// declared during the handshake.
type CapabilitySet struct {
	Tools             bool `json:"tools"`
	Prompts           bool `json:"prompts"`
	Resources         bool `json:"resources"`
	ResourceSubscribe bool `json:"resourceSubscribe"`
	Logging           bool `json:"logging"`
	Tasks             bool `json:"tasks"`
}

// HistoryEntry records one request issued through the inspector.
type HistoryEntry struct {
	At       time.Time       `json:"at"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Err      string          `json:"err,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Inspector drives at most one live session at a time. Connect tears down
// any previous session before establishing the next.
type Inspector struct {
	logger zerolog.Logger
	store  config.Store

	clientInfo     mcpscope.Info
	requestTimeout time.Duration

	sampling    mcpscope.SamplingHandler
	elicitation mcpscope.ElicitationHandler
	roots       mcpscope.RootsHandler

	mu         sync.Mutex
	sess       *mcpscope.Session
	tasks      *mcpscope.TaskManager
	router     *mcpscope.Router
	caps       CapabilitySet
	serverInfo mcpscope.Info
	history    []HistoryEntry

	notifMu   sync.Mutex
	notifSubs []func(mcpscope.Notification)
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithLogger sets the logger for the inspector and everything it builds.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Inspector) {
		i.logger = logger
	}
}

// WithClientInfo sets the name and version announced during the handshake.
func WithClientInfo(info mcpscope.Info) Option {
	return func(i *Inspector) {
		i.clientInfo = info
	}
}

// WithRequestTimeout bounds every request issued through the inspector.
func WithRequestTimeout(d time.Duration) Option {
	return func(i *Inspector) {
		i.requestTimeout = d
	}
}

// WithSamplingHandler answers sampling/createMessage requests from servers.
func WithSamplingHandler(h mcpscope.SamplingHandler) Option {
	return func(i *Inspector) {
		i.sampling = h
	}
}

// WithElicitationHandler answers elicitation/create requests from servers.
func WithElicitationHandler(h mcpscope.ElicitationHandler) Option {
	return func(i *Inspector) {
		i.elicitation = h
	}
}

// WithRootsHandler answers roots/list requests from servers.
func WithRootsHandler(h mcpscope.RootsHandler) Option {
	return func(i *Inspector) {
		i.roots = h
	}
}

// New creates an inspector persisting through the given store.
func New(store config.Store, opts ...Option) *Inspector {
	i := &Inspector{
		logger: zerolog.Nop(),
		store:  store,
		clientInfo: mcpscope.Info{
			Name:    "mcpscope",
			Version: "0.1.0",
		},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Connect establishes a session with the described server and snapshots its
// capabilities. Any prior session is closed first.
func (i *Inspector) Connect(ctx context.Context, params mcpscope.ConnectionParams) (CapabilitySet, error) {
	i.Disconnect()

	transport, err := mcpscope.NewTransport(params, mcpscope.WithTransportLogger(i.logger))
	if err != nil {
		return CapabilitySet{}, err
	}

	router := mcpscope.NewRouter(mcpscope.WithRouterLogger(i.logger))
	if i.sampling != nil {
		router.SetSamplingHandler(i.sampling)
	}
	if i.elicitation != nil {
		router.SetElicitationHandler(i.elicitation)
	}
	if i.roots != nil {
		router.SetRootsHandler(i.roots)
	}
	router.OnNotification(i.fanoutNotification)

	sessOpts := []mcpscope.SessionOption{
		mcpscope.WithRouter(router),
		mcpscope.WithSessionLogger(i.logger),
	}
	if i.requestTimeout > 0 {
		sessOpts = append(sessOpts, mcpscope.WithRequestTimeout(i.requestTimeout))
	}
	sess := mcpscope.NewSession(i.clientInfo, transport, sessOpts...)

	if err := sess.Connect(ctx); err != nil {
		return CapabilitySet{}, err
	}

	serverCaps := sess.ServerCapabilities()
	caps := CapabilitySet{
		Tools:     serverCaps.Tools != nil,
		Prompts:   serverCaps.Prompts != nil,
		Resources: serverCaps.Resources != nil,
		Logging:   serverCaps.Logging != nil,
		Tasks:     serverCaps.Tasks != nil,
	}
	if serverCaps.Resources != nil {
		caps.ResourceSubscribe = serverCaps.Resources.Subscribe
	}

	i.mu.Lock()
	i.sess = sess
	i.router = router
	i.tasks = mcpscope.NewTaskManager(sess, mcpscope.WithTaskLogger(i.logger))
	i.caps = caps
	i.serverInfo = sess.ServerInfo()
	i.mu.Unlock()

	i.logger.Debug().Str("server", sess.ServerInfo().Name).Msg("session established")
	return caps, nil
}

// Disconnect closes the live session, if any.
func (i *Inspector) Disconnect() {
	i.mu.Lock()
	sess := i.sess
	i.sess = nil
	i.tasks = nil
	i.router = nil
	i.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// Status reports the live session's lifecycle state.
func (i *Inspector) Status() mcpscope.SessionStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sess == nil {
		return mcpscope.StatusDisconnected
	}
	return i.sess.Status()
}

// Capabilities returns the snapshot taken at connect time.
func (i *Inspector) Capabilities() CapabilitySet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.caps
}

// ServerInfo returns the connected server's identity.
func (i *Inspector) ServerInfo() mcpscope.Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.serverInfo
}

// Session returns the live session.
func (i *Inspector) Session() (*mcpscope.Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sess == nil {
		return nil, errors.New("not connected")
	}
	return i.sess, nil
}

// Tasks returns the task manager for the live session.
func (i *Inspector) Tasks() (*mcpscope.TaskManager, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.tasks == nil {
		return nil, errors.New("not connected")
	}
	return i.tasks, nil
}

// PendingHostRequests lists server-initiated requests awaiting an answer.
func (i *Inspector) PendingHostRequests() []mcpscope.HostRequestSnapshot {
	i.mu.Lock()
	router := i.router
	i.mu.Unlock()
	if router == nil {
		return nil
	}
	return router.PendingHostRequests()
}

// Do issues one request on the live session, records it in the history, and
// decodes the result into out when non-nil.
func (i *Inspector) Do(ctx context.Context, method string, params any, out any) error {
	sess, err := i.Session()
	if err != nil {
		return err
	}

	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
	}

	start := time.Now()
	var raw json.RawMessage
	reqErr := sess.Request(ctx, method, params, &raw)

	entry := HistoryEntry{
		At:       start,
		Method:   method,
		Params:   rawParams,
		Result:   raw,
		Duration: time.Since(start),
	}
	if reqErr != nil {
		entry.Err = reqErr.Error()
	}
	i.record(entry)

	if reqErr != nil {
		return reqErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &mcpscope.ValidationError{Method: method, Err: err}
	}
	return nil
}

// History returns the recorded requests, oldest first.
func (i *Inspector) History() []HistoryEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]HistoryEntry, len(i.history))
	copy(out, i.history)
	return out
}

// OnNotification subscribes to every notification from the live session and
// any session connected later.
func (i *Inspector) OnNotification(fn func(mcpscope.Notification)) {
	i.notifMu.Lock()
	i.notifSubs = append(i.notifSubs, fn)
	i.notifMu.Unlock()
}

func (i *Inspector) fanoutNotification(n mcpscope.Notification) {
	i.notifMu.Lock()
	subs := append([]func(mcpscope.Notification){}, i.notifSubs...)
	i.notifMu.Unlock()
	for _, fn := range subs {
		fn(n)
	}
}

func (i *Inspector) record(entry HistoryEntry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.history = append(i.history, entry)
	if len(i.history) > historyLimit {
		i.history = i.history[len(i.history)-historyLimit:]
	}
}
