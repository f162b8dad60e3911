// Package everything implements a self-contained test server exercising the
// client-facing protocol surface: tools (including task-augmented calls),
// prompts, resources with subscriptions, logging, and progress updates. It
// speaks newline-delimited JSON-RPC over an io.Reader/io.Writer pair, so it
// runs equally over real stdio and over in-process pipes in tests.
//
// Not intended for production use; it exists as a counterpart for inspecting
// and testing clients.
package everything

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mcpscope/mcpscope"
)

// Server is one instance of the test server bound to a reader/writer pair.
// Create it with NewServer and drive it with Run.
type Server struct {
	reader io.Reader
	writer io.Writer
	logger zerolog.Logger

	writeMu sync.Mutex

	levelMu  sync.Mutex
	logLevel mcpscope.LogLevel

	// resource subscriptions, keyed by URI
	subs sync.Map

	tasksMu sync.Mutex
	tasks   map[string]*serverTask

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger the server emits diagnostics to.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a test server over the given reader and writer.
func NewServer(reader io.Reader, writer io.Writer, opts ...Option) *Server {
	s := &Server{
		reader:   reader,
		writer:   writer,
		logger:   zerolog.Nop(),
		logLevel: mcpscope.LogLevelDebug,
		tasks:    make(map[string]*serverTask),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads and serves messages until the reader is exhausted, ctx is
// cancelled, or Close is called.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg mcpscope.JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("skipping unparseable message")
			continue
		}

		go s.dispatch(ctx, msg)
	}
	return scanner.Err()
}

// Close stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Server) dispatch(ctx context.Context, msg mcpscope.JSONRPCMessage) {
	if msg.Method == "" {
		// A response to a server-initiated request; this server makes none.
		return
	}

	if msg.ID == "" {
		s.handleClientNotification(msg)
		return
	}

	switch msg.Method {
	case mcpscope.MethodInitialize:
		s.handleInitialize(msg)
	case mcpscope.MethodPing:
		s.reply(msg.ID, struct{}{})
	case mcpscope.MethodToolsList:
		s.reply(msg.ID, mcpscope.ListToolsResult{Tools: toolList})
	case mcpscope.MethodToolsCall:
		s.handleCallTool(ctx, msg)
	case mcpscope.MethodPromptsList:
		s.reply(msg.ID, mcpscope.ListPromptsResult{Prompts: promptList})
	case mcpscope.MethodPromptsGet:
		s.handleGetPrompt(msg)
	case mcpscope.MethodResourcesList:
		s.reply(msg.ID, mcpscope.ListResourcesResult{Resources: resourceList})
	case mcpscope.MethodResourcesRead:
		s.handleReadResource(msg)
	case mcpscope.MethodResourcesTemplatesList:
		s.reply(msg.ID, mcpscope.ListResourceTemplatesResult{Templates: resourceTemplates})
	case mcpscope.MethodResourcesSubscribe:
		s.handleSubscribe(msg)
	case mcpscope.MethodResourcesUnsubscribe:
		s.handleUnsubscribe(msg)
	case mcpscope.MethodCompletionComplete:
		s.handleComplete(msg)
	case mcpscope.MethodLoggingSetLevel:
		s.handleSetLogLevel(msg)
	case mcpscope.MethodTasksGet:
		s.handleGetTask(msg)
	case mcpscope.MethodTasksResult:
		s.handleTaskResult(msg)
	case mcpscope.MethodTasksCancel:
		s.handleCancelTask(msg)
	case mcpscope.MethodTasksList:
		s.handleListTasks(msg)
	default:
		s.replyErr(msg.ID, -32601, fmt.Sprintf("Method not found: %s", msg.Method))
	}
}

func (s *Server) handleClientNotification(msg mcpscope.JSONRPCMessage) {
	switch msg.Method {
	case "notifications/initialized":
		s.logger.Debug().Msg("client initialized")
	case "notifications/cancelled":
		var params struct {
			RequestID string `json:"requestId"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			s.logger.Debug().Str("id", params.RequestID).Str("reason", params.Reason).Msg("client cancelled request")
		}
	default:
		s.logger.Debug().Str("method", msg.Method).Msg("unhandled notification")
	}
}

func (s *Server) handleInitialize(msg mcpscope.JSONRPCMessage) {
	var params struct {
		ProtocolVersion string        `json:"protocolVersion"`
		ClientInfo      mcpscope.Info `json:"clientInfo"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}
	s.logger.Debug().Str("client", params.ClientInfo.Name).Msg("initialize")

	result := struct {
		ProtocolVersion string                      `json:"protocolVersion"`
		Capabilities    mcpscope.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcpscope.Info               `json:"serverInfo"`
		Instructions    string                      `json:"instructions,omitempty"`
	}{
		ProtocolVersion: mcpscope.ProtocolVersion,
		Capabilities: mcpscope.ServerCapabilities{
			Prompts:   &mcpscope.PromptsCapability{},
			Resources: &mcpscope.ResourcesCapability{Subscribe: true},
			Tools:     &mcpscope.ToolsCapability{},
			Logging:   &mcpscope.LoggingCapability{},
			Tasks:     &mcpscope.TasksCapability{},
		},
		ServerInfo:   mcpscope.Info{Name: "everything", Version: "1.0.0"},
		Instructions: "Test server exercising tools, prompts, resources, and tasks.",
	}
	s.reply(msg.ID, result)
}

func (s *Server) handleSetLogLevel(msg mcpscope.JSONRPCMessage) {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.replyErr(msg.ID, -32602, "Invalid params")
		return
	}

	level, err := mcpscope.ParseLogLevel(params.Level)
	if err != nil {
		s.replyErr(msg.ID, -32602, fmt.Sprintf("Unknown log level: %s", params.Level))
		return
	}

	s.levelMu.Lock()
	s.logLevel = level
	s.levelMu.Unlock()
	s.reply(msg.ID, struct{}{})
}

// log emits a notifications/message to the client when the message clears the
// configured level.
func (s *Server) log(message string, level mcpscope.LogLevel) {
	s.levelMu.Lock()
	minLevel := s.logLevel
	s.levelMu.Unlock()
	if level < minLevel {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	s.notify("notifications/message", mcpscope.LogParams{
		Level:  level,
		Logger: "everything",
		Data:   data,
	})
}

func (s *Server) reply(id mcpscope.MustString, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.replyErr(id, -32603, "Internal error")
		return
	}
	s.write(mcpscope.JSONRPCMessage{
		JSONRPC: mcpscope.JSONRPCVersion,
		ID:      id,
		Result:  raw,
	})
}

func (s *Server) replyErr(id mcpscope.MustString, code int, message string) {
	s.write(mcpscope.JSONRPCMessage{
		JSONRPC: mcpscope.JSONRPCVersion,
		ID:      id,
		Error:   &mcpscope.JSONRPCError{Code: code, Message: message},
	})
}

func (s *Server) notify(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	s.write(mcpscope.JSONRPCMessage{
		JSONRPC: mcpscope.JSONRPCVersion,
		Method:  method,
		Params:  raw,
	})
}

func (s *Server) write(msg mcpscope.JSONRPCMessage) {
	bs, err := json.Marshal(msg)
	if err != nil {
		s.logger.Debug().Err(err).Msg("failed to marshal message")
		return
	}
	bs = append(bs, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writer.Write(bs); err != nil {
		s.logger.Debug().Err(err).Msg("write failed")
	}
}
