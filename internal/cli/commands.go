// Package cli implements the mcpscope command line: one-shot inspection
// requests against a server plus the authorization helper commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mcpscope/mcpscope"
	"github.com/mcpscope/mcpscope/internal/config"
	"github.com/mcpscope/mcpscope/internal/inspector"
)

var (
	// Global flags
	cfgFile    string
	serverName string
	stateFile  string
	debug      bool
	timeout    time.Duration

	// Connection flags
	transportFlag string
	headerFlags   []string
	envFlags      []string
	rootFlags     []string

	// Request flags
	methodFlag string
	paramsFlag string

	// Tool flags
	toolName          string
	toolArgs          []string
	metadataFlags     []string
	toolMetadataFlags []string
	asTask            bool
	taskTTL           time.Duration

	// Auth flags
	authClientID    string
	authRedirectURI string
	authScopes      []string
	authStateFlag   string

	logger zerolog.Logger
)

// RootCmd represents the base command.
var RootCmd = &cobra.Command{
	Use:   "mcpscope [target] [args...]",
	Short: "mcpscope - interactive MCP server inspector",
	Long: `mcpscope connects to an MCP server over stdio, SSE, or streamable HTTP
and issues one inspection request against it.

The target is either a command to spawn (stdio) or a server URL. Servers can
also be picked from a configuration file with --config and --server.`,
	Version: "0.1.0",
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.Context(), args)
	},
	SilenceUsage: true,
}

// authCmd groups the authorization helper commands.
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage server authorization",
	Long:  `Run the authorization code flow against a protected server`,
}

// authBeginCmd starts a flow and prints the URL the user must visit.
var authBeginCmd = &cobra.Command{
	Use:   "begin [server-url]",
	Short: "Start an authorization flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		insp := newInspector()
		flow, err := insp.BeginAuth(cmd.Context(), args[0], authClientID, authRedirectURI, authScopes, nil)
		if err != nil {
			return err
		}
		return printJSON(flow)
	},
}

// authCompleteCmd resumes a flow with the code delivered on the redirect.
var authCompleteCmd = &cobra.Command{
	Use:   "complete [server-url] [code]",
	Short: "Finish an authorization flow with the delivered code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		insp := newInspector()
		flow, err := insp.CompleteAuth(cmd.Context(), args[0], args[1], authStateFlag, nil)
		if err != nil {
			return err
		}
		return printJSON(flow)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "server map config file")
	RootCmd.PersistentFlags().StringVar(&serverName, "server", "", "server entry to use from the config file")
	RootCmd.PersistentFlags().StringVar(&stateFile, "state", "", "state file path (default per-user config dir)")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	RootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")

	RootCmd.Flags().StringVar(&transportFlag, "transport", "", "transport to use (stdio, sse, http)")
	RootCmd.Flags().StringArrayVar(&headerFlags, "header", nil, `HTTP header as "Name: Value" (repeatable)`)
	RootCmd.Flags().StringArrayVar(&envFlags, "env", nil, "environment variable for stdio servers as key=value (repeatable)")
	RootCmd.Flags().StringArrayVar(&rootFlags, "root", nil, "root URI to expose to the server (repeatable)")

	RootCmd.Flags().StringVar(&methodFlag, "method", "tools/list", "request method to issue")
	RootCmd.Flags().StringVar(&paramsFlag, "params", "", "raw JSON params for the request")

	RootCmd.Flags().StringVar(&toolName, "tool-name", "", "tool to call when method is tools/call")
	RootCmd.Flags().StringArrayVar(&toolArgs, "tool-arg", nil, `tool argument as key=value (repeatable, values JSON-sniffed)`)
	RootCmd.Flags().StringArrayVar(&metadataFlags, "metadata", nil, "request metadata as key=value (repeatable)")
	RootCmd.Flags().StringArrayVar(&toolMetadataFlags, "tool-metadata", nil,
		"tool-call metadata as key=value, wins over --metadata (repeatable)")
	RootCmd.Flags().BoolVar(&asTask, "task", false, "run tools/call as a task and poll it to completion")
	RootCmd.Flags().DurationVar(&taskTTL, "task-ttl", 0, "requested task retention window")

	authBeginCmd.Flags().StringVar(&authClientID, "client-id", "", "OAuth client id")
	authBeginCmd.Flags().StringVar(&authRedirectURI, "redirect-uri", "http://127.0.0.1/callback", "OAuth redirect URI")
	authBeginCmd.Flags().StringArrayVar(&authScopes, "scope", nil, "OAuth scope (repeatable)")
	authCompleteCmd.Flags().StringVar(&authStateFlag, "auth-state", "", "state echoed on the redirect")

	authCmd.AddCommand(authBeginCmd)
	authCmd.AddCommand(authCompleteCmd)
	RootCmd.AddCommand(authCmd)

	cobra.OnInitialize(setupLogger)
}

// Execute runs the root command with signal-aware cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RootCmd.ExecuteContext(ctx)
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func newInspector() *inspector.Inspector {
	opts := []inspector.Option{
		inspector.WithLogger(logger),
		inspector.WithRequestTimeout(timeout),
		inspector.WithElicitationHandler(declineElicitation{}),
	}
	if roots := parseRoots(rootFlags); len(roots) > 0 {
		opts = append(opts, inspector.WithRootsHandler(staticRoots(roots)))
	}
	return inspector.New(newStore(), opts...)
}

func newStore() config.Store {
	path := stateFile
	if path == "" {
		var err error
		path, err = config.DefaultStatePath()
		if err != nil {
			logger.Debug().Err(err).Msg("state persistence disabled")
			return config.NewMemoryStore()
		}
	}
	return config.NewFileStore(path)
}

func runInspect(ctx context.Context, args []string) error {
	params, err := resolveConnection(args)
	if err != nil {
		return err
	}

	insp := newInspector()
	defer insp.Disconnect()

	// A completed authorization flow for this server supplies the header
	// unless the user set one explicitly.
	if params.URL != "" && params.Headers.Get("Authorization") == "" {
		if auth := insp.AuthHeader(params.URL); auth != "" {
			if params.Headers == nil {
				params.Headers = make(map[string][]string)
			}
			params.Headers.Set("Authorization", auth)
		}
	}

	caps, err := insp.Connect(ctx, params)
	if err != nil {
		return err
	}
	logger.Debug().
		Bool("tools", caps.Tools).
		Bool("prompts", caps.Prompts).
		Bool("resources", caps.Resources).
		Bool("tasks", caps.Tasks).
		Msg("connected")

	switch methodFlag {
	case "capabilities":
		return printJSON(struct {
			ServerInfo   mcpscope.Info           `json:"serverInfo"`
			Capabilities inspector.CapabilitySet `json:"capabilities"`
		}{insp.ServerInfo(), caps})
	case mcpscope.MethodToolsCall:
		return runCallTool(ctx, insp)
	default:
		return runGeneric(ctx, insp)
	}
}

func runCallTool(ctx context.Context, insp *inspector.Inspector) error {
	if toolName == "" {
		return fmt.Errorf("tools/call requires --tool-name")
	}

	argMap, err := ParseKeyValues(toolArgs)
	if err != nil {
		return err
	}
	var rawArgs json.RawMessage
	if argMap != nil {
		rawArgs, err = json.Marshal(argMap)
		if err != nil {
			return fmt.Errorf("failed to encode tool arguments: %w", err)
		}
	}

	general, err := ParseKeyValues(metadataFlags)
	if err != nil {
		return err
	}
	specific, err := ParseKeyValues(toolMetadataFlags)
	if err != nil {
		return err
	}
	if err := config.ValidateMetadata(general); err != nil {
		return err
	}
	if err := config.ValidateMetadata(specific); err != nil {
		return err
	}

	callParams := mcpscope.CallToolParams{
		Name:      toolName,
		Arguments: rawArgs,
		Meta:      config.MergeMetadata(general, specific),
	}

	if asTask {
		return runToolTask(ctx, insp, callParams)
	}

	sess, err := insp.Session()
	if err != nil {
		return err
	}
	result, err := sess.CallTool(ctx, callParams)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runToolTask(ctx context.Context, insp *inspector.Inspector, callParams mcpscope.CallToolParams) error {
	tasks, err := insp.Tasks()
	if err != nil {
		return err
	}

	handle, immediate, err := tasks.CallToolAsTask(ctx, callParams, taskTTL)
	if err != nil {
		return err
	}
	if handle == nil {
		// The server chose to answer directly.
		return printJSON(immediate)
	}

	logger.Debug().Str("task", handle.TaskID()).Msg("task created, polling")
	result, err := handle.Wait(ctx)
	if err != nil {
		return err
	}
	return printJSON(struct {
		Task   mcpscope.Task           `json:"task"`
		Result mcpscope.CallToolResult `json:"result"`
	}{handle.Snapshot(), result})
}

func runGeneric(ctx context.Context, insp *inspector.Inspector) error {
	var reqParams any
	if paramsFlag != "" {
		if !json.Valid([]byte(paramsFlag)) {
			return fmt.Errorf("--params is not valid JSON")
		}
		reqParams = json.RawMessage(paramsFlag)
	}

	var result json.RawMessage
	if err := insp.Do(ctx, methodFlag, reqParams, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func resolveConnection(args []string) (mcpscope.ConnectionParams, error) {
	headers, err := ParseHeaders(headerFlags)
	if err != nil {
		return mcpscope.ConnectionParams{}, err
	}
	env, err := ParseStringMap(envFlags)
	if err != nil {
		return mcpscope.ConnectionParams{}, err
	}

	if len(args) > 0 {
		target := args[0]
		if isURL(target) {
			kind := mcpscope.TransportStreamableHTTP
			switch transportFlag {
			case "", "http":
			case "sse":
				kind = mcpscope.TransportSSE
			default:
				return mcpscope.ConnectionParams{}, fmt.Errorf("transport %q cannot connect to a URL", transportFlag)
			}
			return mcpscope.ConnectionParams{Kind: kind, URL: target, Headers: headers}, nil
		}

		if transportFlag != "" && transportFlag != "stdio" {
			return mcpscope.ConnectionParams{}, fmt.Errorf("transport %q requires a URL target", transportFlag)
		}
		return mcpscope.ConnectionParams{Kind: mcpscope.TransportStdio, Command: target, Args: args[1:], Env: env}, nil
	}

	if cfgFile == "" {
		return mcpscope.ConnectionParams{}, fmt.Errorf("specify a target command or URL, or use --config")
	}

	file, err := config.Load(cfgFile)
	if err != nil {
		return mcpscope.ConnectionParams{}, err
	}
	entry, name, err := file.Select(serverName)
	if err != nil {
		return mcpscope.ConnectionParams{}, err
	}
	logger.Debug().Str("server", name).Msg("using config entry")

	params, err := entry.ConnectionParams()
	if err != nil {
		return mcpscope.ConnectionParams{}, err
	}
	if transportFlag != "" {
		params.Kind = mcpscope.TransportKind(transportFlag)
	}
	for k, vs := range headers {
		if params.Headers == nil {
			params.Headers = make(map[string][]string)
		}
		params.Headers[k] = vs
	}
	for k, v := range env {
		if params.Env == nil {
			params.Env = make(map[string]string)
		}
		params.Env[k] = v
	}
	return params, nil
}

// printJSON writes data as indented JSON on stdout.
func printJSON(data any) error {
	bs, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(bs))
	return nil
}
