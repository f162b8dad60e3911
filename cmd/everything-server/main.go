// everything-server is a stdio MCP server exercising every feature the
// inspector understands: tools, prompts, resources with subscriptions,
// logging, and task-augmented tool calls. Useful as a test target.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/mcpscope/mcpscope/servers/everything"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	srv := everything.NewServer(os.Stdin, os.Stdout, everything.WithLogger(logger))
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
