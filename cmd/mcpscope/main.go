package main

import (
	"os"

	"github.com/mcpscope/mcpscope/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
