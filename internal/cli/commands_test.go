package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpscope/mcpscope"
)

func TestResolveConnectionStdioEnv(t *testing.T) {
	envFlags = []string{"API_KEY=secret", "DEBUG=1"}
	t.Cleanup(func() { envFlags = nil })

	params, err := resolveConnection([]string{"everything-server", "--verbose"})
	require.NoError(t, err)

	assert.Equal(t, mcpscope.TransportStdio, params.Kind)
	assert.Equal(t, "everything-server", params.Command)
	assert.Equal(t, []string{"--verbose"}, params.Args)
	assert.Equal(t, map[string]string{"API_KEY": "secret", "DEBUG": "1"}, params.Env)
}

func TestResolveConnectionBadEnvFlag(t *testing.T) {
	envFlags = []string{"NOEQUALS"}
	t.Cleanup(func() { envFlags = nil })

	_, err := resolveConnection([]string{"everything-server"})
	require.Error(t, err)
}
