package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpscope/mcpscope"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"mcpServers": {
			"local": {
				"command": "everything-server",
				"args": ["--verbose"],
				"env": {"DEBUG": "1"}
			},
			"remote": {
				"url": "https://mcp.example.com/mcp",
				"headers": {"X-Api-Key": "abc"}
			}
		}
	}`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Servers, 2)
	assert.Equal(t, "everything-server", f.Servers["local"].Command)
	assert.Equal(t, []string{"--verbose"}, f.Servers["local"].Args)
	assert.Equal(t, "https://mcp.example.com/mcp", f.Servers["remote"].URL)
}

func TestLoadRejectsEmpty(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defines no servers")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestSelect(t *testing.T) {
	single := File{Servers: map[string]ServerConfig{
		"only": {Command: "srv"},
	}}
	multi := File{Servers: map[string]ServerConfig{
		"a": {Command: "srv-a"},
		"b": {Command: "srv-b"},
	}}

	t.Run("explicit name", func(t *testing.T) {
		sc, name, err := multi.Select("b")
		require.NoError(t, err)
		assert.Equal(t, "b", name)
		assert.Equal(t, "srv-b", sc.Command)
	})

	t.Run("unknown name lists available", func(t *testing.T) {
		_, _, err := multi.Select("c")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a, b")
	})

	t.Run("single entry auto-selects", func(t *testing.T) {
		sc, name, err := single.Select("")
		require.NoError(t, err)
		assert.Equal(t, "only", name)
		assert.Equal(t, "srv", sc.Command)
	})

	t.Run("ambiguous without name", func(t *testing.T) {
		_, _, err := multi.Select("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--server")
	})
}

func TestConnectionParams(t *testing.T) {
	t.Run("command infers stdio", func(t *testing.T) {
		params, err := ServerConfig{Command: "srv", Args: []string{"-x"}}.ConnectionParams()
		require.NoError(t, err)
		assert.Equal(t, mcpscope.TransportStdio, params.Kind)
		assert.Equal(t, "srv", params.Command)
	})

	t.Run("url infers http", func(t *testing.T) {
		params, err := ServerConfig{
			URL:     "https://example.com/mcp",
			Headers: map[string]string{"X-Api-Key": "abc"},
		}.ConnectionParams()
		require.NoError(t, err)
		assert.Equal(t, mcpscope.TransportStreamableHTTP, params.Kind)
		assert.Equal(t, "abc", params.Headers.Get("X-Api-Key"))
	})

	t.Run("explicit transport wins", func(t *testing.T) {
		params, err := ServerConfig{Transport: "sse", URL: "https://example.com/sse"}.ConnectionParams()
		require.NoError(t, err)
		assert.Equal(t, mcpscope.TransportSSE, params.Kind)
	})

	t.Run("empty entry fails", func(t *testing.T) {
		_, err := ServerConfig{}.ConnectionParams()
		require.Error(t, err)
	})
}
