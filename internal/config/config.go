// Package config handles the server map configuration file, persisted
// inspector state, and request metadata rules.
package config

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/mcpscope/mcpscope"
)

// ServerConfig is one entry in the server map: either a command to spawn or
// a URL to connect to.
type ServerConfig struct {
	// Transport picks the wire mechanism: stdio, sse, or http. When empty it
	// is inferred from which of Command and URL is set.
	Transport string            `mapstructure:"transport" json:"transport,omitempty"`
	Command   string            `mapstructure:"command" json:"command,omitempty"`
	Args      []string          `mapstructure:"args" json:"args,omitempty"`
	Env       map[string]string `mapstructure:"env" json:"env,omitempty"`
	URL       string            `mapstructure:"url" json:"url,omitempty"`
	Headers   map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// File is the parsed configuration file.
type File struct {
	Servers map[string]ServerConfig `mapstructure:"mcpServers" json:"mcpServers"`
}

// Load reads and parses a configuration file.
func Load(path string) (File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return File{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return File{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if len(f.Servers) == 0 {
		return File{}, fmt.Errorf("config %s defines no servers", path)
	}
	return f, nil
}

// Select picks one server entry. An explicit name must exist; without one
// the file must define exactly one server, which is selected automatically.
func (f File) Select(name string) (ServerConfig, string, error) {
	if name != "" {
		sc, ok := f.Servers[name]
		if !ok {
			return ServerConfig{}, "", fmt.Errorf("server %q not found in config; available: %s",
				name, strings.Join(f.serverNames(), ", "))
		}
		return sc, name, nil
	}

	if len(f.Servers) == 1 {
		for n, sc := range f.Servers {
			return sc, n, nil
		}
	}
	return ServerConfig{}, "", fmt.Errorf("config defines %d servers; choose one with --server (%s)",
		len(f.Servers), strings.Join(f.serverNames(), ", "))
}

func (f File) serverNames() []string {
	names := make([]string, 0, len(f.Servers))
	for n := range f.Servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConnectionParams converts the entry into transport parameters.
func (c ServerConfig) ConnectionParams() (mcpscope.ConnectionParams, error) {
	kind := mcpscope.TransportKind(c.Transport)
	if c.Transport == "" {
		switch {
		case c.Command != "":
			kind = mcpscope.TransportStdio
		case c.URL != "":
			kind = mcpscope.TransportStreamableHTTP
		default:
			return mcpscope.ConnectionParams{}, fmt.Errorf("server entry needs a command or a url")
		}
	}

	headers := make(http.Header)
	for k, v := range c.Headers {
		headers.Set(k, v)
	}

	return mcpscope.ConnectionParams{
		Kind:    kind,
		Command: c.Command,
		Args:    c.Args,
		Env:     c.Env,
		URL:     c.URL,
		Headers: headers,
	}, nil
}
