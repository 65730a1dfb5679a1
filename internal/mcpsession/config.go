// Package mcpsession implements the per-child-server lifecycle manager: one
// state machine per downstream MCP server, negotiating a transport,
// maintaining an initialized session, probing liveness, retrying failed
// tool calls once, and providing idempotent shutdown.
package mcpsession

import (
	"os"
	"strings"

	"github.com/nacos-mcp-router/router/internal/registry"
)

// Config is the subset of a [registry.Descriptor] materialized into
// transport parameters for one Session.
type Config struct {
	Name     string
	Protocol registry.Protocol

	// Stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP transports (mcp-sse, mcp-streamable).
	URL     string
	Headers map[string]string
}

// defaultInheritedEnvVars is the curated allowlist of process environment
// variables passed through to stdio children, matching the keys a shell
// child process needs to resolve its own executable and locale rather than
// the router's full environment (which may carry registry credentials).
var defaultInheritedEnvVars = []string{
	"HOME", "PATH", "SHELL", "USER", "LOGNAME",
	"LANG", "LC_ALL", "TERM", "TMPDIR", "TZ",
	"PWD", "SYSTEMROOT", "APPDATA", "USERPROFILE",
}

// defaultEnvironment returns the curated allowlist subset of the process's
// own environment, keyed for overlay with user-supplied env.
func defaultEnvironment() map[string]string {
	env := make(map[string]string, len(defaultInheritedEnvVars))
	for _, key := range defaultInheritedEnvVars {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// NewConfigFromDescriptor builds a [Config] for name from d's materialized
// AgentConfig, merging the curated default environment with user-supplied
// env (user wins) for stdio and defaulting headers to an empty map for HTTP
// transports.
func NewConfigFromDescriptor(name string, d registry.Descriptor) Config {
	cfg := Config{Name: name, Protocol: d.Protocol}

	entry := serverEntry(d, name)

	switch d.Protocol {
	case registry.ProtocolSSE, registry.ProtocolStreamableHTTP:
		cfg.URL, _ = entry["url"].(string)
		cfg.Headers = stringMap(entry["headers"])
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
	default:
		cfg.Protocol = registry.ProtocolStdio
		cfg.Command, _ = entry["command"].(string)
		cfg.Args = stringSlice(entry["args"])

		env := defaultEnvironment()
		for k, v := range stringMap(entry["env"]) {
			env[k] = v
		}
		cfg.Env = env
	}

	return cfg
}

// serverEntry returns d.AgentConfig["mcpServers"][name] as a map, or an
// empty map if absent at any level.
func serverEntry(d registry.Descriptor, name string) map[string]any {
	servers, _ := d.AgentConfig["mcpServers"].(map[string]any)
	entry, _ := servers[name].(map[string]any)
	if entry == nil {
		return map[string]any{}
	}
	return entry
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return strings.Fields(s)
	default:
		return nil
	}
}
