// Package registry provides a typed client for the Nacos MCP registry's
// admin HTTP API and the descriptor model it returns.
package registry

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol identifies the transport a downstream MCP server speaks.
type Protocol string

const (
	ProtocolStdio          Protocol = "stdio"
	ProtocolSSE            Protocol = "mcp-sse"
	ProtocolStreamableHTTP Protocol = "mcp-streamable"
)

// BackendEndpoint is one network endpoint a remote-protocol server listens on.
// Port holds the value the registry sent; a missing port decodes as 0. The
// parser sets no sentinel value for absent endpoints or ports.
type BackendEndpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// ServiceRef identifies the Nacos service backing a remote-protocol server.
type ServiceRef struct {
	ServiceName string `json:"serviceName,omitempty"`
	GroupName   string `json:"groupName,omitempty"`
	NamespaceID string `json:"namespaceId,omitempty"`
}

// RemoteServerConfig describes how a non-stdio server is reached.
type RemoteServerConfig struct {
	ServiceRef ServiceRef `json:"serviceRef"`
	ExportPath string     `json:"exportPath"`
}

// ToolDefinition is one tool a downstream server advertises.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolMeta carries router-relevant metadata about a tool beyond its schema.
type ToolMeta struct {
	Enabled       bool           `json:"enabled"`
	InvokeContext map[string]any `json:"invokeContext,omitempty"`
	Templates     map[string]any `json:"templates,omitempty"`
}

// ToolSpec bundles a server's tool list with per-tool metadata.
type ToolSpec struct {
	Tools     []ToolDefinition    `json:"tools"`
	ToolsMeta map[string]ToolMeta `json:"toolsMeta"`
}

// Descriptor is the router's strongly-typed view of one registry entry.
type Descriptor struct {
	Name         string
	ID           string
	Version      string
	Protocol     Protocol
	Description  string
	Enabled      bool
	Capabilities []string

	// LocalServerConfig holds the stdio launch configuration (command, args,
	// env) as a free-form map, preserved exactly as returned by the registry.
	LocalServerConfig map[string]any

	RemoteServerConfig RemoteServerConfig
	BackendEndpoints   []BackendEndpoint
	ToolSpec           ToolSpec

	// AgentConfig is the materialized `mcpServers` launch configuration,
	// populated for stdio descriptors directly from LocalServerConfig and for
	// remote descriptors by URL synthesis in [Client.GetByName].
	AgentConfig map[string]any
}

// registryDoc mirrors the registry's raw JSON shape for a single MCP server.
// Every optional field must default to its zero value when missing or null —
// only name, protocol, and version are required.
type registryDoc struct {
	Name               string              `json:"name"`
	ID                 string              `json:"id"`
	Protocol           string              `json:"protocol"`
	Version            string              `json:"version"`
	Description        string              `json:"description"`
	Enabled            *bool               `json:"enabled"`
	Capabilities       []string            `json:"capabilities"`
	LocalServerConfig  map[string]any      `json:"localServerConfig"`
	RemoteServerConfig *remoteServerConfig `json:"remoteServerConfig"`
	BackendEndpoints   []BackendEndpoint   `json:"backendEndpoints"`
	ToolSpec           *toolSpecDoc        `json:"toolSpec"`
}

type remoteServerConfig struct {
	ServiceRef *ServiceRef `json:"serviceRef"`
	ExportPath string      `json:"exportPath"`
}

type toolSpecDoc struct {
	Tools     []ToolDefinition    `json:"tools"`
	ToolsMeta map[string]toolMeta `json:"toolsMeta"`
}

type toolMeta struct {
	Enabled       *bool          `json:"enabled"`
	InvokeContext map[string]any `json:"invokeContext"`
	Templates     map[string]any `json:"templates"`
}

// parseDescriptor converts raw registry JSON into a [Descriptor]. It requires
// name, protocol, and version to be present and non-empty; every other field
// is permissively defaulted to its zero value when missing or null.
func parseDescriptor(data []byte) (Descriptor, error) {
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Descriptor{}, fmt.Errorf("registry: parse descriptor: %w", err)
	}
	if doc.Name == "" {
		return Descriptor{}, fmt.Errorf("registry: descriptor missing required field %q", "name")
	}
	if doc.Protocol == "" {
		return Descriptor{}, fmt.Errorf("registry: descriptor %q missing required field %q", doc.Name, "protocol")
	}
	if doc.Version == "" {
		return Descriptor{}, fmt.Errorf("registry: descriptor %q missing required field %q", doc.Name, "version")
	}

	d := Descriptor{
		Name:              doc.Name,
		ID:                doc.ID,
		Version:           doc.Version,
		Protocol:          Protocol(doc.Protocol),
		Description:       doc.Description,
		Enabled:           doc.Enabled == nil || *doc.Enabled,
		Capabilities:      doc.Capabilities,
		LocalServerConfig: doc.LocalServerConfig,
	}

	if doc.RemoteServerConfig != nil {
		d.RemoteServerConfig.ExportPath = doc.RemoteServerConfig.ExportPath
		if doc.RemoteServerConfig.ServiceRef != nil {
			d.RemoteServerConfig.ServiceRef = *doc.RemoteServerConfig.ServiceRef
		}
	}
	d.BackendEndpoints = doc.BackendEndpoints
	if d.BackendEndpoints == nil {
		d.BackendEndpoints = []BackendEndpoint{}
	}

	if doc.ToolSpec != nil {
		d.ToolSpec.Tools = doc.ToolSpec.Tools
		d.ToolSpec.ToolsMeta = make(map[string]ToolMeta, len(doc.ToolSpec.ToolsMeta))
		for name, m := range doc.ToolSpec.ToolsMeta {
			d.ToolSpec.ToolsMeta[name] = ToolMeta{
				Enabled:       m.Enabled == nil || *m.Enabled,
				InvokeContext: defaultMap(m.InvokeContext),
				Templates:     defaultMap(m.Templates),
			}
		}
	} else {
		d.ToolSpec.ToolsMeta = map[string]ToolMeta{}
	}
	if d.ToolSpec.Tools == nil {
		d.ToolSpec.Tools = []ToolDefinition{}
	}

	return d, nil
}

func defaultMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ToolDescription returns the effective description text used for indexing
// and digest computation: the descriptor's own description followed by every
// non-empty tool description, newline separated.
func (d Descriptor) ToolDescription() string {
	var sb strings.Builder
	sb.WriteString(d.Description)
	for _, t := range d.ToolSpec.Tools {
		if t.Description == "" {
			continue
		}
		sb.WriteByte('\n')
		sb.WriteString(t.Description)
	}
	return sb.String()
}

// Digest returns the MD5 hex digest of [Descriptor.ToolDescription], used as
// the mirror's version key for a descriptor.
func (d Descriptor) Digest() string {
	sum := md5.Sum([]byte(d.ToolDescription()))
	return hex.EncodeToString(sum[:])
}

// DisabledTools returns the set of tool names whose [ToolMeta.Enabled] is
// explicitly false.
func (d Descriptor) DisabledTools() map[string]bool {
	disabled := make(map[string]bool)
	for name, meta := range d.ToolSpec.ToolsMeta {
		if !meta.Enabled {
			disabled[name] = true
		}
	}
	return disabled
}
