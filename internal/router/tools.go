package router

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nacos-mcp-router/router/internal/registry"
)

// toolView is the JSON-visible shape of one tool in add_mcp_server's /
// proxy mode's tool listing.
type toolView struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// registryToolsByName indexes a descriptor's registered tool definitions by
// name for the description/inputSchema overlay.
func registryToolsByName(d registry.Descriptor) map[string]registry.ToolDefinition {
	out := make(map[string]registry.ToolDefinition, len(d.ToolSpec.Tools))
	for _, t := range d.ToolSpec.Tools {
		out[t.Name] = t
	}
	return out
}

// schemaFromAny converts a session-reported tool's InputSchema (any,
// JSON-marshalable per the SDK's [mcpsdk.Tool] doc) into the SDK's schema
// type, returning nil on absence or malformed input.
func schemaFromAny(v any) *jsonschema.Schema {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return parseInputSchema(raw)
}

// toRegistryToolDefinition converts a server-reported tool into the wire
// shape pushed back to the registry via updateTools.
func toRegistryToolDefinition(t *mcpsdk.Tool) registry.ToolDefinition {
	var raw json.RawMessage
	if t.InputSchema != nil {
		if b, err := json.Marshal(t.InputSchema); err == nil {
			raw = b
		}
	}
	return registry.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: raw}
}

// parseInputSchema decodes a registry tool's raw inputSchema JSON into the
// SDK's schema type, returning nil on absence or malformed input.
func parseInputSchema(raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return &schema
}
