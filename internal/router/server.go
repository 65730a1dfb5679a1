package router

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// searchInput is the typed argument struct for search_mcp_server, used with
// the SDK's generic [mcpsdk.AddTool] so the input schema is derived from
// struct tags rather than hand-written JSON.
type searchInput struct {
	TaskDescription string `json:"task_description" jsonschema:"natural-language description of the task to accomplish"`
	KeyWords        string `json:"key_words" jsonschema:"comma-separated task keywords, at most two"`
}

type addServerInput struct {
	McpServerName string `json:"mcp_server_name" jsonschema:"name of the mcp server to install"`
}

type useToolInput struct {
	McpServerName string `json:"mcp_server_name" jsonschema:"name of the installed mcp server"`
	McpToolName   string `json:"mcp_tool_name" jsonschema:"name of the tool to invoke on that server"`
	Params        string `json:"params" jsonschema:"JSON-encoded object of tool arguments"`
}

// BuildServer constructs the upstream [mcpsdk.Server] for r. In router mode
// it registers the fixed search/add/use toolset; in proxy mode it discovers
// and registers the fixed downstream server's own tools as pass-through
// handlers. ctx is used only for the proxy-mode tool discovery call.
func BuildServer(ctx context.Context, r *Router) (*mcpsdk.Server, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "nacos-mcp-router",
		Version: "1.0.0",
	}, nil)

	switch r.mode {
	case ModeProxy:
		if err := registerProxyTools(ctx, server, r); err != nil {
			return nil, err
		}
	default:
		registerRouterTools(server, r)
	}

	return server, nil
}

func registerRouterTools(server *mcpsdk.Server, r *Router) {
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "search_mcp_server",
		Description: "Search for candidate mcp servers by task description and keywords before doing any task.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in searchInput) (*mcpsdk.CallToolResult, any, error) {
		text := r.SearchMCPServer(ctx, in.TaskDescription, in.KeyWords)
		return textResult(text), nil, nil
	})

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "add_mcp_server",
		Description: "Install the named mcp server, making its tools available through use_tool.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in addServerInput) (*mcpsdk.CallToolResult, any, error) {
		text := r.AddMCPServer(ctx, in.McpServerName)
		return textResult(text), nil, nil
	})

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "use_tool",
		Description: "Invoke a tool on an installed mcp server.",
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, in useToolInput) (*mcpsdk.CallToolResult, any, error) {
		text := r.UseTool(ctx, in.McpServerName, in.McpToolName, in.Params)
		return textResult(text), nil, nil
	})
}

// registerProxyTools discovers the fixed proxied server's current tool list
// and registers each one as a pass-through handler forwarding to
// [Router.CallToolProxy]. Unlike router mode, the tool set is fixed at
// server-build time: a new tool appearing downstream after startup requires
// a restart, matching the teacher's one-server-instance-per-process model.
func registerProxyTools(ctx context.Context, server *mcpsdk.Server, r *Router) error {
	tools, err := r.ListToolsProxy(ctx)
	if err != nil {
		return fmt.Errorf("router: failed to discover proxied tools: %w", err)
	}

	for _, tool := range tools {
		tool := tool
		server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, fmt.Errorf("router: invalid arguments for tool %q: %w", tool.Name, err)
				}
			}
			return r.CallToolProxy(ctx, tool.Name, args)
		})
	}
	return nil
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}
