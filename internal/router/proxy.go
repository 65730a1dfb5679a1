package router

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// EnsureProxiedSession installs a healthy Session for the router's fixed
// proxied name if none is installed yet, returning an error if the name is
// not in the mirror or the session does not become healthy. Proxy mode calls
// this once at startup;
// failure here is fatal per spec.md §7.1.
func (r *Router) EnsureProxiedSession(ctx context.Context) error {
	d, ok := r.mirror.GetByName(r.proxiedName)
	if !ok {
		return fmt.Errorf("router: proxied server %q not found in registry mirror", r.proxiedName)
	}
	_, err := r.ensureSession(ctx, r.proxiedName, d)
	return err
}

// ListToolsProxy returns the fixed proxied server's tool list, filtered and
// overlaid identically to add_mcp_server, but without touching the registry.
func (r *Router) ListToolsProxy(ctx context.Context) ([]*mcpsdk.Tool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[r.proxiedName]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("router: no session installed for proxied server %q", r.proxiedName)
	}

	d, _ := r.mirror.GetByName(r.proxiedName)
	disabled := d.DisabledTools()
	registryTools := registryToolsByName(d)

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*mcpsdk.Tool, 0, len(tools))
	for _, t := range tools {
		if disabled[t.Name] {
			continue
		}
		overlaid := *t
		if rt, ok := registryTools[t.Name]; ok {
			overlaid.Description = rt.Description
			if schema := parseInputSchema(rt.InputSchema); schema != nil {
				overlaid.InputSchema = schema
			}
		}
		out = append(out, &overlaid)
	}
	return out, nil
}

// CallToolProxy forwards a tool invocation verbatim to the fixed proxied
// session.
func (r *Router) CallToolProxy(ctx context.Context, toolName string, arguments map[string]any) (*mcpsdk.CallToolResult, error) {
	r.mu.Lock()
	sess, ok := r.sessions[r.proxiedName]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("router: no session installed for proxied server %q", r.proxiedName)
	}

	start := time.Now()
	result, err := sess.ExecuteTool(ctx, toolName, arguments)
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordToolCall(ctx, r.proxiedName, status, time.Since(start).Seconds())
	return result, err
}
