// Package router implements the upstream-facing façade: a single MCP server
// that either exposes the fixed search/add/use toolset backed by the
// Registry Mirror and the Session Supervisor ("router" mode), or transparently
// forwards every call to one fixed downstream server ("proxy" mode).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/nacos-mcp-router/router/internal/mcpsession"
	"github.com/nacos-mcp-router/router/internal/observe"
	"github.com/nacos-mcp-router/router/internal/registry"
)

// Mode selects which tool surface the façade exposes upstream.
type Mode string

const (
	ModeRouter Mode = "router"
	ModeProxy  Mode = "proxy"
)

// topK is the number of candidates search_mcp_server aims to return.
const topK = 5

// Session is the subset of [mcpsession.Session] the façade depends on. A
// narrow interface so tests can supply a fake without opening real
// transports.
type Session interface {
	WaitForInitialization(ctx context.Context) error
	Healthy(ctx context.Context) bool
	ListTools(ctx context.Context) ([]*mcpsdk.Tool, error)
	ExecuteTool(ctx context.Context, toolName string, arguments map[string]any) (*mcpsdk.CallToolResult, error)
	RequestShutdown()
	Cleanup() error
	Name() string
	InitializeResult() *mcpsdk.InitializeResult
}

var _ Session = (*mcpsession.Session)(nil)

// Mirror is the subset of [mirror.Mirror] the façade depends on.
type Mirror interface {
	SearchByKeyword(word string) []registry.Descriptor
	GetMcpServer(ctx context.Context, query string, k int) []registry.Descriptor
	GetByName(name string) (registry.Descriptor, bool)
}

// RegistryUpdater is the subset of [registry.Client] the façade depends on.
type RegistryUpdater interface {
	UpdateTools(ctx context.Context, name string, tools []registry.ToolDefinition, version, id string) bool
}

// SessionFactory builds and starts a Session for cfg. Overridable in tests.
type SessionFactory func(ctx context.Context, cfg mcpsession.Config) Session

func defaultSessionFactory(ctx context.Context, cfg mcpsession.Config) Session {
	return mcpsession.New(ctx, cfg)
}

// Router is the explicit, passed-around façade value: mode, the fixed
// proxied name (proxy mode only), and the installed-session map. Deliberately
// not module-scope state, per spec.md §9's note against global mutable maps.
type Router struct {
	mode        Mode
	proxiedName string

	mirror     Mirror
	registry   RegistryUpdater
	metrics    *observe.Metrics
	newSession SessionFactory

	mu       sync.Mutex
	sessions map[string]Session
}

// New creates a Router. metrics defaults to [observe.DefaultMetrics] if nil.
func New(mode Mode, proxiedName string, mirror Mirror, reg RegistryUpdater, metrics *observe.Metrics) *Router {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Router{
		mode:        mode,
		proxiedName: proxiedName,
		mirror:      mirror,
		registry:    reg,
		metrics:     metrics,
		newSession:  defaultSessionFactory,
		sessions:    make(map[string]Session),
	}
}

// candidate is the JSON-visible shape returned by search_mcp_server.
type candidate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SearchMCPServer implements the search_mcp_server tool: union keyword
// matches across key_words (comma separated), topping up with a semantic
// query over task_description when fewer than topK results were found.
func (r *Router) SearchMCPServer(ctx context.Context, taskDescription, keyWords string) string {
	start := time.Now()
	defer func() {
		r.metrics.SearchRequests.Add(ctx, 1)
		r.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	found := make(map[string]registry.Descriptor)
	for _, kw := range strings.Split(keyWords, ",") {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		for _, d := range r.mirror.SearchByKeyword(kw) {
			found[d.Name] = d
		}
	}

	if len(found) < topK {
		for _, d := range r.mirror.GetMcpServer(ctx, taskDescription, topK-len(found)) {
			found[d.Name] = d
		}
	}

	result := make(map[string]candidate, len(found))
	for name, d := range found {
		result[name] = candidate{Name: name, Description: d.Description}
	}
	content, err := json.Marshal(result)
	if err != nil {
		slog.Warn("router: failed to marshal search result", "error", err)
		return fmt.Sprintf("Error: failed to search mcp server for %s", taskDescription)
	}

	return fmt.Sprintf(
		"Found %d candidate mcp server(s) for %q:\n%s\n"+
			"Call add_mcp_server with one of the names above to install it before using its tools.",
		len(result), taskDescription, string(content))
}

// AddMCPServer implements the add_mcp_server tool: ensures a healthy Session
// exists for mcp_server_name, publishes its tool list back to the registry,
// and returns a human-readable confirmation listing the enabled tools.
func (r *Router) AddMCPServer(ctx context.Context, name string) string {
	d, ok := r.mirror.GetByName(name)
	if !ok {
		r.metrics.RegisterRequests.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", "not_found")))
		return name + " is not found, use search_mcp_server to get mcp servers"
	}

	disabled := d.DisabledTools()

	sess, err := r.ensureSession(ctx, name, d)
	if err != nil {
		r.metrics.RegisterRequests.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", "install_failed")))
		slog.Warn("router: failed to install mcp server", "server", name, "error", err)
		return "failed to install mcp server " + name + ", use search_mcp_server to get mcp servers"
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		r.metrics.RegisterRequests.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", "list_tools_failed")))
		return "failed to install mcp server " + name + ", use search_mcp_server to get mcp servers"
	}

	registryTools := registryToolsByName(d)
	fullDefs := make([]registry.ToolDefinition, 0, len(tools))
	displayed := make([]toolView, 0, len(tools))
	for _, t := range tools {
		fullDefs = append(fullDefs, toRegistryToolDefinition(t))
		if disabled[t.Name] {
			continue
		}
		view := toolView{Name: t.Name, Description: t.Description, InputSchema: schemaFromAny(t.InputSchema)}
		if rt, ok := registryTools[t.Name]; ok {
			view.Description = rt.Description
			if schema := parseInputSchema(rt.InputSchema); schema != nil {
				view.InputSchema = schema
			}
		}
		displayed = append(displayed, view)
	}

	sessionVersion := ""
	if init := sess.InitializeResult(); init != nil && init.ServerInfo != nil {
		sessionVersion = init.ServerInfo.Version
	}
	r.registry.UpdateTools(ctx, name, fullDefs, sessionVersion, d.ID)

	listJSON, err := json.Marshal(displayed)
	if err != nil {
		listJSON = []byte("[]")
	}
	r.metrics.RegisterRequests.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", "ok")))

	return fmt.Sprintf(
		"1. %s installed successfully, tool list: %s\n"+
			"2. call use_tool to invoke any of %s's tools through nacos-mcp-router.",
		name, string(listJSON), name)
}

// ensureSession returns the installed session for name, constructing and
// initializing one if none exists yet. A Session is inserted into the map
// only after it reports healthy, per spec.md §8's invariant.
func (r *Router) ensureSession(ctx context.Context, name string, d registry.Descriptor) (Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	r.mu.Unlock()
	if ok {
		return sess, nil
	}

	cfg := mcpsession.NewConfigFromDescriptor(name, d)
	sess = r.newSession(ctx, cfg)
	if err := sess.WaitForInitialization(ctx); err != nil {
		sess.Cleanup()
		return nil, fmt.Errorf("router: wait for initialization of %q: %w", name, err)
	}
	if !sess.Healthy(ctx) {
		sess.Cleanup()
		return nil, fmt.Errorf("router: session for %q did not become healthy", name)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[name]; ok {
		// Another caller raced us to installation; keep the existing one and
		// discard ours, matching the idempotence law.
		r.mu.Unlock()
		sess.Cleanup()
		return existing, nil
	}
	r.sessions[name] = sess
	r.mu.Unlock()
	r.metrics.ActiveSessions.Add(ctx, 1)
	r.metrics.HealthySessions.Add(ctx, 1)

	return sess, nil
}

// UseTool implements the use_tool tool: resolves the named session, executes
// the named downstream tool with params (a JSON-encoded object), and returns
// the string form of the response content.
func (r *Router) UseTool(ctx context.Context, serverName, toolName, paramsJSON string) string {
	r.mu.Lock()
	sess, ok := r.sessions[serverName]
	r.mu.Unlock()
	if !ok {
		return "mcp server not found, use search_mcp_server to get mcp servers"
	}

	if !sess.Healthy(ctx) {
		r.mu.Lock()
		delete(r.sessions, serverName)
		r.mu.Unlock()
		r.metrics.HealthySessions.Add(ctx, -1)
		r.metrics.ActiveSessions.Add(ctx, -1)
		return "mcp server is not healthy, use search_mcp_server to get mcp servers"
	}

	var params map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return "failed to use tool: " + toolName
		}
	}

	start := time.Now()
	result, err := sess.ExecuteTool(ctx, toolName, params)
	if err != nil {
		r.metrics.RecordToolCall(ctx, serverName, "error", time.Since(start).Seconds())
		slog.Warn("router: tool execution failed", "server", serverName, "tool", toolName, "error", err)
		return "failed to use tool: " + toolName
	}
	r.metrics.RecordToolCall(ctx, serverName, "ok", time.Since(start).Seconds())

	return contentToString(result)
}

// Shutdown requests shutdown then cleans up every installed session.
func (r *Router) Shutdown() {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.RequestShutdown()
	}
	for _, s := range sessions {
		if err := s.Cleanup(); err != nil {
			slog.Warn("router: cleanup failed", "server", s.Name(), "error", err)
		}
	}
}

// contentToString concatenates every text content block of result, matching
// the mcphost.Host convention for rendering a CallToolResult as a string.
func contentToString(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
