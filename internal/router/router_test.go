package router

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nacos-mcp-router/router/internal/mcpsession"
	"github.com/nacos-mcp-router/router/internal/observe"
	"github.com/nacos-mcp-router/router/internal/registry"
)

// fakeSession is a minimal in-process double for the Session interface.
type fakeSession struct {
	name       string
	healthy    bool
	tools      []*mcpsdk.Tool
	result     *mcpsdk.CallToolResult
	execErr    error
	cleaned    bool
	initResult *mcpsdk.InitializeResult
}

func (f *fakeSession) WaitForInitialization(ctx context.Context) error { return nil }
func (f *fakeSession) Healthy(ctx context.Context) bool                { return f.healthy }
func (f *fakeSession) ListTools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	return f.tools, nil
}
func (f *fakeSession) ExecuteTool(ctx context.Context, toolName string, arguments map[string]any) (*mcpsdk.CallToolResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.result, nil
}
func (f *fakeSession) RequestShutdown()                            {}
func (f *fakeSession) Cleanup() error                              { f.cleaned = true; return nil }
func (f *fakeSession) Name() string                                { return f.name }
func (f *fakeSession) InitializeResult() *mcpsdk.InitializeResult { return f.initResult }

// fakeMirror is an in-process double for the Mirror interface.
type fakeMirror struct {
	byKeyword map[string][]registry.Descriptor
	byName    map[string]registry.Descriptor
	topK      []registry.Descriptor
}

func (m *fakeMirror) SearchByKeyword(word string) []registry.Descriptor { return m.byKeyword[word] }
func (m *fakeMirror) GetMcpServer(ctx context.Context, query string, k int) []registry.Descriptor {
	if k <= 0 || len(m.topK) == 0 {
		return nil
	}
	if k < len(m.topK) {
		return m.topK[:k]
	}
	return m.topK
}
func (m *fakeMirror) GetByName(name string) (registry.Descriptor, bool) {
	d, ok := m.byName[name]
	return d, ok
}

// fakeRegistryUpdater records the last UpdateTools call.
type fakeRegistryUpdater struct {
	lastName    string
	lastTools   []registry.ToolDefinition
	lastVersion string
	lastID      string
}

func (u *fakeRegistryUpdater) UpdateTools(ctx context.Context, name string, tools []registry.ToolDefinition, version, id string) bool {
	u.lastName = name
	u.lastTools = tools
	u.lastVersion = version
	u.lastID = id
	return true
}

func newTestRouter(mirror Mirror, reg RegistryUpdater) *Router {
	r := New(ModeRouter, "", mirror, reg, observe.DefaultMetrics())
	return r
}

func TestUseTool_NotFound(t *testing.T) {
	r := newTestRouter(&fakeMirror{}, &fakeRegistryUpdater{})

	got := r.UseTool(context.Background(), "weather", "get", "{}")
	if !strings.HasPrefix(got, "mcp server not found, use search_mcp_server") {
		t.Errorf("UseTool() = %q", got)
	}
}

func TestUseTool_UnhealthyDropsSession(t *testing.T) {
	r := newTestRouter(&fakeMirror{}, &fakeRegistryUpdater{})
	fs := &fakeSession{name: "weather", healthy: false}
	r.sessions["weather"] = fs

	got := r.UseTool(context.Background(), "weather", "get", "{}")
	if !strings.Contains(got, "not healthy") {
		t.Errorf("UseTool() = %q", got)
	}
	if _, ok := r.sessions["weather"]; ok {
		t.Error("expected unhealthy session to be dropped from the map")
	}
}

func TestUseTool_ExecutesAndReturnsContent(t *testing.T) {
	r := newTestRouter(&fakeMirror{}, &fakeRegistryUpdater{})
	fs := &fakeSession{
		name:    "weather",
		healthy: true,
		result: &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "sunny"}},
		},
	}
	r.sessions["weather"] = fs

	got := r.UseTool(context.Background(), "weather", "get", `{"city":"nyc"}`)
	if got != "sunny" {
		t.Errorf("UseTool() = %q, want %q", got, "sunny")
	}
}

func TestUseTool_ExecuteErrorReturnsFailureMessage(t *testing.T) {
	r := newTestRouter(&fakeMirror{}, &fakeRegistryUpdater{})
	fs := &fakeSession{name: "weather", healthy: true, execErr: errExec}
	r.sessions["weather"] = fs

	got := r.UseTool(context.Background(), "weather", "get", "{}")
	if !strings.HasPrefix(got, "failed to use tool: get") {
		t.Errorf("UseTool() = %q", got)
	}
}

func TestSearchMCPServer_UnionsKeywordsAndTopsUp(t *testing.T) {
	m := &fakeMirror{
		byKeyword: map[string][]registry.Descriptor{
			"weather": {{Name: "weather-server", Description: "gives weather"}},
		},
		topK: []registry.Descriptor{
			{Name: "semantic-1", Description: "semantic match"},
			{Name: "semantic-2", Description: "semantic match 2"},
		},
	}
	r := newTestRouter(m, &fakeRegistryUpdater{})

	got := r.SearchMCPServer(context.Background(), "find me the forecast", "weather")
	if !strings.Contains(got, "weather-server") {
		t.Errorf("expected keyword match in result, got %q", got)
	}
	if !strings.Contains(got, "semantic-1") {
		t.Errorf("expected topped-up semantic match in result, got %q", got)
	}
}

func TestAddMCPServer_NotFound(t *testing.T) {
	r := newTestRouter(&fakeMirror{byName: map[string]registry.Descriptor{}}, &fakeRegistryUpdater{})

	got := r.AddMCPServer(context.Background(), "missing")
	if !strings.Contains(got, "is not found") {
		t.Errorf("AddMCPServer() = %q", got)
	}
}

func TestAddMCPServer_FiltersDisabledToolsAndUpdatesRegistry(t *testing.T) {
	d := registry.Descriptor{
		Name: "weather",
		ID:   "srv-42",
		ToolSpec: registry.ToolSpec{
			ToolsMeta: map[string]registry.ToolMeta{
				"risky": {Enabled: false},
				"safe":  {Enabled: true},
			},
		},
	}
	reg := &fakeRegistryUpdater{}
	r := newTestRouter(&fakeMirror{byName: map[string]registry.Descriptor{"weather": d}}, reg)
	r.newSession = func(ctx context.Context, cfg mcpsession.Config) Session {
		return &fakeSession{
			name:    "weather",
			healthy: true,
			tools: []*mcpsdk.Tool{
				{Name: "safe", Description: "does safe things"},
				{Name: "risky", Description: "does risky things"},
			},
			initResult: &mcpsdk.InitializeResult{
				ServerInfo: &mcpsdk.Implementation{Name: "weather-server", Version: "3.1.0"},
			},
		}
	}

	got := r.AddMCPServer(context.Background(), "weather")
	if !strings.Contains(got, "safe") {
		t.Errorf("expected enabled tool in response, got %q", got)
	}
	if strings.Contains(got, `"risky"`) {
		t.Errorf("expected disabled tool to be filtered out, got %q", got)
	}
	if reg.lastName != "weather" || len(reg.lastTools) != 2 {
		t.Errorf("expected full unfiltered tool list pushed to registry, got %+v", reg.lastTools)
	}
	if reg.lastVersion != "3.1.0" {
		t.Errorf("expected session's advertised version 3.1.0 pushed to registry, got %q", reg.lastVersion)
	}
	if reg.lastID != "srv-42" {
		t.Errorf("expected descriptor id srv-42 pushed to registry, got %q", reg.lastID)
	}
}

func TestAddMCPServer_IsIdempotent(t *testing.T) {
	d := registry.Descriptor{Name: "weather", ToolSpec: registry.ToolSpec{ToolsMeta: map[string]registry.ToolMeta{}}}
	reg := &fakeRegistryUpdater{}
	r := newTestRouter(&fakeMirror{byName: map[string]registry.Descriptor{"weather": d}}, reg)

	calls := 0
	r.newSession = func(ctx context.Context, cfg mcpsession.Config) Session {
		calls++
		return &fakeSession{name: "weather", healthy: true}
	}

	r.AddMCPServer(context.Background(), "weather")
	r.AddMCPServer(context.Background(), "weather")

	if calls != 1 {
		t.Errorf("expected exactly one session to be constructed, got %d calls", calls)
	}
}

func TestSearchMCPServer_ResultIsValidJSON(t *testing.T) {
	m := &fakeMirror{byKeyword: map[string][]registry.Descriptor{
		"db": {{Name: "postgres-tool", Description: "talks to postgres"}},
	}}
	r := newTestRouter(m, &fakeRegistryUpdater{})

	got := r.SearchMCPServer(context.Background(), "query a database", "db")
	start := strings.Index(got, "{")
	end := strings.LastIndex(got, "}")
	if start < 0 || end < 0 {
		t.Fatalf("expected a JSON object embedded in result, got %q", got)
	}
	var decoded map[string]candidate
	if err := json.Unmarshal([]byte(got[start:end+1]), &decoded); err != nil {
		t.Fatalf("embedded JSON did not decode: %v", err)
	}
	if _, ok := decoded["postgres-tool"]; !ok {
		t.Errorf("expected postgres-tool in decoded result, got %+v", decoded)
	}
}

var errExec = &execError{"tool call failed"}

type execError struct{ msg string }

func (e *execError) Error() string { return e.msg }
