package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	basePath     = "/nacos/v3/admin/ai/mcp"
	listPageSize = 100
	// maxConcurrentDetailFetches bounds the per-page fan-out of detail
	// lookups so a large page size can't open an unbounded number of
	// concurrent HTTP requests against the registry.
	maxConcurrentDetailFetches = 16
)

// Client is a typed wrapper over the Nacos MCP registry's admin HTTP API.
// It is stateless beyond its credentials and is safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient builds a [Client] targeting scheme://addr, authenticating every
// request with username/password headers.
func NewClient(scheme, addr, username, password string) *Client {
	return &Client{
		baseURL:  fmt.Sprintf("%s://%s", scheme, addr),
		username: username,
		password: password,
		http:     &http.Client{},
	}
}

// listItem is one row of the paginated listing endpoint.
type listItem struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type listResponse struct {
	Code int `json:"code"`
	Data struct {
		TotalCount int        `json:"totalCount"`
		PageItems  []listItem `json:"pageItems"`
	} `json:"data"`
}

type getResponse struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
}

// ListPage issues GET {basePath}/list?pageNo&pageSize, then concurrently
// fetches the full descriptor for every enabled item. Items with an empty
// description are dropped, matching the registry's own convention for
// "not yet fully registered" entries.
//
// Any transport or decode failure is logged and treated as an empty page —
// per spec this layer never returns an error for registry unavailability.
func (c *Client) ListPage(ctx context.Context, pageNo, pageSize int) (totalCount int, descriptors []Descriptor, ok bool) {
	q := url.Values{
		"pageNo":   {strconv.Itoa(pageNo)},
		"pageSize": {strconv.Itoa(pageSize)},
	}
	body, status, err := c.doJSON(ctx, http.MethodGet, basePath+"/list?"+q.Encode(), nil)
	if err != nil || status < 200 || status >= 300 {
		slog.Warn("registry: list page failed", "page", pageNo, "err", err, "status", status)
		return 0, nil, false
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		slog.Warn("registry: list page decode failed", "page", pageNo, "err", err)
		return 0, nil, false
	}

	type fetchResult struct {
		idx int
		d   Descriptor
		ok  bool
	}
	results := make([]fetchResult, len(resp.Data.PageItems))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDetailFetches)
	for i, item := range resp.Data.PageItems {
		if !item.Enabled {
			continue
		}
		i, item := i, item
		g.Go(func() error {
			d, found := c.GetByName(gctx, item.Name)
			if !found || d.Description == "" {
				return nil
			}
			results[i] = fetchResult{idx: i, d: d, ok: true}
			return nil
		})
	}
	_ = g.Wait() // individual fetch failures are logged and skipped, never fatal

	descriptors = make([]Descriptor, 0, len(results))
	for _, r := range results {
		if r.ok {
			descriptors = append(descriptors, r.d)
		}
	}
	return resp.Data.TotalCount, descriptors, true
}

// ListAll pages through the registry's listing endpoint until every entry has
// been accumulated or a page returns nothing, per the original router's
// pagination loop.
func (c *Client) ListAll(ctx context.Context) []Descriptor {
	var all []Descriptor
	pageNo := 1
	for {
		total, page, ok := c.ListPage(ctx, pageNo, listPageSize)
		if !ok || len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(all) >= total {
			break
		}
		pageNo++
	}
	return all
}

// GetByName issues GET {basePath}?mcpName={name} and parses the result.
// Returns ok=false (never an error) on any transport, HTTP, or parse
// failure — the caller treats "not found" and "registry unreachable"
// identically, per spec §4.1/§7.
//
// For non-stdio descriptors with at least one backend endpoint, synthesizes
// a transport URL and stores it at AgentConfig["mcpServers"][name]["url"].
func (c *Client) GetByName(ctx context.Context, name string) (Descriptor, bool) {
	q := url.Values{"mcpName": {name}}
	body, status, err := c.doJSON(ctx, http.MethodGet, basePath+"?"+q.Encode(), nil)
	if err != nil || status < 200 || status >= 300 {
		slog.Warn("registry: get by name failed", "name", name, "err", err, "status", status)
		return Descriptor{}, false
	}

	var resp getResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		slog.Warn("registry: get by name decode failed", "name", name, "err", err)
		return Descriptor{}, false
	}

	d, err := parseDescriptor(resp.Data)
	if err != nil {
		slog.Warn("registry: descriptor parse error", "name", name, "err", err)
		return Descriptor{}, false
	}

	d.AgentConfig = buildAgentConfig(d)
	return d, true
}

// buildAgentConfig materializes the `mcpServers` launch configuration for a
// descriptor: the stdio launch config verbatim, or a synthesized URL for
// remote protocols.
func buildAgentConfig(d Descriptor) map[string]any {
	entry := map[string]any{"name": d.Name, "description": ""}

	if d.Protocol == ProtocolStdio {
		if d.LocalServerConfig != nil {
			for k, v := range d.LocalServerConfig {
				entry[k] = v
			}
		}
	} else if len(d.BackendEndpoints) > 0 {
		ep := d.BackendEndpoints[0]
		scheme := "http"
		if ep.Port == 443 {
			scheme = "https"
		}
		path := d.RemoteServerConfig.ExportPath
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		entry["url"] = fmt.Sprintf("%s://%s:%d%s", scheme, ep.Address, ep.Port, path)
	}

	return map[string]any{"mcpServers": map[string]any{d.Name: entry}}
}

// UpdateTools re-reads the current registry document for name, splices tools
// into its toolSpec.tools, stamps version and id onto the document, and PUTs
// the result back. version is the session's advertised implementation
// version (spec.md §4.6's "push ... the session's advertised version back to
// the registry"); id is the descriptor's opaque registry id, when known. The
// endpoint specification is {"type":"REF","data":serviceRef} only when the
// protocol is not stdio and the document has a remoteServerConfig; otherwise
// (always for stdio entries) an empty object {} is sent.
func (c *Client) UpdateTools(ctx context.Context, name string, tools []ToolDefinition, version, id string) bool {
	q := url.Values{"mcpName": {name}}
	body, status, err := c.doJSON(ctx, http.MethodGet, basePath+"?"+q.Encode(), nil)
	if err != nil || status < 200 || status >= 300 {
		slog.Warn("registry: update tools: re-read failed", "name", name, "err", err, "status", status)
		return false
	}

	var resp getResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		slog.Warn("registry: update tools: re-read decode failed", "name", name, "err", err)
		return false
	}

	var doc map[string]any
	if err := json.Unmarshal(resp.Data, &doc); err != nil {
		slog.Warn("registry: update tools: document decode failed", "name", name, "err", err)
		return false
	}

	toolSpec, _ := doc["toolSpec"].(map[string]any)
	if toolSpec == nil {
		toolSpec = map[string]any{}
	}
	toolSpec["tools"] = tools
	doc["toolSpec"] = toolSpec

	if version != "" {
		doc["version"] = version
	}
	if id != "" {
		doc["id"] = id
	}

	var endpointSpec any = map[string]any{}
	if protocol, _ := doc["protocol"].(string); protocol != string(ProtocolStdio) {
		if ref, ok := doc["remoteServerConfig"].(map[string]any); ok {
			endpointSpec = map[string]any{"type": "REF", "data": ref["serviceRef"]}
		}
	}

	delete(doc, "backendEndpoints")

	serverSpecJSON, _ := json.Marshal(doc)
	endpointSpecJSON, _ := json.Marshal(endpointSpec)
	toolSpecJSON, _ := json.Marshal(toolSpec)

	form := url.Values{
		"mcpName":              {name},
		"serverSpecification":  {string(serverSpecJSON)},
		"endpointSpecification": {string(endpointSpecJSON)},
		"toolSpecification":    {string(toolSpecJSON)},
	}

	_, status, err = c.doForm(ctx, http.MethodPut, basePath, form)
	if err != nil || status < 200 || status >= 300 {
		slog.Warn("registry: update tools: put failed", "name", name, "err", err, "status", status)
		return false
	}
	return true
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)
	return c.do(req)
}

func (c *Client) doForm(ctx context.Context, method, path string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	c.setAuthHeaders(req)
	return c.do(req)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("userName", c.username)
	req.Header.Set("password", c.password)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}
