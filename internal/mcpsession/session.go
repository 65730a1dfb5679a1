package mcpsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nacos-mcp-router/router/internal/registry"
	"github.com/nacos-mcp-router/router/internal/resilience"
)

// State is one step in a Session's lifecycle.
type State int

const (
	StateNew State = iota
	StateInitializing
	StateReady
	StateUnhealthy
	StateFailed
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateUnhealthy:
		return "unhealthy"
	case StateFailed:
		return "failed"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const (
	probeTimeout  = 5 * time.Second
	defaultRetries = 2
	defaultDelay   = 1 * time.Second
)

// Session is a per-child-server runtime entity. It owns a transport and a
// single [mcpsdk.ClientSession], driven through
// created → initializing → ready → (optionally) unhealthy → shutdown.
// A Session is destroyed only via explicit [Session.Cleanup].
//
// All methods are safe for concurrent use.
type Session struct {
	name   string
	config Config

	client  *mcpsdk.Client
	breaker *resilience.CircuitBreaker

	mu              sync.Mutex
	state           State
	clientSession   *mcpsdk.ClientSession
	initializeResult *mcpsdk.InitializeResult

	initialized chan struct{}
	initOnce    sync.Once

	shutdownCh       chan struct{}
	shutdownOnce     sync.Once
	shutdownRequested bool

	cleanupMu   sync.Mutex
	cleanedUp   bool
}

// New creates a Session for cfg and starts its background lifecycle
// goroutine, which opens the transport, initializes the client session, and
// then blocks until shutdown is requested.
func New(ctx context.Context, cfg Config) *Session {
	s := &Session{
		name:        cfg.Name,
		config:      cfg,
		state:       StateNew,
		initialized: make(chan struct{}),
		shutdownCh:  make(chan struct{}),
		client: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "nacos-mcp-router",
			Version: "1.0.0",
		}, nil),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         cfg.Name,
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		}),
	}

	go s.lifecycle(ctx)
	return s
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) signalInitialized() {
	s.initOnce.Do(func() { close(s.initialized) })
}

// lifecycle opens the transport, connects, initializes, and then waits for
// shutdown. On any failure it transitions to StateFailed and signals both
// the initialized and shutdown events so waiters are never blocked forever.
func (s *Session) lifecycle(ctx context.Context) {
	s.setState(StateInitializing)

	transport, err := s.buildTransport(ctx)
	if err != nil {
		slog.Warn("mcpsession: failed to build transport", "server", s.name, "error", err)
		s.setState(StateFailed)
		s.signalInitialized()
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
		return
	}

	clientSession, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		slog.Warn("mcpsession: failed to connect", "server", s.name, "error", err)
		s.setState(StateFailed)
		s.signalInitialized()
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
		return
	}

	s.mu.Lock()
	s.clientSession = clientSession
	s.initializeResult = clientSession.InitializeResult()
	s.state = StateReady
	s.mu.Unlock()

	s.signalInitialized()

	<-s.shutdownCh
}

// buildTransport selects a transport per config.Protocol: mcp-sse,
// mcp-streamable, or anything else (stdio).
func (s *Session) buildTransport(ctx context.Context) (mcpsdk.Transport, error) {
	switch s.config.Protocol {
	case registry.ProtocolSSE:
		if s.config.URL == "" {
			return nil, fmt.Errorf("mcpsession: server %q requires a non-empty URL for mcp-sse", s.name)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: s.config.URL}, nil

	case registry.ProtocolStreamableHTTP:
		if s.config.URL == "" {
			return nil, fmt.Errorf("mcpsession: server %q requires a non-empty URL for mcp-streamable", s.name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: s.config.URL}, nil

	default:
		if s.config.Command == "" {
			return nil, fmt.Errorf("mcpsession: server %q requires a non-empty command for stdio", s.name)
		}
		cmd := exec.CommandContext(ctx, s.config.Command, s.config.Args...)
		for k, v := range s.config.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	}
}

// WaitForInitialization blocks until the session finishes initializing (in
// either direction) or ctx is cancelled.
func (s *Session) WaitForInitialization(ctx context.Context) error {
	select {
	case <-s.initialized:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether the session has a live, initialized client and
// has not been asked to shut down. It additionally issues a cheap
// [Session.ListTools] probe with a 5-second timeout; a probe failure marks
// the session unhealthy. Probe errors unrelated to connectivity (anything
// other than a context deadline or closed-connection error) are logged but
// do not change the state.
func (s *Session) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	state := s.state
	requested := s.shutdownRequested
	cs := s.clientSession
	s.mu.Unlock()

	if state != StateReady || requested || cs == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var err error
	for _, probeErr := range drainTools(probeCtx, cs) {
		err = probeErr
		break
	}

	if err != nil {
		if isDisconnectError(err) {
			s.setState(StateUnhealthy)
			return false
		}
		slog.Warn("mcpsession: health probe failed", "server", s.name, "error", err)
	}
	return true
}

// drainTools pulls at most one item from the tools iterator, returning any
// error encountered. Used only to perform the health probe's single round
// trip without materializing the full tool list.
func drainTools(ctx context.Context, cs *mcpsdk.ClientSession) []error {
	var errs []error
	for _, err := range cs.Tools(ctx, nil) {
		if err != nil {
			errs = append(errs, err)
		}
		break
	}
	return errs
}

func isDisconnectError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "closed") || strings.Contains(msg, "reset") || strings.Contains(msg, "EOF")
}

// ListTools fails if the session has not reached StateReady; otherwise it
// delegates to the underlying client session.
func (s *Session) ListTools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	s.mu.Lock()
	cs := s.clientSession
	state := s.state
	s.mu.Unlock()

	if state != StateReady || cs == nil {
		return nil, fmt.Errorf("mcpsession: server %q is not initialized", s.name)
	}

	var tools []*mcpsdk.Tool
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcpsession: list tools for %q: %w", s.name, err)
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// ExecuteTool calls toolName with arguments. On failure it sleeps delay,
// re-opens the transport and client session (the Go SDK performs the MCP
// initialize handshake as part of establishing a session, so a retry here
// reconnects rather than re-sending initialize on the existing streams),
// and retries exactly once more; the final failure is returned to the
// caller. The whole attempt (call, and the reconnect-retry) is guarded by a
// per-session circuit breaker: once a server has racked up enough
// consecutive failures, further calls fail fast with [resilience.ErrCircuitOpen]
// instead of each paying the reconnect-and-retry cost against a server that
// is already known to be down.
func (s *Session) ExecuteTool(ctx context.Context, toolName string, arguments map[string]any) (*mcpsdk.CallToolResult, error) {
	var result *mcpsdk.CallToolResult
	err := s.breaker.Execute(func() error {
		r, err := s.executeToolOnce(ctx, toolName, arguments)
		result = r
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("mcpsession: server %q is temporarily unavailable: %w", s.name, err)
	}
	return result, err
}

func (s *Session) executeToolOnce(ctx context.Context, toolName string, arguments map[string]any) (*mcpsdk.CallToolResult, error) {
	s.mu.Lock()
	cs := s.clientSession
	state := s.state
	s.mu.Unlock()

	if state != StateReady || cs == nil {
		return nil, fmt.Errorf("mcpsession: server %q is not initialized", s.name)
	}

	result, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: arguments})
	if err == nil {
		return result, nil
	}

	slog.Warn("mcpsession: tool call failed, retrying after reconnect",
		"server", s.name, "tool", toolName, "error", err)

	select {
	case <-time.After(defaultDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	cs, reconnErr := s.reconnect(ctx)
	if reconnErr != nil {
		return nil, fmt.Errorf("mcpsession: tool %q on server %q failed, reconnect also failed: %w", toolName, s.name, reconnErr)
	}

	result, err = cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("mcpsession: tool %q on server %q failed after retry: %w", toolName, s.name, err)
	}
	return result, nil
}

// reconnect closes the current client session (if any) and opens a fresh
// transport and client session, installing it as the session's current one.
func (s *Session) reconnect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	s.mu.Lock()
	old := s.clientSession
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	transport, err := s.buildTransport(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.clientSession = cs
	s.initializeResult = cs.InitializeResult()
	s.mu.Unlock()
	return cs, nil
}

// RequestShutdown signals the lifecycle goroutine to stop. Idempotent.
func (s *Session) RequestShutdown() {
	s.mu.Lock()
	s.shutdownRequested = true
	s.mu.Unlock()

	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Cleanup requests shutdown (if not already requested) and releases the
// underlying transport. Idempotent and serialized by an internal lock so
// concurrent callers never double-close.
func (s *Session) Cleanup() error {
	s.RequestShutdown()

	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.cleanedUp {
		return nil
	}
	s.cleanedUp = true

	s.mu.Lock()
	cs := s.clientSession
	s.clientSession = nil
	s.state = StateShutdown
	s.mu.Unlock()

	if cs == nil {
		return nil
	}
	if err := cs.Close(); err != nil {
		return fmt.Errorf("mcpsession: cleanup server %q: %w", s.name, err)
	}
	return nil
}

// Name returns the downstream server name this Session manages.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InitializeResult returns the child's advertised initialize response, or
// nil if the session never reached StateReady.
func (s *Session) InitializeResult() *mcpsdk.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeResult
}
