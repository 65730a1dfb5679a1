package router

import (
	"context"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nacos-mcp-router/router/internal/observe"
)

// TransportType selects the upstream transport the façade is served over.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable_http"
)

// Serve runs server under the named upstream transport until ctx is
// cancelled. stdio blocks directly on the process's own stdin/stdout; the
// HTTP transports bind port and block on http.Server.ListenAndServe. metrics
// may be nil, in which case requests are served unwrapped.
func Serve(ctx context.Context, server *mcpsdk.Server, transport TransportType, port string, metrics *observe.Metrics) error {
	serverFn := func(*http.Request) *mcpsdk.Server { return server }

	switch transport {
	case TransportSSE:
		mux := http.NewServeMux()
		mountSSE(mux, mcpsdk.NewSSEHandler(serverFn, nil), metrics)
		return serveMux(ctx, port, mux)

	case TransportStreamableHTTP:
		mux := http.NewServeMux()
		mountAt(mux, "/mcp", mcpsdk.NewStreamableHTTPHandler(serverFn, nil), metrics)
		// spec.md §4.6: SSE routes are mounted alongside the stateless
		// streamable-HTTP manager for backward compatibility. This is a
		// genuine second mcpsdk.SSEHandler, not the streamable handler
		// aliased under /sse — an SSE client must still speak SSE.
		mountSSE(mux, mcpsdk.NewSSEHandler(serverFn, nil), metrics)
		return serveMux(ctx, port, mux)

	case TransportStdio, "":
		return server.Run(ctx, &mcpsdk.StdioTransport{})

	default:
		return fmt.Errorf("router: unknown transport type %q", transport)
	}
}

// mountSSE registers handler at the SSE handler's two routes: the
// long-lived event stream at /sse and the client POST endpoint at
// /messages/.
func mountSSE(mux *http.ServeMux, handler http.Handler, metrics *observe.Metrics) {
	mountAt(mux, "/sse", handler, metrics)
	mountAt(mux, "/sse/", handler, metrics)
	mountAt(mux, "/messages/", handler, metrics)
}

// mountAt registers handler at pattern on mux, wrapped with
// [observe.Middleware] for request tracing/metrics/logging when metrics is
// non-nil.
func mountAt(mux *http.ServeMux, pattern string, handler http.Handler, metrics *observe.Metrics) {
	if metrics != nil {
		handler = observe.Middleware(metrics)(handler)
	}
	mux.Handle(pattern, handler)
}

// serveMux runs an *http.Server for mux on port until ctx is cancelled.
func serveMux(ctx context.Context, port string, mux *http.ServeMux) error {
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
