// Package api is the HTTP/socket ingress surface: REST execute/list/get
// routes, SSE delivery (C7) and socket delivery (C8) over the tenant
// registry (C9).
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/castingclouds/agentengine/pkg/streambus"
	"github.com/castingclouds/agentengine/pkg/tenant"
)

// maxRequestBody caps the execute/stream request bodies, matching the
// teacher's own server-wide BodyLimit idiom.
const maxRequestBody = 2 * 1024 * 1024

// Server is the HTTP API server fronting the tenant registry.
type Server struct {
	echo          *echo.Echo
	httpServer    *http.Server
	registry      *tenant.Registry
	bus           *streambus.Bus
	authenticator Authenticator
}

// NewServer wires routes against registry (C9) and bus (C4). bus must be the
// same instance the engine behind registry publishes to.
func NewServer(registry *tenant.Registry, bus *streambus.Bus) *Server {
	e := echo.New()
	s := &Server{
		echo:          e,
		registry:      registry,
		bus:           bus,
		authenticator: allowAllAuthenticator{},
	}
	s.setupRoutes()
	return s
}

// SetAuthenticator overrides the socket auth check (default: accept all).
func (s *Server) SetAuthenticator(a Authenticator) {
	s.authenticator = a
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(maxRequestBody))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)

	agents := s.echo.Group("/agents", requireTenant())
	agents.POST("/:agent_id/execute", s.executeHandler)
	agents.POST("/:agent_id/stream", s.streamHandler)
	agents.GET("/:agent_id/ws", s.wsHandler)
	agents.GET("/:agent_id/executions", s.listExecutionsHandler)
	agents.GET("/:agent_id/executions/:execution_id", s.getExecutionHandler)
	agents.GET("/:agent_id/executions/:execution_id/stream", s.getExecutionStreamHandler)
}

// upgrade accepts a socket connection. Origin validation is left open for
// now — the spec places socket authentication behind the outer transport,
// same as the teacher's own InsecureSkipVerify posture pending a dedicated
// security pass.
func (s *Server) upgrade(c *echo.Context) (*websocket.Conn, error) {
	return websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener —
// used by tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
