// Package api is the HTTP and WebSocket edge of the orchestrator. It
// translates requests into orchestrator operations and error kinds into
// status codes; all session logic lives below it.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/practicase/practicase/pkg/database"
	"github.com/practicase/practicase/pkg/events"
	"github.com/practicase/practicase/pkg/orchestrator"
)

// Server represents the API server
type Server struct {
	echo        *echo.Echo
	httpServer  *http.Server
	db          *database.Client
	orch        *orchestrator.Orchestrator
	connManager *events.ConnectionManager
}

// NewServer creates a new API server. db may be nil when running on the
// in-memory store; the health endpoint then skips the database section.
func NewServer(db *database.Client, orch *orchestrator.Orchestrator, connManager *events.ConnectionManager) *Server {
	s := &Server{
		db:          db,
		orch:        orch,
		connManager: connManager,
	}

	e := echo.New()
	e.Use(recoverPanics())
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/active", s.listActiveSessionsHandler)
	v1.GET("/sessions/:code", s.getSessionHandler)
	v1.GET("/sessions/:code/roles", s.availableRolesHandler)
	v1.POST("/sessions/:code/join", s.joinSessionHandler)
	v1.POST("/sessions/:code/configure", s.configureSessionHandler)
	v1.POST("/sessions/:code/start", s.startSessionHandler)
	v1.POST("/sessions/:code/skip", s.skipPhaseHandler)
	v1.POST("/sessions/:code/leave", s.leaveSessionHandler)
	v1.POST("/sessions/:code/new-case", s.newCaseHandler)
	v1.POST("/sessions/:code/change-role", s.changeRoleHandler)
	v1.POST("/sessions/:code/end", s.endSessionHandler)
	v1.POST("/sessions/:code/feedback", s.submitFeedbackHandler)
	v1.GET("/sessions/:code/feedback", s.sessionFeedbackHandler)

	s.echo = e
	return s
}

// Start serves HTTP on addr until Shutdown. Blocking.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
