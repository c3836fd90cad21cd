// Package status serves the observability endpoints for a running capture
// client: liveness, the live session snapshot, prometheus metrics, and
// build info. JSON only; presentation lives elsewhere.
package status

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satriabw/calibration-frontend/internal/session"
	"github.com/satriabw/calibration-frontend/internal/transport"
	"github.com/satriabw/calibration-frontend/internal/version"
)

// Snapshotter exposes the live session and transport state.
type Snapshotter interface {
	Snapshot() session.Snapshot
	ConnectionState() transport.State
	StrategyName() string
}

type Server struct {
	echo      *echo.Echo
	addr      string
	snapshots Snapshotter
	clock     clockwork.Clock
	startTime time.Time
}

// NewServer creates the status server. It does not listen until Start.
func NewServer(addr string, snapshots Snapshotter, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		addr:      addr,
		snapshots: snapshots,
		clock:     clock,
		startTime: clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.snapshots.Snapshot()
	return c.JSON(200, map[string]any{
		"session":          snap,
		"connection_state": s.snapshots.ConnectionState(),
		"strategy":         s.snapshots.StrategyName(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}
