// Package agentapi is the host agent's local HTTP side channel. The
// orchestrator falls back to it for worker lifecycle commands when the
// agent's WebSocket session is down.
package agentapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/fleetr/internal/agent"
	"github.com/loykin/fleetr/internal/metrics"
	"github.com/loykin/fleetr/internal/supervisor"
)

// Session is the transport session controlled through /connect and /disconnect.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() agent.State
	HostID() string
}

type Options struct {
	Workers agent.Workers
	Session Session
	// Token, when set, is required as a bearer token on every route but /health.
	Token string
	// Metrics serves the Prometheus handler at /metrics.
	Metrics bool
	Logger  *slog.Logger
}

type Server struct {
	e       *echo.Echo
	workers agent.Workers
	session Session
	logger  *slog.Logger
}

func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{e: e, workers: opts.Workers, session: opts.Session, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	e.Use(middleware.Recover())

	e.GET("/health", s.health)
	var mw []echo.MiddlewareFunc
	if opts.Token != "" {
		token := []byte(opts.Token)
		mw = append(mw, middleware.KeyAuth(func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), token) == 1, nil
		}))
	}
	if opts.Metrics {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()), mw...)
	}
	e.GET("/workers", s.listWorkers, mw...)
	e.GET("/workers/:name", s.getWorker, mw...)
	e.GET("/workers/:name/metrics", s.workerMetrics, mw...)
	e.POST("/workers/:name/:action", s.workerAction, mw...)
	e.POST("/connect", s.connect, mw...)
	e.POST("/disconnect", s.disconnect, mw...)
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("agent api listening", "addr", addr)
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

type errorResp struct {
	Error string `json:"error"`
}

func (s *Server) health(c echo.Context) error {
	resp := map[string]any{"status": "ok"}
	if s.session != nil {
		resp["session"] = s.session.State()
		resp["hostId"] = s.session.HostID()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listWorkers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.workers.StatusAll())
}

func (s *Server) getWorker(c echo.Context) error {
	snap, err := s.workers.Status(c.Param("name"))
	if err != nil {
		return workerError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) workerMetrics(c echo.Context) error {
	snap, err := s.workers.Status(c.Param("name"))
	if err != nil {
		return workerError(c, err)
	}
	if snap.PID == 0 {
		return c.JSON(http.StatusConflict, errorResp{Error: "worker is not running"})
	}
	sample, err := metrics.SampleProcess(c.Request().Context(), snap.PID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, sample)
}

func (s *Server) workerAction(c echo.Context) error {
	name := c.Param("name")
	var err error
	switch c.Param("action") {
	case "start":
		err = s.workers.Start(name)
	case "stop":
		err = s.workers.Stop(name)
	case "restart":
		err = s.workers.Restart(name)
	default:
		return c.JSON(http.StatusNotFound, errorResp{Error: "unknown action"})
	}
	if err != nil {
		s.logger.Warn("worker action failed", "name", name, "action", c.Param("action"), "error", err)
		return workerError(c, err)
	}
	snap, err := s.workers.Status(name)
	if err != nil {
		return workerError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) connect(c echo.Context) error {
	if s.session == nil {
		return c.JSON(http.StatusNotImplemented, errorResp{Error: "no session"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()
	if err := s.session.Connect(ctx); err != nil {
		return c.JSON(http.StatusBadGateway, errorResp{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"session": s.session.State()})
}

func (s *Server) disconnect(c echo.Context) error {
	if s.session == nil {
		return c.JSON(http.StatusNotImplemented, errorResp{Error: "no session"})
	}
	s.session.Disconnect()
	return c.JSON(http.StatusOK, map[string]any{"session": s.session.State()})
}

func workerError(c echo.Context, err error) error {
	if errors.Is(err, supervisor.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
}
