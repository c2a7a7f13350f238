// Package server exposes the orchestrator HTTP API and mounts the agent
// WebSocket endpoint.
package server

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetr/internal/auth"
	"github.com/loykin/fleetr/internal/directory"
	"github.com/loykin/fleetr/internal/metrics"
)

// MaxWait caps how long a request may block on a command result.
const MaxWait = 60 * time.Second

// InstallOptions feed the bootstrap scripts served under /install.
type InstallOptions struct {
	// OrchestratorURL is the ws:// or wss:// endpoint agents dial.
	OrchestratorURL string
	Token           string
	DownloadURL     string
}

type Options struct {
	Directory *directory.Directory
	// Agents serves the agent WebSocket endpoint at /ws.
	Agents   http.Handler
	Auth     *auth.AuthService
	AuthOn   bool
	Install  InstallOptions
	Metrics  bool
	BasePath string
	Logger   *slog.Logger
}

type Server struct {
	dir      *directory.Directory
	agents   http.Handler
	authSvc  *auth.AuthService
	mw       *auth.Middleware
	install  InstallOptions
	metrics  bool
	basePath string
	logger   *slog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		dir:      opts.Directory,
		agents:   opts.Agents,
		authSvc:  opts.Auth,
		mw:       auth.NewMiddleware(opts.Auth, opts.AuthOn),
		install:  opts.Install,
		metrics:  opts.Metrics,
		basePath: sanitizeBase(opts.BasePath),
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	if s.agents != nil {
		g.GET("/ws", gin.WrapH(s.agents))
	}
	if s.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := g.Group(s.basePath)
	api.GET("/health", s.handleHealth)
	api.POST("/auth/token", s.handleToken)

	guarded := api.Group("", s.mw.GinAuth())
	read := func(resource string) gin.HandlerFunc { return s.mw.GinRequirePermission(resource, auth.ActionRead) }
	write := func(resource string) gin.HandlerFunc { return s.mw.GinRequirePermission(resource, auth.ActionWrite) }

	hosts := guarded.Group("/hosts")
	hosts.POST("", write(auth.ResourceHosts), s.handleRegisterHost)
	hosts.GET("", read(auth.ResourceHosts), s.handleListHosts)
	hosts.GET("/online", read(auth.ResourceHosts), s.handleOnlineHosts)
	hosts.GET("/:id", read(auth.ResourceHosts), s.handleGetHost)
	hosts.DELETE("/:id", write(auth.ResourceHosts), s.handleRemoveHost)
	hosts.POST("/:id/connect", write(auth.ResourceHosts), s.handleConnectHost)
	hosts.POST("/:id/disconnect", write(auth.ResourceHosts), s.handleDisconnectHost)
	hosts.POST("/:id/workers/:name/:action", write(auth.ResourceCommands), s.handleWorkerAction)
	hosts.POST("/:id/commands", write(auth.ResourceCommands), s.handleIssueCommand)

	guarded.GET("/commands", read(auth.ResourceCommands), s.handleListCommands)
	guarded.GET("/commands/:id", read(auth.ResourceCommands), s.handleGetCommand)

	disc := guarded.Group("/discovery")
	disc.POST("/start", write(auth.ResourceDiscovery), s.handleDiscoveryStart)
	disc.POST("/stop", write(auth.ResourceDiscovery), s.handleDiscoveryStop)
	disc.POST("/scan", write(auth.ResourceDiscovery), s.handleDiscoveryScan)
	disc.POST("/promote", write(auth.ResourceDiscovery), s.handleDiscoveryPromote)
	disc.GET("/hosts", read(auth.ResourceDiscovery), s.handleDiscovered)

	guarded.GET("/install/:kind", read(auth.ResourceInstall), s.handleInstallScript)
	return g
}

// NewHTTPServer wraps handler with the orchestrator's timeouts. There are
// no read or write timeouts because /ws connections are long-lived; the
// registry sets per-message deadlines itself.
func NewHTTPServer(addr string, handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type healthResp struct {
	Status string `json:"status"`
	Hosts  int    `json:"hosts"`
	Online int    `json:"online"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResp{
		Status: "ok",
		Hosts:  len(s.dir.ListHosts()),
		Online: len(s.dir.OnlineHosts()),
	})
}

func (s *Server) handleToken(c *gin.Context) {
	if !s.mw.Enabled() {
		c.JSON(http.StatusNotFound, errorResp{Error: "authentication is disabled"})
		return
	}
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := s.authSvc.Authenticate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Token == nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "login method does not issue tokens"})
		return
	}
	c.JSON(http.StatusOK, res.Token)
}
