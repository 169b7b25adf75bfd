// Package server exposes the engrama HTTP API: the memory surface for API
// keys and the channel-management surface for the admin token.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/engrama/internal/channel"
	"github.com/fyrsmithlabs/engrama/internal/memory"
	"github.com/fyrsmithlabs/engrama/internal/ratelimit"
)

// Version is stamped at build time.
var Version = "dev"

// Config holds HTTP server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	AdminToken      string

	MaxContentLength int
	MaxNameLength    int
	MaxTags          int
}

// Server wires the engine, the channel manager, and the limiter behind echo.
type Server struct {
	echo       *echo.Echo
	logger     *zap.Logger
	engine     *memory.Engine
	manager    *channel.Manager
	limiter    ratelimit.Limiter
	adminToken string
	limits     limits
	port       int
	shutdown   time.Duration
}

// NewServer creates the HTTP server with all middleware and routes
// registered.
func NewServer(cfg Config, engine *memory.Engine, manager *channel.Manager, limiter ratelimit.Limiter, logger *zap.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("channel manager is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		logger:     logger,
		engine:     engine,
		manager:    manager,
		limiter:    limiter,
		adminToken: cfg.AdminToken,
		limits: limits{
			maxContentLength: cfg.MaxContentLength,
			maxNameLength:    cfg.MaxNameLength,
			maxTags:          cfg.MaxTags,
		},
		port:     cfg.Port,
		shutdown: cfg.ShutdownTimeout,
	}

	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderContentType, headerAPIKey, headerAdminToken},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(s.admission)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/docs", s.handleDocs)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")

	// Memory surface (API key).
	v1.POST("/memories", s.handleCreateMemory)
	v1.GET("/memories", s.handleListMemories)
	v1.POST("/memories/search", s.handleSearchMemories)
	v1.PUT("/memories/:id", s.handleUpdateMemory)
	v1.DELETE("/memories/:id", s.handleDeleteMemory)
	v1.POST("/sessions/:session_id/messages", s.handleAddMessage)
	v1.GET("/sessions/:session_id/history", s.handleSessionHistory)
	v1.GET("/users/me/stats", s.handleMyStats)
	v1.GET("/users/:user_id/stats", s.handleUserStats)

	// Channel-management surface (admin token).
	ch := v1.Group("/channels")
	ch.POST("/tenants", s.handleCreateTenant)
	ch.GET("/tenants", s.handleListTenants)
	ch.GET("/tenants/:tenant_id", s.handleGetTenant)
	ch.DELETE("/tenants/:tenant_id", s.handleDeleteTenant)
	ch.POST("/tenants/:tenant_id/projects", s.handleCreateProject)
	ch.GET("/tenants/:tenant_id/projects", s.handleListProjects)
	ch.DELETE("/tenants/:tenant_id/projects/:project_id", s.handleDeleteProject)
	ch.POST("/tenants/:tenant_id/projects/:project_id/keys", s.handleCreateKey)
	ch.GET("/tenants/:tenant_id/projects/:project_id/keys", s.handleListKeys)
	ch.DELETE("/keys/:key_id", s.handleRevokeKey)
}

type rootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Docs    string `json:"docs"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, rootResponse{Name: "engrama", Version: Version, Docs: "/docs"})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// handleDocs enumerates the registered routes so callers can discover the
// API without external documentation.
func (s *Server) handleDocs(c echo.Context) error {
	type route struct {
		Method string `json:"method"`
		Path   string `json:"path"`
	}
	routes := make([]route, 0, len(s.echo.Routes()))
	for _, r := range s.echo.Routes() {
		routes = append(routes, route{Method: r.Method, Path: r.Path})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	return c.JSON(http.StatusOK, map[string]any{"service": "engrama", "routes": routes})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(ctx, s.shutdown)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
