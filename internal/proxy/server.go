// Package proxy implements the loopback reverse proxy the assistant is
// pointed at. Every call is routed to the backend of the channel active at the
// moment of the call, with the channel's authorization scheme injected.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/Finesssee/ccswitch/internal/api/middleware"
	"github.com/Finesssee/ccswitch/internal/channel"
	"github.com/Finesssee/ccswitch/internal/config"
	"github.com/Finesssee/ccswitch/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	routerConfigurator func(*gin.Engine, channel.Service, *config.Config)
}

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithRouterConfigurator appends a callback after default routes are registered.
func WithRouterConfigurator(fn func(*gin.Engine, channel.Service, *config.Config)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.routerConfigurator = fn
	}
}

// Server represents the proxy server.
// It encapsulates the Gin engine, HTTP server, forwarder, and configuration.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// forwarder routes every non-local call upstream.
	forwarder *Forwarder

	registry    channel.Service
	cfg         *config.Config
	connections *middleware.ConnectionTracker

	// wsRoutes tracks registered websocket upgrade paths.
	wsRouteMu sync.Mutex
	wsRoutes  map[string]struct{}
}

// NewServer creates the proxy server. It sets up the Gin engine, middleware,
// and routes; nothing listens until Start.
func NewServer(cfg *config.Config, registry channel.Service, opts ...ServerOption) (*Server, error) {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	forwarder, err := NewForwarder(cfg, registry)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	middleware.SetMetricsEnabled(cfg.IsMetricsEnabled())

	s := &Server{
		engine:      engine,
		forwarder:   forwarder,
		registry:    registry,
		cfg:         cfg,
		connections: &middleware.ConnectionTracker{},
		wsRoutes:    make(map[string]struct{}),
	}

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.ConnectionTrackerMiddleware(s.connections))
	engine.Use(middleware.PrometheusMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}
	engine.Use(corsMiddleware())

	s.setupRoutes()
	if optionState.routerConfigurator != nil {
		optionState.routerConfigurator(engine, registry, cfg)
	}

	s.server = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler: engine,
	}
	return s, nil
}

// setupRoutes registers local endpoints; everything else is forwarded.
func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", middleware.MetricsHandler())
	s.engine.NoRoute(s.forwarder.Handle)
	s.engine.NoMethod(s.forwarder.Handle)
}

func (s *Server) handleHealth(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	body := gin.H{
		"status":      "ok",
		"connections": s.connections.Count(),
	}
	if ch, ok := s.registry.ActiveChannel(); ok {
		body["active"] = gin.H{
			"provider": ch.Provider.ID,
			"type":     ch.Provider.Type,
			"account":  ch.Account.Label(),
		}
	}
	c.JSON(http.StatusOK, body)
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// AttachWebsocketRoute registers a websocket upgrade handler on the engine.
func (s *Server) AttachWebsocketRoute(path string, handler http.Handler) {
	if s == nil || s.engine == nil || handler == nil {
		return
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "/v0/terminal/ws"
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	s.wsRouteMu.Lock()
	if _, exists := s.wsRoutes[trimmed]; exists {
		s.wsRouteMu.Unlock()
		return
	}
	s.wsRoutes[trimmed] = struct{}{}
	s.wsRouteMu.Unlock()

	s.engine.GET(trimmed, func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
		c.Abort()
	})
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start proxy: server not initialized")
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	log.Infof("proxy listening on http://%s", ln.Addr())
	if errServe := s.server.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("proxy server failed: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts down the server without interrupting active streams
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping proxy server...")
	s.forwarder.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown proxy server: %w", err)
	}
	log.Debug("proxy server stopped")
	return nil
}

// corsMiddleware adds permissive CORS headers and answers preflights with
// 200 and no body.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		c.Header("Access-Control-Expose-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			logging.SkipGinRequestLogging(c)
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
