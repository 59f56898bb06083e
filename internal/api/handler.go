package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"execution-core/internal/engine"
	"execution-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadyChecker reports process health for /health.
type ReadyChecker interface {
	Ready() bool
}

// JobRunner fires a named session job out of schedule.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// ServerConfig holds the collaborators behind the HTTP surface.
type ServerConfig struct {
	Engine    engine.Service
	Bus       *events.Bus
	Health    ReadyChecker
	Jobs      JobRunner
	JWTSecret string
	Logger    *zap.Logger

	// Per-IP limit; zero values use 20 req/s with burst 50.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server wires HTTP endpoints around the engine service and event bus.
type Server struct {
	Router    *gin.Engine
	engine    engine.Service
	bus       *events.Bus
	health    ReadyChecker
	jobs      JobRunner
	jwtSecret string
	logger    *zap.Logger
	http      *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 50
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		engine:    cfg.Engine,
		bus:       cfg.Bus,
		health:    cfg.Health,
		jobs:      cfg.Jobs,
		jwtSecret: cfg.JWTSecret,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.getHealth)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/targets", s.listTargets)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret))
		{
			protected.POST("/targets", s.createTarget)
			protected.DELETE("/targets/:instrument", s.deleteTarget)
			protected.POST("/system/kill-switch", s.killAll)
			protected.POST("/system/kill-switch/:instrument", s.killInstrument)
			protected.POST("/orders", s.submitOrder)
			protected.POST("/system/jobs/:name", s.runJob)
		}
	}
}

func (s *Server) getHealth(c *gin.Context) {
	if s.health != nil && !s.health.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("starting HTTP API", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
