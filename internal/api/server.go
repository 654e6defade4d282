package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/capture"
	"github.com/starmeter-project/starmeter/internal/config"
	"github.com/starmeter-project/starmeter/internal/db"
	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/meter"
	"github.com/starmeter-project/starmeter/internal/pipeline"
)

// Version is reported by the public endpoints.
const Version = "0.4.0"

// Deps are the running components the API reads from. CombatLog, Metrics
// and Capture may be nil.
type Deps struct {
	Config    *config.Config
	Bus       *events.EventBus
	Session   *pipeline.Session
	Tally     *meter.Tally
	Directory *entity.Directory
	CombatLog *db.CombatLog
	Metrics   http.Handler
	Capture   func() capture.Stats
}

// Server is the REST and websocket API of the meter.
type Server struct {
	cfg       config.APIConfig
	deps      Deps
	hub       *Hub
	startedAt time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and its router.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		hub:       NewHub(),
		startedAt: time.Now(),
	}
	if deps.Bus != nil {
		s.hub.Attach(deps.Bus)
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowWildcard:    true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.RateLimitRPS)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
		public.GET("/system", s.handleGetSystem)
	}

	monitor := router.Group("/api")
	monitor.Use(rateLimiter.Middleware())
	{
		monitor.GET("/status", s.handleGetStatus)
		monitor.GET("/entities", s.handleGetEntities)
		monitor.GET("/combat/recent", s.handleGetRecentCombat)
		monitor.GET("/combat/totals", s.handleGetTotals)
		monitor.GET("/sessions", s.handleGetSessions)
		monitor.GET("/sessions/:id/totals", s.handleGetSessionTotals)
		monitor.GET("/sessions/:id/events", s.handleGetSessionEvents)
		monitor.GET("/config", s.handleGetConfig)
	}

	control := router.Group("/api/control")
	control.Use(rateLimiter.Middleware())
	{
		control.POST("/reset", s.handleReset)
		control.POST("/clear", s.handleClearTotals)
		control.POST("/config/:section/:key", s.handleSetConfigField)
	}

	// the stream is long-lived and skips the limiter
	router.GET("/api/stream", s.handleStream)

	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "starmeter API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
