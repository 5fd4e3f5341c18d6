// Package api exposes the lifecycle engine over HTTP: plan import and validation,
// trade queries, operator commands and a websocket stream of committed events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trade-lifecycle-engine/config"
	"trade-lifecycle-engine/internal/auth"
	"trade-lifecycle-engine/internal/cache"
	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/ids"
	"trade-lifecycle-engine/internal/lifecycle"
	"trade-lifecycle-engine/internal/logging"
	"trade-lifecycle-engine/internal/metrics"
	"trade-lifecycle-engine/internal/plan"
)

// Engine is the lifecycle surface the handlers drive
type Engine interface {
	Config() lifecycle.Config
	Create(ctx context.Context, p *plan.TradePlan) (*database.TradeRecord, error)
	Start(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
	ForceClose(ctx context.Context, id string) error
	CancelAll(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id string) (*database.TradeRecord, error)
	List(ctx context.Context, filter database.TradeFilter) ([]*database.TradeRecord, error)
	Events(ctx context.Context, id string, afterSeq int64, limit int) ([]events.TradeEvent, error)
	Running() int
}

// TradeReader serves GET /api/trades/:id, e.g. a Redis read-through
type TradeReader interface {
	GetTrade(ctx context.Context, id string) (*database.TradeRecord, error)
}

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Deps are the collaborators of the HTTP server. Reader, Metrics, Auth and Cache
// are optional.
type Deps struct {
	Engine      Engine
	Reader      TradeReader
	Bus         *events.EventBus
	Metrics     *metrics.Collector
	MetricsPath string
	Auth        *auth.Service
	Cache       *cache.SnapshotCache
	Logger      zerolog.Logger
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	engine      Engine
	reader      TradeReader
	metrics     *metrics.Collector
	metricsPath string
	authService *auth.Service
	cache       *cache.SnapshotCache
	hub         *EventHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server and subscribes its websocket hub to the bus
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	logger := logging.Component(deps.Logger, "API")

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	origins := cfg.Origins()
	if len(origins) == 0 || contains(origins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	router.Use(cors.New(corsConfig))

	metricsPath := deps.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s := &Server{
		router:      router,
		config:      cfg,
		engine:      deps.Engine,
		reader:      deps.Reader,
		metrics:     deps.Metrics,
		metricsPath: metricsPath,
		authService: deps.Auth,
		cache:       deps.Cache,
		hub:         NewEventHub(origins, logger),
		rateLimiter: NewRateLimiter(30, time.Minute),
		logger:      logger,
	}
	if deps.Bus != nil {
		s.hub.Subscribe(deps.Bus)
	}

	router.Use(s.requestMiddleware())
	s.setupRoutes()
	return s
}

// Router exposes the gin engine, e.g. for httptest
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the websocket event hub
func (s *Server) Hub() *EventHub {
	return s.hub
}

// requestMiddleware assigns a request id, stores a request-scoped logger in the
// request context, and records the request in the log and metrics
func (s *Server) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = ids.NewRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.NewContext(c.Request.Context(), s.logger, requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.ObserveHTTP(c.Request.Method, route, status)
		}

		level := zerolog.InfoLevel
		switch {
		case status >= 500:
			level = zerolog.ErrorLevel
		case route == "/health" || route == s.metricsPath:
			level = zerolog.DebugLevel
		}
		logging.FromContext(c.Request.Context()).WithLevel(level).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

// commandRateLimit throttles operator commands per client and route
func (s *Server) commandRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + " " + c.FullPath()
		if !s.rateLimiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Too many commands, slow down",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET(s.metricsPath, gin.WrapH(s.metrics.Handler()))
	}

	if s.authService != nil {
		authHandlers := auth.NewHandlers(s.authService)
		s.router.POST("/api/auth/token", authHandlers.Token)
	}

	api := s.router.Group("/api")
	ws := s.router.Group("/ws")
	mutate := []gin.HandlerFunc{s.commandRateLimit()}
	if s.authService != nil {
		api.Use(auth.Middleware(s.authService.JWT()))
		ws.Use(auth.Middleware(s.authService.JWT()))
		mutate = append(mutate, auth.RequireOperator())
	}

	trades := api.Group("/trades")
	{
		trades.GET("", s.handleListTrades)
		trades.GET("/:id", s.handleGetTrade)
		trades.GET("/:id/events", s.handleGetTradeEvents)
		trades.POST("/validate", s.handleValidatePlan)

		cmds := trades.Group("", mutate...)
		cmds.POST("", s.handleCreateTrade)
		cmds.POST("/:id/start", s.command("start", s.engine.Start))
		cmds.POST("/:id/close", s.command("close", s.engine.Close))
		cmds.POST("/:id/cancel-all", s.command("cancel-all", s.engine.CancelAll))
		cmds.POST("/:id/force-close", s.command("force-close", s.engine.ForceClose))
		cmds.POST("/:id/resume", s.command("resume", s.engine.Resume))
	}

	ws.GET("/events", s.hub.Handle)
}

// Start starts the HTTP server and blocks until it is shut down
func (s *Server) Start() error {
	addr := s.config.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and disconnects websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":         "healthy",
		"running_trades": s.engine.Running(),
		"ws_clients":     s.hub.ClientCount(),
	}
	if s.cache != nil {
		stats := s.cache.GetStats()
		body["cache"] = stats
		if !stats.Healthy {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"success": true,
		"data":    data,
	})
}

// writeError maps engine errors onto HTTP statuses
func writeError(c *gin.Context, err error) {
	var verr *plan.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   true,
			"message": verr.Error(),
			"kind":    verr.Kind,
			"detail":  verr.Detail,
		})
		return
	case errors.Is(err, lifecycle.ErrTradeNotFound), errors.Is(err, database.ErrRecordNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrTradeBusy):
		errorResponse(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, lifecycle.ErrManagerStopped):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
	case gateway.IsRejected(err):
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
	case gateway.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		errorResponse(c, http.StatusBadGateway, err.Error())
	default:
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("Request failed")
		errorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
