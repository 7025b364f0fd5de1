// Package api serves the screener over HTTP and pushes live updates to
// websocket clients. Handlers only read and mutate the core through the
// Core accessors, so the server carries no screening state of its own.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"crypto-screener/internal/cleanup"
	"crypto-screener/internal/engine"
	"crypto-screener/internal/fallback"
	"crypto-screener/internal/history"
	"crypto-screener/internal/ingest"
	"crypto-screener/internal/klines"
	"crypto-screener/internal/market"
	"crypto-screener/internal/predicate"
	"crypto-screener/internal/settings"
	"crypto-screener/internal/signals"
	"crypto-screener/internal/trader"
)

// DefaultPushInterval is how often changed series are flushed to
// websocket clients.
const DefaultPushInterval = time.Second

// Core is the engine surface the server works against.
type Core interface {
	Status() engine.Status
	Signals() *signals.Manager
	Traders() *trader.Notifier
	Scanner() *history.Scanner
	Store() *klines.Store
	Tickers() *ingest.TickerTable
	Runtime() *predicate.Runtime
	Settings() *settings.Service
	Fallback() *fallback.Controller
	Cleanup() *cleanup.Supervisor
	Changes() *ingest.ChangeSet
	OnTickers(fn func(map[string]market.Ticker))
}

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	JWTSecret      string
	Debug          bool
}

// Server is the HTTP and websocket front end.
type Server struct {
	core       Core
	cfg        Config
	logger     zerolog.Logger
	router     *gin.Engine
	hub        *Hub
	httpServer *http.Server
	pushEvery  time.Duration
	stop       chan struct{}
	unsubs     []func()
}

// Option configures a Server.
type Option func(*Server)

// WithPushInterval overrides the changed-series flush cadence.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pushEvery = d
		}
	}
}

// NewServer builds the router, wires the push hub into the core's feeds,
// and starts the hub. The HTTP listener itself starts with Start.
func NewServer(core Core, cfg Config, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		core:      core,
		cfg:       cfg,
		logger:    logger.With().Str("component", "API").Logger(),
		pushEvery: DefaultPushInterval,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(s.requestLogger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s.router = router
	s.hub = newHub(s.logger)
	go s.hub.run()

	s.setupRoutes()
	s.attachPush()

	return s
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleSocket)

	api := s.router.Group("/api")
	api.Use(tierMiddleware([]byte(s.cfg.JWTSecret)))
	{
		api.GET("/status", s.handleStatus)
		api.GET("/tickers", s.handleTickers)
		api.GET("/klines/:symbol", s.handleKlines)

		api.GET("/signals", s.handleListSignals)
		api.GET("/signals/:id", s.handleGetSignal)
		api.POST("/signals/:id/close", s.handleCloseSignal)

		api.GET("/traders", s.handleListTraders)
		api.POST("/traders", s.handleCreateTrader)
		api.GET("/traders/:id", s.handleGetTrader)
		api.PUT("/traders/:id", s.handleUpdateTrader)
		api.DELETE("/traders/:id", s.handleDeleteTrader)

		api.POST("/scan", s.handleStartScan)
		api.GET("/scan", s.handleListScans)
		api.GET("/scan/:id", s.handleGetScan)
		api.DELETE("/scan/:id", s.handleDeleteScan)

		st := api.Group("/settings")
		{
			st.GET("/kline-history", s.handleGetKlineHistory)
			st.PUT("/kline-history", s.handleSetKlineHistory)
			st.GET("/dedupe-threshold", s.handleGetDedupeThreshold)
			st.PUT("/dedupe-threshold", s.handleSetDedupeThreshold)
			st.GET("/favorites", s.handleGetFavorites)
			st.PUT("/favorites", s.handleSetFavorites)
		}
	}
}

// attachPush subscribes the hub to the core's live feeds and starts the
// changed-series flush loop.
func (s *Server) attachPush() {
	s.unsubs = append(s.unsubs,
		s.core.Signals().OnSignal(func(sig signals.Signal) {
			s.hub.Broadcast(eventSignal, sig)
		}),
		s.core.Fallback().AddListener(func(tr fallback.Transition) {
			s.hub.Broadcast(eventMode, tr)
		}),
	)
	s.core.OnTickers(func(batch map[string]market.Ticker) {
		s.hub.Broadcast(eventTickers, batch)
	})

	go s.flushChanges()
}

// flushChanges drains the changed-series set on a fixed cadence so
// clients refetch only what moved.
func (s *Server) flushChanges() {
	ticker := time.NewTicker(s.pushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if keys := s.core.Changes().Drain(); len(keys) > 0 {
				s.hub.Broadcast(eventKlines, keys)
			}
		}
	}
}

// requestLogger logs each request with method, status, and latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("http server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown detaches from the core, closes websocket clients, and drains
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.hub.Stop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// errorResponse sends a JSON error body with the given status.
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse wraps data in the standard success envelope.
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
