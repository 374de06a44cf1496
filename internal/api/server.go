// Package api exposes the bot's HTTP surface: a health probe, live status
// endpoints, and the TradingView webhook that feeds the alert pipeline.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"topstepx-trading-bot/internal/runner"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
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

// StatusSource exposes the runner state the API serves.
type StatusSource interface {
	Status() runner.Status
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	WebhookSecret  string // optional shared secret required on webhook calls
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	status      StatusSource
	alerts      alertPublisher
	rateLimiter *RateLimiter
}

// NewServer creates a new API server
func NewServer(config ServerConfig, status StatusSource, alerts alertPublisher) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      config,
		status:      status,
		alerts:      alerts,
		rateLimiter: NewRateLimiter(120, time.Minute),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handleGetPositions)
	}

	// Webhook is rate limited separately; TradingView retries aggressively.
	s.router.POST("/webhook/alert", s.rateLimitMiddleware(), s.handleWebhookAlert)
}

// rateLimitMiddleware creates a middleware that rate limits requests by endpoint
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests to this endpoint.",
				"path":    path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server until it is shut down
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.status.Status()
	if !st.Running {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"uptime_sec": st.UptimeSec,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) handleGetPositions(c *gin.Context) {
	st := s.status.Status()
	out := gin.H{}
	for _, acct := range st.Accounts {
		out[acct.Name] = acct.OpenPositions
	}
	c.JSON(http.StatusOK, out)
}
