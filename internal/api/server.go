package api

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/metrics"
	"github.com/proxy-pool-manager/internal/pool"
)

type Server struct {
	config      *config.Config
	pool        *pool.Manager
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    requestsPerMinute / 10, // Allow bursts
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, mgr *pool.Manager, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		pool:        mgr,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/proxy", s.handleGetProxy)
	protected.GET("/stats", s.handleStats)
	protected.POST("/refresh", s.handleRefresh)
	protected.POST("/proxy/dead", s.handleMarkDead)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if s.metrics == nil {
			return
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleGetProxy(c *gin.Context) {
	site := c.Query("site")

	addr, ok := s.pool.GetNextProxy(site)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "no proxy available",
		})
		return
	}

	wantsJSON := c.Query("format") == "json" ||
		strings.Contains(c.GetHeader("Accept"), "application/json")
	if wantsJSON {
		c.JSON(http.StatusOK, gin.H{
			"proxy": addr,
			"site":  site,
		})
		return
	}

	c.String(http.StatusOK, addr+"\n")
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Stats())
}

func (s *Server) handleRefresh(c *gin.Context) {
	log.Info("Manual refresh triggered via API")

	go s.pool.Refresh(context.Background())

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Refresh triggered",
	})
}

type markDeadRequest struct {
	Proxy string `json:"proxy"`
}

func (s *Server) handleMarkDead(c *gin.Context) {
	var req markDeadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Proxy == "" {
		req.Proxy = c.Query("proxy")
	}
	if req.Proxy == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "missing proxy parameter",
		})
		return
	}
	if _, _, err := net.SplitHostPort(req.Proxy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid proxy address",
		})
		return
	}

	if !s.pool.MarkProxyDead(req.Proxy) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown proxy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"proxy":  req.Proxy,
	})
}
