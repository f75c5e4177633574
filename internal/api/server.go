package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"miniquant/internal/auth"
	"miniquant/internal/config"
	"miniquant/internal/logger"
	"miniquant/internal/middleware"
	"miniquant/internal/monitoring"
)

// HealthChecker is a dependency that can report whether it is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the services the API is built on. Nil optional dependencies
// disable the routes that need them.
type Deps struct {
	Tasks     TaskService
	Limits    LimitSetter
	Scheduler JobService
	Users     UserStore
	Database  HealthChecker
	Cache     HealthChecker
	Metrics   *monitoring.Metrics
}

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	jwtManager *auth.JWTManager
	metrics    *monitoring.Metrics
	handlers   *Handlers
}

// Handlers contains all API handlers
type Handlers struct {
	Sensitivity *SensitivityHandler
	Auth        *AuthHandler
	Jobs        *JobHandler
	Config      *ConfigHandler
	WebSocket   *WebSocketHandler
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("api server needs a task service")
	}

	// Set Gin mode
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	s := &Server{
		config:  cfg,
		router:  gin.New(),
		deps:    deps,
		metrics: metrics,
	}
	if cfg.JWT.Enabled {
		s.jwtManager = auth.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Duration)
	}

	s.handlers = &Handlers{
		Sensitivity: NewSensitivityHandler(deps.Tasks),
		Config:      NewConfigHandler(deps.Limits),
		WebSocket:   NewWebSocketHandler(defaultUpgrader(), deps.Tasks, metrics),
	}
	if deps.Scheduler != nil {
		s.handlers.Jobs = NewJobHandler(deps.Scheduler)
	}
	if s.jwtManager != nil && deps.Users != nil {
		s.handlers.Auth = NewAuthHandler(s.jwtManager, deps.Users)
	}

	s.setupRoutes()
	return s, nil
}

// Router exposes the gin engine, mainly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// JWTManager returns the token manager, nil when JWT is disabled
func (s *Server) JWTManager() *auth.JWTManager {
	return s.jwtManager
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID())
	s.router.Use(accessLog())
	s.router.Use(middleware.ErrorHandler())
	s.router.Use(corsMiddleware())
	s.router.Use(s.metrics.MetricsMiddleware())
	if s.config.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerMinute, s.config.RateLimit.Burst)
		s.router.Use(limiter.Middleware())
	}
	s.router.Use(middleware.HandleError())

	// Swagger documentation
	if s.config.App.Env == "development" {
		s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Prometheus metrics
	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.metrics.Handler()))
	}

	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		// Public routes
		if s.handlers.Auth != nil {
			authGroup := v1.Group("/auth")
			{
				authGroup.POST("/login", s.handlers.Auth.Login)
				authGroup.POST("/refresh", s.handlers.Auth.RefreshToken)
			}
		}

		protected := v1.Group("")
		if s.jwtManager != nil {
			protected.Use(middleware.JWTAuth(s.jwtManager))
			if s.handlers.Auth != nil {
				protected.GET("/auth/me", s.handlers.Auth.Me)
			}
		}
		{
			sens := protected.Group("/sensitivity")
			{
				sens.GET("/strategies", s.handlers.Sensitivity.ListStrategies)
				sens.POST("/validate", s.handlers.Sensitivity.Validate)
				sens.POST("/runs", s.handlers.Sensitivity.SubmitRun)
				sens.GET("/runs", s.handlers.Sensitivity.ListRuns)
				sens.GET("/runs/:id", s.handlers.Sensitivity.GetRun)
				sens.DELETE("/runs/:id", s.handlers.Sensitivity.CancelRun)
				sens.GET("/runs/:id/result", s.handlers.Sensitivity.GetResult)
				sens.GET("/runs/:id/heatmap", s.handlers.Sensitivity.GetHeatmap)
				sens.GET("/runs/:id/diagnosis", s.handlers.Sensitivity.GetDiagnosis)
			}

			if s.handlers.Jobs != nil {
				jobs := protected.Group("/jobs")
				{
					jobs.GET("", s.handlers.Jobs.ListJobs)
					jobs.POST("/:name/run", s.handlers.Jobs.RunJob)
				}
			}

			cfg := protected.Group("/config")
			{
				cfg.GET("/sensitivity", s.handlers.Config.GetSensitivity)
				cfg.PUT("/sensitivity", s.handlers.Config.UpdateSensitivity)
			}
		}
	}

	// WebSocket routes; browsers pass the token as access_token
	ws := s.router.Group("/ws")
	if s.jwtManager != nil {
		ws.Use(middleware.JWTAuth(s.jwtManager))
	}
	{
		ws.GET("/runs/:id", s.handlers.WebSocket.RunStream)
	}
}

// health reports the state of the optional backing services
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
		"services": gin.H{
			"database": checkHealth(c.Request.Context(), s.deps.Database),
			"redis":    checkHealth(c.Request.Context(), s.deps.Cache),
		},
		"websocket_clients": s.handlers.WebSocket.Clients(),
	})
}

func checkHealth(ctx context.Context, dep HealthChecker) string {
	if dep == nil {
		return "unavailable"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := dep.HealthCheck(ctx); err != nil {
		return "error"
	}
	return "ok"
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logger.Info("Starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logger.Info("Shutting down server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// accessLog logs one line per request through the structured logger
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.NewRequestLogger(logger.WithContext(c.Request.Context())).LogRequest(
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start),
			map[string]interface{}{"ip": c.ClientIP()},
		)
	}
}
