// Package httpserver exposes the admin and operations API: manual
// routing, history queries, preference management, budget resets,
// digest forcing, and DLQ review.
package httpserver

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/finvault/notifier/internal/notification"
	"github.com/finvault/notifier/internal/preferences"
	"github.com/finvault/notifier/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr            string
	APIKey          string // empty disables auth (local development)
	ShutdownTimeout time.Duration
}

// Deps bundles the server's collaborators.
type Deps struct {
	Router      *notification.Router
	Retry       *notification.RetryEngine
	Digest      *notification.DigestEngine
	Budget      notification.RateBudgetStore
	History     notification.HistoryStore
	DLQ         notification.DLQStore
	Preferences *preferences.CachedStore
	Audit       notification.AuditPublisher // optional
	DB          *sql.DB
	Redis       *redis.Client
}

// Server is the admin HTTP server.
type Server struct {
	config Config
	deps   Deps
	http   *http.Server
}

// NewServer builds the gin engine and wires every route.
func NewServer(config Config, deps Deps) *Server {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		otelgin.Middleware("notifier"),
		correlationMiddleware(),
		requestLogger(),
	)

	s := &Server{
		config: config,
		deps:   deps,
		http: &http.Server{
			Addr:         config.Addr,
			Handler:      engine,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}

	engine.GET("/health", s.handleHealth)

	api := engine.Group("/api/v1")
	if config.APIKey != "" {
		api.Use(apiKeyAuth(config.APIKey))
	}

	api.POST("/notifications", s.handleRoute)
	api.POST("/notifications/:id/retry", s.handleManualRetry)
	api.POST("/notifications/:id/read", s.handleMarkRead)

	api.GET("/users/:userId/notifications", s.handleHistory)
	api.GET("/users/:userId/preferences", s.handleGetPreferences)
	api.PUT("/users/:userId/preferences", s.handleUpdatePreferences)
	api.POST("/users/:userId/devices", s.handleRegisterDevice)
	api.DELETE("/users/:userId/devices/:deviceId", s.handleRemoveDevice)
	api.DELETE("/users/:userId/budget", s.handleResetBudget)
	api.POST("/users/:userId/digest", s.handleForceDigest)

	api.GET("/dlq", s.handleDLQList)
	api.GET("/dlq/stats", s.handleDLQStats)
	api.GET("/dlq/:id", s.handleDLQGet)
	api.POST("/dlq/:id/claim", s.handleDLQClaim)
	api.POST("/dlq/:id/close", s.handleDLQClose)

	return s
}

// Run serves until the context is cancelled, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	log := telemetry.LogFromContext(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.config.Addr).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("http server stopped")
	return ctx.Err()
}

// correlationMiddleware propagates or mints the request correlation
// id and echoes it back to the caller.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = telemetry.NewCorrelationID()
		}
		ctx := telemetry.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		telemetry.LogFromContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request handled")
	}
}

func apiKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// handleHealth reports liveness of the server and its two stores.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"database": "ok", "redis": "ok"}

	if err := s.deps.DB.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}
