// Package chatgateway wires the chat gateway into a gin engine: the
// WebSocket endpoint, the stats, health and metrics endpoints, and the
// background reaper.
package chatgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/real-rm/chatgateway/internal/auth"
	"github.com/real-rm/chatgateway/internal/config"
	"github.com/real-rm/chatgateway/internal/constants"
	"github.com/real-rm/chatgateway/internal/httperrors"
	"github.com/real-rm/chatgateway/internal/llm"
	"github.com/real-rm/chatgateway/internal/metrics"
	"github.com/real-rm/chatgateway/internal/notification"
	"github.com/real-rm/chatgateway/internal/presence"
	"github.com/real-rm/chatgateway/internal/ratelimit"
	"github.com/real-rm/chatgateway/internal/registry"
	"github.com/real-rm/chatgateway/internal/router"
	"github.com/real-rm/chatgateway/internal/storage"
	"github.com/real-rm/chatgateway/internal/util"
	"github.com/real-rm/chatgateway/internal/websocket"
)

// Routes served by the gateway
const (
	PathWebSocket = "/ws/chat"
	PathStats     = "/api/websocket/stats"
	PathHealth    = "/healthz"
	PathReady     = "/readyz"
	PathMetrics   = "/metrics"
)

// Store is the persistence the gateway needs
type Store interface {
	router.ChatStore
	auth.UserChecker
	Ping(ctx context.Context) error
}

type options struct {
	store      Store
	provider   llm.Provider
	alerter    notification.Alerter
	alertSinks []notification.Sink
	presence   presence.Tracker
	pongWait   time.Duration
	pingPeriod time.Duration
}

// Option customizes Register
type Option func(*options)

// WithStore replaces the MongoDB store built from db
func WithStore(store Store) Option {
	return func(o *options) { o.store = store }
}

// WithProvider replaces the OpenAI completion provider
func WithProvider(provider llm.Provider) Option {
	return func(o *options) { o.provider = provider }
}

// WithAlerter replaces the alert dispatcher entirely
func WithAlerter(alerter notification.Alerter) Option {
	return func(o *options) { o.alerter = alerter }
}

// WithAlertSinks adds sinks to the default alert dispatcher
func WithAlertSinks(sinks ...notification.Sink) Option {
	return func(o *options) { o.alertSinks = append(o.alertSinks, sinks...) }
}

// WithPresence mirrors user presence into tracker
func WithPresence(tracker presence.Tracker) Option {
	return func(o *options) { o.presence = tracker }
}

// WithKeepalive overrides how long a silent socket survives and how often
// it is pinged. pingPeriod must be shorter than pongWait.
func WithKeepalive(pongWait, pingPeriod time.Duration) Option {
	return func(o *options) {
		o.pongWait = pongWait
		o.pingPeriod = pingPeriod
	}
}

// Service is a registered gateway
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    Store
	alerter  notification.Alerter
	presence presence.Tracker

	registry *registry.Registry
	limiter  *ratelimit.MessageLimiter
	router   *router.MessageRouter
	handler  *websocket.Handler
	reaper   *registry.Reaper
}

// Register validates cfg, builds the gateway components, mounts its routes
// on r and starts the background reaper. Call Service.Shutdown to stop it.
func Register(r *gin.Engine, cfg *config.Config, logger *slog.Logger, db *mongo.Database, opts ...Option) (*Service, error) {
	// No else needed: early return pattern (guard clause)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger = logger.With("component", "chatgateway")

	store := o.store
	// No else needed: fallback to the MongoDB store
	if store == nil {
		if db == nil {
			return nil, errors.New("either a mongo database or a store is required")
		}
		mongoStore := storage.NewStore(db, logger)
		ctx, cancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
		defer cancel()
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure indexes", "error", err)
		}
		store = mongoStore
	}

	provider := o.provider
	// No else needed: fallback to the OpenAI provider
	if provider == nil {
		provider = llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		}, logger)
	}

	alerter := o.alerter
	// No else needed: fallback to the default dispatcher
	if alerter == nil {
		dispatcher, err := newDispatcher(cfg.Alert, logger, o.alertSinks)
		if err != nil {
			return nil, err
		}
		alerter = dispatcher
	}

	tracker := o.presence
	// No else needed: optional dependency
	if tracker == nil {
		tracker = presence.Noop{}
	}

	ws := cfg.WebSocket
	reg := registry.New(registry.Limits{
		MaxConnections:        ws.MaxConnections,
		MaxConnectionsPerUser: ws.MaxConnectionsPerUser,
		InactiveTimeout:       ws.InactiveTimeout(),
	}, logger)
	limiter := ratelimit.NewMessageLimiter(ws.RateLimitWindow(), ws.RateLimitMaxMessages)

	gate := auth.NewGate(auth.NewJWTValidator(cfg.Auth.JWTSecret), store, logger)
	messageRouter := router.NewMessageRouter(router.Deps{
		Registry: reg,
		Auth:     gate,
		Store:    store,
		Provider: provider,
		Alerter:  alerter,
		Presence: tracker,
		Limiter:  limiter,
		Limits:   ws,
		LLM:      cfg.LLM,
		Logger:   logger,
	})

	wsHandler := websocket.NewHandler(reg, messageRouter, tracker, websocket.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxPayload:     int64(ws.MaxPayload),
		SendBufferSize: constants.SendBufferSize,
		PongWait:       o.pongWait,
		PingPeriod:     o.pingPeriod,
	}, logger)
	// No else needed: optional operation (security warning)
	if wsHandler.IsOpenOrigin() && cfg.Server.Production {
		logger.Warn("WebSocket accepts any origin in production")
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		alerter:  alerter,
		presence: tracker,
		registry: reg,
		limiter:  limiter,
		router:   messageRouter,
		handler:  wsHandler,
	}
	s.reaper = registry.NewReaper(reg, ws.CleanupInterval(), logger, s.afterSweep)

	s.mountRoutes(r)

	s.reaper.Start()
	limiter.StartCleanup(ws.RateLimitWindow())

	logger.Info("Chat gateway registered",
		"websocket_endpoint", PathWebSocket,
		"stats_endpoint", PathStats,
		"max_connections", ws.MaxConnections,
		"max_connections_per_user", ws.MaxConnectionsPerUser)
	return s, nil
}

// newDispatcher builds the alert dispatcher: the log sink always, Telegram
// when configured, plus any extra sinks
func newDispatcher(cfg config.AlertConfig, logger *slog.Logger, extra []notification.Sink) (*notification.Dispatcher, error) {
	sinks := []notification.Sink{notification.NewLogSink(logger)}
	// No else needed: optional operation (Telegram alerts)
	if cfg.TelegramToken != "" {
		telegram, err := notification.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatIDs, cfg.TelegramBaseURL, constants.AlertTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to configure telegram alerts: %w", err)
		}
		sinks = append(sinks, telegram)
	}
	sinks = append(sinks, extra...)
	return notification.NewDispatcher(logger, cfg.RatePerMinute, sinks...), nil
}

// afterSweep mirrors reaper results into the presence store
func (s *Service) afterSweep(result registry.SweepResult) {
	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
	defer cancel()

	for _, userID := range result.RemovedSessions {
		s.presence.Offline(ctx, userID)
	}
	s.presence.Refresh(ctx, s.registry.Users())
}

func (s *Service) mountRoutes(r *gin.Engine) {
	r.Use(requestIDMiddleware(s.logger))
	r.Use(httperrors.Recovery(s.onPanic))
	r.Use(cors.New(corsConfig(s.cfg.Server.AllowedOrigins)))
	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	r.GET(PathWebSocket, func(c *gin.Context) {
		s.handler.HandleWebSocket(c.Writer, c.Request)
	})
	r.GET(PathStats, s.handleStats)
	r.GET(PathHealth, handleHealthCheck)
	r.GET(PathReady, s.handleReadyCheck)
	r.GET(PathMetrics, gin.WrapH(promhttp.Handler()))
	r.NoRoute(httperrors.RespondNotFound)
}

func (s *Service) onPanic(c *gin.Context, recovered any) {
	err := fmt.Errorf("panic: %v", recovered)
	s.logger.Error("HTTP handler panicked", "error", err, "path", c.Request.URL.Path,
		"trace_id", util.TraceID(c.Request.Context()))
	s.alerter.NotifyError(c.Request.Context(), notification.Alert{
		Message: "HTTP handler panicked",
		Context: c.Request.URL.Path,
		Err:     err,
	})
}

// corsConfig allows the configured origins with credentials. A "*" entry
// allows any origin, which rules out credentials.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// No else needed: early return pattern (guard clause)
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// requestIDMiddleware tags every request with a trace id, reusing the
// caller's X-Request-ID when it has one, and echoes it in the response
func requestIDMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, traceID := util.WithTraceID(c.Request.Context(), c.GetHeader(util.TraceHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(util.TraceHeader, traceID)
		c.Next()
		logger.Debug("HTTP request served",
			"trace_id", traceID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status())
	}
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": endpoint,
			"method":   c.Request.Method,
		}).Observe(time.Since(start).Seconds())
	}
}

// StatsResponse is the body of the stats endpoint
type StatsResponse struct {
	TotalConnections      int                    `json:"totalConnections"`
	TotalUsers            int                    `json:"totalUsers"`
	MaxConnections        int                    `json:"maxConnections"`
	MaxConnectionsPerUser int                    `json:"maxConnectionsPerUser"`
	Config                config.WebSocketConfig `json:"config"`
}

func (s *Service) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}

// Stats returns live totals and the effective limits
func (s *Service) Stats() StatsResponse {
	stats := s.registry.Stats()
	ws := s.cfg.WebSocket
	return StatsResponse{
		TotalConnections:      stats.TotalConnections,
		TotalUsers:            stats.TotalUsers,
		MaxConnections:        ws.MaxConnections,
		MaxConnectionsPerUser: ws.MaxConnectionsPerUser,
		Config:                ws,
	}
}

func handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleReadyCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.HealthCheckTimeout)
	defer cancel()

	// No else needed: early return pattern (guard clause)
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", "dependency", "mongodb", "error", err)
		httperrors.RespondServiceUnavailable(c, "mongodb")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Shutdown stops the reaper and limiter cleanup, abandons in-flight
// streams, waits for their partial replies to be stored and closes every
// socket with 1001
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down chat gateway")
	s.reaper.Stop()
	s.limiter.StopCleanup()
	s.router.Shutdown()
	// No else needed: optional operation (log slow turns, keep closing sockets)
	if err := s.router.Wait(ctx); err != nil {
		s.logger.Warn("Assistant turns still running at shutdown", "error", err)
	}
	return s.handler.ShutdownWithContext(ctx)
}

// Hostname identifies this gateway instance in presence records
func Hostname() string {
	name, err := os.Hostname()
	// No else needed: fallback for rare error case
	if err != nil || name == "" {
		return "chatgateway"
	}
	return name
}

// NotifyError raises an operational alert through the gateway's alerter
func (s *Service) NotifyError(ctx context.Context, alert notification.Alert) {
	s.alerter.NotifyError(ctx, alert)
}
