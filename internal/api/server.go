package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hotspot-billing/hotspot-billing/internal/logging"
	"github.com/hotspot-billing/hotspot-billing/internal/metrics"
	"github.com/hotspot-billing/hotspot-billing/internal/service/activation"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// SessionStore is the session persistence the API reads and creates through
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByUsername(ctx context.Context, username string) (*models.Session, error)
}

// PlanLister lists the plans on sale
type PlanLister interface {
	ListActive(ctx context.Context, kind models.PlanKind) ([]*models.Plan, error)
}

// CommandLister returns the enforcement audit trail of a session
type CommandLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]*models.EnforcementCommand, error)
}

// Payments runs the payment state machine
type Payments interface {
	BeginPayment(ctx context.Context, req models.CreatePaymentRequest) (*models.Transaction, error)
	MarkProcessing(ctx context.Context, id string, req models.MarkProcessingRequest) (*models.Transaction, error)
	Get(ctx context.Context, id string) (*models.Transaction, error)
	HandleCallback(ctx context.Context, cb *models.STKCallback, payload string) (*activation.Outcome, error)
	HandleTimeout(ctx context.Context, checkoutID string) (*activation.Outcome, error)
}

// UsageService reports and ends sessions
type UsageService interface {
	Summary(ctx context.Context, sessionID string, now time.Time) (*models.UsageSummary, error)
	AlertsForMAC(ctx context.Context, mac string, now time.Time) ([]models.UsageAlert, error)
	Disable(ctx context.Context, sessionID string, now time.Time, cause models.EndCause) (*models.Session, bool, error)
}

// Pinger checks a backing dependency
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	// Dependencies
	sessions SessionStore
	plans    PlanLister
	commands CommandLister
	payments Payments
	usage    UsageService
	db       Pinger

	// Configuration
	host string
	port int
	now  func() time.Time

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithDatabase sets the database checked by /health
func WithDatabase(db Pinger) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Server) {
		s.now = fn
	}
}

// New creates a new API server
func New(
	sessions SessionStore,
	plans PlanLister,
	commands CommandLister,
	payments Payments,
	usage UsageService,
	opts ...Option,
) *Server {
	s := &Server{
		logger:   slog.Default(),
		sessions: sessions,
		plans:    plans,
		commands: commands,
		payments: payments,
		usage:    usage,
		host:     "0.0.0.0",
		port:     8080,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady returns whether the server is ready to accept traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	useJSONFieldNames()
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Plans
		v1.GET("/plans", s.handleListPlans)

		// Sessions
		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/sessions/:id/usage", s.handleGetUsage)
		v1.POST("/sessions/:id/disable", s.handleDisableSession)
		v1.GET("/sessions/:id/commands", s.handleListCommands)

		// Captive portal device lookup
		v1.GET("/usage/alerts", s.handleUsageAlerts)

		// Payments
		v1.POST("/payments", s.handleCreatePayment)
		v1.GET("/payments/:id", s.handleGetPayment)
		v1.POST("/payments/:id/processing", s.handleMarkProcessing)

		// Gateway webhooks
		v1.POST("/payments/callback", s.handlePaymentCallback)
		v1.POST("/payments/timeout", s.handlePaymentTimeout)
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Route pattern, not the raw path, keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", string(debug.Stack())),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
