// Package api provides the HTTP API using Fiber.
package api

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/account"
	"github.com/pgwilde8/ledgrapi/gateway/internal/auth"
	"github.com/pgwilde8/ledgrapi/gateway/internal/cache"
	"github.com/pgwilde8/ledgrapi/gateway/internal/catalog"
	"github.com/pgwilde8/ledgrapi/gateway/internal/chain"
	"github.com/pgwilde8/ledgrapi/gateway/internal/config"
	"github.com/pgwilde8/ledgrapi/gateway/internal/fanout"
	"github.com/pgwilde8/ledgrapi/gateway/internal/ledger"
	"github.com/pgwilde8/ledgrapi/gateway/internal/metrics"
	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/proxy"
	"github.com/pgwilde8/ledgrapi/gateway/internal/ratelimit"
	"github.com/pgwilde8/ledgrapi/gateway/internal/tier"
	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Authenticator resolves an API key to a consumer.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*models.AuthContext, error)
}

// Invoker runs metered calls.
type Invoker interface {
	Invoke(ctx context.Context, caller *proxy.Caller, req *types.InvokeRequest) (*types.CallResult, error)
	Usage(ctx context.Context, consumerID, apiID string) (*types.UsageResponse, error)
	Running() int
}

// Catalog is the credential store as the API sees it.
type Catalog interface {
	FindAPI(ctx context.Context, id string) (*models.RegisteredAPI, error)
	Publish(ctx context.Context, ownerID, ownerTier string, req *types.PublishRequest) (*models.RegisteredAPI, error)
	ListPublished(ctx context.Context, offset, limit int, tag string) ([]*models.RegisteredAPI, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.RegisteredAPI, error)
	SetStatus(ctx context.Context, ownerID, id string, status models.APIStatus) (*models.RegisteredAPI, error)
	Deactivate(ctx context.Context, ownerID, id string) error
	Count(ctx context.Context) (*catalog.Counts, error)
}

// Accounts looks up consumers.
type Accounts interface {
	GetByID(ctx context.Context, id string) (*models.Consumer, error)
	GetStats(ctx context.Context) (*account.Stats, error)
}

// DailyStats reads the per-day rollup.
type DailyStats interface {
	DailyRange(ctx context.Context, apiID, from, to string) ([]*models.DailyStats, error)
}

// Deps are the collaborators of the HTTP and feed servers.
type Deps struct {
	Auth      Authenticator
	Proxy     Invoker
	Catalog   Catalog
	Accounts  Accounts
	Ledger    ledger.Store
	Analytics DailyStats
	Chain     chain.Messenger
	Cache     *cache.Layer
	Feed      *fanout.Hub
	Limiter   ratelimit.Limiter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	app       *fiber.App
	cfg       *config.ServerConfig
	auth      Authenticator
	proxy     Invoker
	catalog   Catalog
	accounts  Accounts
	ledger    ledger.Store
	analytics DailyStats
	chain     chain.Messenger
	cache     *cache.Layer
	feed      *fanout.Hub
	limiter   ratelimit.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.ServerConfig, deps Deps) *Server {
	bodyLimit := cfg.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 4 * 1024 * 1024
	}

	app := fiber.New(fiber.Config{
		AppName:      "LedgrAPI Gateway",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    bodyLimit,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	s := &Server{
		app:       app,
		cfg:       cfg,
		auth:      deps.Auth,
		proxy:     deps.Proxy,
		catalog:   deps.Catalog,
		accounts:  deps.Accounts,
		ledger:    deps.Ledger,
		analytics: deps.Analytics,
		chain:     deps.Chain,
		cache:     deps.Cache,
		feed:      deps.Feed,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware sets up middleware.
func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} ${latency} ${method} ${path}\n",
	}))
	origins := s.cfg.CORSOrigins
	if origins == "" {
		origins = "*"
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, X-API-Key",
	}))
	s.app.Use(s.metricsMiddleware)
}

// setupRoutes sets up routes.
func (s *Server) setupRoutes() {
	// Health check
	s.app.Get("/health", s.handleHealth)

	// Stats and metrics (internal)
	s.app.Get("/stats", s.handleStats)
	s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// API v1
	v1 := s.app.Group("/v1")

	// Public endpoints
	v1.Get("/public/pricing", s.handlePricing)
	v1.Get("/public/stats", s.handlePublicStats)

	// Authenticated endpoints
	v1.Get("/me", s.authMiddleware, s.rateLimitMiddleware, s.handleMe)
	v1.Get("/billing/usage", s.authMiddleware, s.rateLimitMiddleware, s.handleBillingUsage)

	v1.Post("/apis", s.authMiddleware, s.rateLimitMiddleware, s.handlePublish)
	v1.Get("/apis", s.authMiddleware, s.rateLimitMiddleware, s.handleListAPIs)
	v1.Get("/apis/mine", s.authMiddleware, s.rateLimitMiddleware, s.handleListMine)
	v1.Get("/apis/:id", s.authMiddleware, s.rateLimitMiddleware, s.handleGetAPI)
	v1.Patch("/apis/:id/status", s.authMiddleware, s.rateLimitMiddleware, s.handleSetStatus)
	v1.Delete("/apis/:id", s.authMiddleware, s.rateLimitMiddleware, s.handleDeactivate)

	v1.Post("/apis/:id/call", s.authMiddleware, s.rateLimitMiddleware, s.handleCall)
	v1.Get("/apis/:id/usage", s.authMiddleware, s.rateLimitMiddleware, s.handleUsage)
	v1.Get("/apis/:id/calls", s.authMiddleware, s.rateLimitMiddleware, s.handleCalls)
	v1.Get("/apis/:id/stats/daily", s.authMiddleware, s.rateLimitMiddleware, s.handleDailyStats)
	v1.Get("/apis/:id/feed", s.authMiddleware, s.rateLimitMiddleware, s.handleFeedUpgrade)

	v1.Post("/chain/messages", s.authMiddleware, s.rateLimitMiddleware, s.handleSendMessage)
	v1.Get("/chain/messages/:id", s.authMiddleware, s.rateLimitMiddleware, s.handleMessageStatus)
	v1.Get("/chain/networks", s.authMiddleware, s.rateLimitMiddleware, s.handleNetworks)
}

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(c *fiber.Ctx) error {
	start := time.Now()
	s.metrics.RequestsInFlight.Inc()
	defer s.metrics.RequestsInFlight.Dec()

	err := c.Next()

	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	s.metrics.RecordRequest(c.Method(), c.Route().Path, status, time.Since(start).Seconds())
	return err
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	apiKey := c.Get("X-API-Key")
	if apiKey == "" {
		apiKey = c.Query("api_key")
	}

	authCtx, err := s.auth.Authenticate(c.UserContext(), apiKey)
	if err != nil {
		status, code, reason := authFailure(err)
		s.metrics.RecordAuthFailure(reason)
		if status == fiber.StatusInternalServerError {
			s.logger.Error("Authentication failed", zap.Error(err))
			return s.fail(c, status, code, "authentication unavailable", "")
		}
		return s.fail(c, status, code, errors.Cause(err).Error(), "")
	}
	s.metrics.RecordAuthSuccess()

	// Store auth context
	c.Locals("auth", authCtx)
	return c.Next()
}

func authFailure(err error) (status int, code, reason string) {
	switch {
	case errors.Is(err, auth.ErrMissingAPIKey):
		return fiber.StatusUnauthorized, "AUTH_MISSING_KEY", "missing_key"
	case errors.Is(err, auth.ErrInvalidAPIKey):
		return fiber.StatusUnauthorized, "AUTH_INVALID_KEY", "invalid_key"
	case errors.Is(err, auth.ErrSuspendedConsumer):
		return fiber.StatusForbidden, "AUTH_SUSPENDED", "suspended"
	default:
		return fiber.StatusInternalServerError, "INTERNAL", "error"
	}
}

// rateLimitMiddleware applies the consumer's per-minute tier limit.
func (s *Server) rateLimitMiddleware(c *fiber.Ctx) error {
	authCtx := authFrom(c)
	limits := tier.Lookup(authCtx.Tier)

	res, err := s.limiter.Allow(c.UserContext(), authCtx.ConsumerID, limits.RequestsPerMinute)
	if err != nil {
		// Shared counter unavailable; let the request through.
		s.logger.Warn("Rate limiter failed", zap.String("consumer_id", authCtx.ConsumerID), zap.Error(err))
		return c.Next()
	}

	if res.Limit > 0 {
		c.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	}

	if !res.Allowed {
		s.metrics.RecordRateLimitHit(limits.Name)
		return s.fail(c, fiber.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", "")
	}
	return c.Next()
}

func authFrom(c *fiber.Ctx) *models.AuthContext {
	authCtx, _ := c.Locals("auth").(*models.AuthContext)
	return authCtx
}

// fail writes the error body.
func (s *Server) fail(c *fiber.Ctx, status int, code, msg, correlationID string) error {
	return c.Status(status).JSON(types.ErrorResponse{
		Error:         msg,
		Code:          code,
		CorrelationID: correlationID,
	})
}

// proxyError writes a call failure. Internal details stay in the log.
func (s *Server) proxyError(c *fiber.Ctx, err error) error {
	var pe *proxy.Error
	if !errors.As(err, &pe) {
		s.logger.Error("Unexpected call error", zap.Error(err))
		return s.fail(c, fiber.StatusInternalServerError, string(proxy.KindInternal), "internal error", "")
	}
	if pe.Kind == proxy.KindInternal {
		s.logger.Error("Call failed",
			zap.String("correlation_id", pe.CorrelationID),
			zap.Error(err))
	}
	return s.fail(c, pe.Kind.HTTPStatus(), string(pe.Kind), pe.Message, pe.CorrelationID)
}

// catalogError writes a credential store failure.
func (s *Server) catalogError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, catalog.ErrAPINotFound):
		return s.fail(c, fiber.StatusNotFound, "NOT_FOUND", "api not found", "")
	case errors.Is(err, catalog.ErrNotOwner):
		return s.fail(c, fiber.StatusForbidden, "FORBIDDEN", "api belongs to another owner", "")
	case errors.Is(err, catalog.ErrPublishQuota):
		return s.fail(c, fiber.StatusForbidden, "PUBLISH_QUOTA_EXCEEDED", err.Error(), "")
	case errors.Is(err, catalog.ErrInvalidAPI):
		return s.fail(c, fiber.StatusBadRequest, "INVALID_API", err.Error(), "")
	default:
		s.logger.Error("Catalog operation failed", zap.Error(err))
		return s.fail(c, fiber.StatusInternalServerError, "INTERNAL", "internal error", "")
	}
}

// handleHealth returns health status.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"time":   s.now().UTC(),
	})
}

// handleStats returns service statistics.
func (s *Server) handleStats(c *fiber.Ctx) error {
	cacheStats := s.cache.GetStats()
	feedStats := s.feed.GetStats()

	return c.JSON(fiber.Map{
		"cache": fiber.Map{
			"apis":  cacheStats.APIs,
			"calls": cacheStats.Calls,
		},
		"feed": fiber.Map{
			"active_topics":      feedStats.ActiveTopics,
			"active_subscribers": feedStats.ActiveSubscribers,
			"dropped_messages":   feedStats.DroppedMessages,
			"slow_disconnects":   feedStats.SlowDisconnects,
		},
		"proxy": fiber.Map{
			"running": s.proxy.Running(),
		},
	})
}

// handleFeedUpgrade points plain HTTP clients at the feed listener.
func (s *Server) handleFeedUpgrade(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"error": "WebSocket upgrade required",
		"code":  "UPGRADE_REQUIRED",
		"port":  s.cfg.FeedPort,
	})
}

// Start starts the server.
func (s *Server) Start() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.HTTPPort)
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func splitOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
