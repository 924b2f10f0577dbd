// Package api wires the relay's HTTP surface onto gin.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/api/handlers"
	"github.com/orrn/printrelay/internal/api/middleware"
	"github.com/orrn/printrelay/internal/config"
	"github.com/orrn/printrelay/internal/core"
)

type Deps struct {
	Broker    *core.Broker
	Overrides handlers.OverrideService
	Shops     middleware.ShopResolver
	// Credentials, Clients, Audit and Archives are nil when the relay runs without a
	// database; their routes are then not mounted.
	Credentials handlers.CredentialStore
	Clients     handlers.ClientCache
	Audit       handlers.AuditLister
	Archives    handlers.Archives

	RateLimit      config.RateLimitConfig
	AllowedOrigins []string
	Logger         *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Logger), middleware.RequestLogger(d.Logger))
	if len(d.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(d.AllowedOrigins))
	}

	pullLimit := middleware.NewKeyedLimiter(d.RateLimit.PullPerSecond, d.RateLimit.PullBurst)
	enqueueLimit := middleware.NewKeyedLimiter(d.RateLimit.EnqueuePerSecond, d.RateLimit.EnqueueBurst)

	handlers.NewJobHandler(d.Broker).RegisterRoutes(r,
		middleware.RateLimit(enqueueLimit, middleware.KnownOnly(middleware.ByHeader(middleware.HeaderAPIKey), validKey(d.Broker))),
		middleware.RateLimit(pullLimit, middleware.KnownOnly(middleware.ByQuery("pc_id"), d.Broker.KnownPC)),
	)

	apiGroup := r.Group("/api")
	handlers.NewOverrideHandler(d.Overrides).RegisterRoutes(apiGroup)
	handlers.NewHealthHandler(d.Broker, d.Overrides).RegisterRoutes(apiGroup)
	handlers.NewWebhookHandler(d.Overrides, d.Logger).RegisterRoutes(apiGroup, middleware.VerifyShopifyWebhook(d.Shops))

	admin := apiGroup.Group("", middleware.RequireAPIKey(d.Broker.CheckAPIKey))
	if d.Credentials != nil {
		handlers.NewSettingsHandler(d.Credentials, d.Clients).RegisterRoutes(admin)
	}
	if d.Audit != nil {
		handlers.NewAuditHandler(d.Audit).RegisterRoutes(admin)
	}
	if d.Archives != nil {
		handlers.NewArchiveHandler(d.Archives).RegisterRoutes(admin)
	}

	return r
}

func validKey(b *core.Broker) func(string) bool {
	return func(key string) bool { return b.CheckAPIKey(key) == nil }
}
