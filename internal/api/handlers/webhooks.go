package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/api/middleware"
	"github.com/orrn/printrelay/internal/overrides"
)

// WebhookHandler takes Shopify order pushes and merges their customer data
// into the override cache. It must run behind
// middleware.VerifyShopifyWebhook.
type WebhookHandler struct {
	store  OverrideService
	logger *slog.Logger
}

func NewWebhookHandler(store OverrideService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{store: store, logger: logger}
}

func (h *WebhookHandler) OrderUpdated(c *gin.Context) {
	body, _ := c.Get(middleware.ContextRawBody)
	raw, ok := body.([]byte)
	if !ok {
		badRequest(c, "missing body")
		return
	}
	label := c.GetString(middleware.ContextStoreLabel)

	rec, err := overrides.RecordFromWebhook(raw, label)
	if err != nil {
		h.logger.Warn("rejected order webhook", "store", label, "topic", c.GetHeader("X-Shopify-Topic"), "error", err)
		badRequest(c, err.Error())
		return
	}

	stored, changed := h.store.Put(rec)
	h.logger.Info("order webhook applied",
		"store", label,
		"order", stored.OrderNumber,
		"changed", changed,
		"complete", overrides.Complete(&stored),
	)
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"order_number": stored.OrderNumber,
		"updated":      changed,
		"complete":     overrides.Complete(&stored),
	})
}

func (h *WebhookHandler) RegisterRoutes(r gin.IRoutes, verify gin.HandlerFunc) {
	r.POST("/webhooks/orders", verify, h.OrderUpdated)
}
