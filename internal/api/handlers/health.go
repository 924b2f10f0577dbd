package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/core"
)

type HealthHandler struct {
	broker    *core.Broker
	overrides OverrideService
}

func NewHealthHandler(broker *core.Broker, overrides OverrideService) *HealthHandler {
	return &HealthHandler{broker: broker, overrides: overrides}
}

func (h *HealthHandler) Health(c *gin.Context) {
	delivery := "remove_on_pull"
	if h.broker.AckTracked() {
		delivery = "pending_set"
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":               true,
		"delivery":         delivery,
		"queues":           h.broker.Stats(),
		"cached_overrides": h.overrides.Len(),
	})
}

func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
