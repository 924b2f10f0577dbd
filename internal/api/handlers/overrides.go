package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/overrides"
)

// OverrideService is the part of overrides.Store the HTTP layer uses.
type OverrideService interface {
	GetOverrides(ctx context.Context, orders []string, store string, forceLive bool) map[string]overrides.Record
	PrintData(ctx context.Context, orders []string, store string) []overrides.PrintOrder
	Put(rec overrides.Record) (overrides.Record, bool)
	Len() int
}

type OverrideHandler struct {
	store OverrideService
}

func NewOverrideHandler(store OverrideService) *OverrideHandler {
	return &OverrideHandler{store: store}
}

func (h *OverrideHandler) GetOverrides(c *gin.Context) {
	orders := splitCSV(c.Query("orders"))
	if len(orders) == 0 {
		badRequest(c, "orders is required")
		return
	}
	forceLive, _ := strconv.ParseBool(c.DefaultQuery("force_live", "false"))

	recs := h.store.GetOverrides(c.Request.Context(), orders, c.Query("store"), forceLive)
	c.JSON(http.StatusOK, gin.H{"ok": true, "overrides": recs})
}

func (h *OverrideHandler) GetPrintData(c *gin.Context) {
	orders := splitCSV(c.Query("orders"))
	if len(orders) == 0 {
		badRequest(c, "orders is required")
		return
	}

	data := h.store.PrintData(c.Request.Context(), orders, c.Query("store"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "orders": data})
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *OverrideHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/overrides", h.GetOverrides)
	r.GET("/print-data", h.GetPrintData)
}
