package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/db"
)

type AuditLister interface {
	ListAuditLogs(ctx context.Context, filter db.AuditFilter) ([]*db.AuditLog, error)
}

type AuditHandler struct {
	audit AuditLister
}

func NewAuditHandler(audit AuditLister) *AuditHandler {
	return &AuditHandler{audit: audit}
}

func (h *AuditHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	logs, err := h.audit.ListAuditLogs(c.Request.Context(), db.AuditFilter{
		Action: c.Query("action"),
		PCID:   c.Query("pc_id"),
		JobID:  c.Query("job_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*db.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "events": logs})
}

func (h *AuditHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/audit", h.List)
}
