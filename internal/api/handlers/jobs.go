package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/core"
)

type EnqueueRequest struct {
	PCID   string   `json:"pc_id"`
	Orders []string `json:"orders"`
	Copies int      `json:"copies"`
	PDFURL *string  `json:"pdf_url"`
	Store  *string  `json:"store"`
}

type AckRequest struct {
	PCID   string `json:"pc_id"`
	Secret string `json:"secret"`
	JobID  string `json:"job_id"`
}

// JobResponse is the wire form of a pulled job. Optional fields are null
// when unset.
type JobResponse struct {
	JobID      string   `json:"job_id"`
	TS         int64    `json:"ts"`
	Orders     []string `json:"orders"`
	Copies     int      `json:"copies"`
	PDFURL     *string  `json:"pdf_url"`
	Store      *string  `json:"store"`
	Deliveries int      `json:"deliveries"`
}

type JobHandler struct {
	broker *core.Broker
}

func NewJobHandler(broker *core.Broker) *JobHandler {
	return &JobHandler{broker: broker}
}

func (h *JobHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	job, depth, err := h.broker.Enqueue(c.Request.Context(), c.GetHeader("x-api-key"), core.EnqueueRequest{
		PCID:   strings.TrimSpace(req.PCID),
		Orders: req.Orders,
		Copies: req.Copies,
		PDFURL: deref(req.PDFURL),
		Store:  deref(req.Store),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "job_id": job.ID, "queued": depth})
}

func (h *JobHandler) Pull(c *gin.Context) {
	maxItems := 0
	if raw := c.Query("max_items"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "max_items must be an integer")
			return
		}
		maxItems = n
	}

	jobs, err := h.broker.Pull(c.Request.Context(), c.Query("pc_id"), c.Query("secret"), maxItems)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "jobs": out})
}

func (h *JobHandler) Ack(c *gin.Context) {
	var req AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	if err := h.broker.Ack(c.Request.Context(), req.PCID, req.Secret, req.JobID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func jobToResponse(j core.Job) JobResponse {
	return JobResponse{
		JobID:      j.ID,
		TS:         j.CreatedAt.Unix(),
		Orders:     j.Orders,
		Copies:     j.Copies,
		PDFURL:     optional(j.PDFURL),
		Store:      optional(j.Store),
		Deliveries: j.Deliveries,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// RegisterRoutes mounts the broker endpoints. enqueueMW and pullMW run
// before their handlers, typically rate limiters.
func (h *JobHandler) RegisterRoutes(r gin.IRoutes, enqueueMW, pullMW gin.HandlerFunc) {
	r.POST("/enqueue", enqueueMW, h.Enqueue)
	r.GET("/pull", pullMW, h.Pull)
	r.POST("/ack", h.Ack)
}
