package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/archive"
)

type Archives interface {
	ListArchives() ([]*archive.ArchiveFile, error)
	GetArchiveInfo(ctx context.Context, filename string) (*archive.ArchiveFile, error)
	RunArchive(ctx context.Context) (int, error)
}

type ArchiveHandler struct {
	archiver Archives
}

func NewArchiveHandler(archiver Archives) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	OK       bool                   `json:"ok"`
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		respondError(c, err)
		return
	}
	if archives == nil {
		archives = []*archive.ArchiveFile{}
	}

	c.JSON(http.StatusOK, ArchiveListResponse{
		OK:       true,
		Archives: archives,
		Count:    len(archives),
	})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		if errors.Is(err, archive.ErrArchiveNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "archive": info})
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":       false,
			"archived": n,
			"error":    "archive completed with errors",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "archived": n})
}

func (h *ArchiveHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/archives", h.ListArchives)
	r.GET("/archives/:filename", h.GetArchiveInfo)
	r.POST("/archives/run", h.TriggerArchive)
}
