package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printrelay/internal/db"
)

// CredentialStore persists per-store API credentials; *db.SettingsOperations
// satisfies it.
type CredentialStore interface {
	SetStoreCredential(ctx context.Context, label string, cred db.StoreCredential) error
	ListStoreCredentials(ctx context.Context) (map[string]*db.StoreCredential, error)
}

// ClientCache is told when a store's credentials change.
type ClientCache interface {
	Forget(label string)
}

type SettingsHandler struct {
	creds   CredentialStore
	clients ClientCache
}

type StoreCredentialRequest struct {
	Shop        string `json:"shop" binding:"required"`
	AccessToken string `json:"access_token" binding:"required"`
	Scopes      string `json:"scopes"`
}

type StoreCredentialResponse struct {
	Label       string `json:"label"`
	Shop        string `json:"shop"`
	Scopes      string `json:"scopes,omitempty"`
	InstalledAt string `json:"installed_at"`
}

func NewSettingsHandler(creds CredentialStore, clients ClientCache) *SettingsHandler {
	return &SettingsHandler{creds: creds, clients: clients}
}

func (h *SettingsHandler) ListStores(c *gin.Context) {
	all, err := h.creds.ListStoreCredentials(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]StoreCredentialResponse, 0, len(all))
	for label, cred := range all {
		out = append(out, StoreCredentialResponse{
			Label:       label,
			Shop:        cred.Shop,
			Scopes:      cred.Scopes,
			InstalledAt: cred.InstalledAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stores": out})
}

func (h *SettingsHandler) PutStore(c *gin.Context) {
	label := strings.ToLower(strings.TrimSpace(c.Param("label")))
	if label == "" {
		badRequest(c, "label is required")
		return
	}
	var req StoreCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "shop and access_token are required")
		return
	}

	err := h.creds.SetStoreCredential(c.Request.Context(), label, db.StoreCredential{
		Shop:        req.Shop,
		AccessToken: req.AccessToken,
		Scopes:      req.Scopes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if h.clients != nil {
		h.clients.Forget(label)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "label": label})
}

func (h *SettingsHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/settings/stores", h.ListStores)
	r.PUT("/settings/stores/:label", h.PutStore)
}
