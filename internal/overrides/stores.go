package overrides

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/orrn/printrelay/internal/db"
)

// StoreResolver maps a store label to the API serving its orders.
type StoreResolver interface {
	Source(ctx context.Context, label string) (OrderSource, error)
}

// CredentialLoader reads persisted store installs; *db.SettingsOperations
// satisfies it.
type CredentialLoader interface {
	GetStoreCredential(ctx context.Context, label string) (*db.StoreCredential, error)
}

type StoreDefinition struct {
	Label         string
	Domain        string
	AccessToken   string
	APIVersion    string
	WebhookSecret string
}

// StoreRegistry resolves stores from static definitions first and then
// from credentials persisted in the settings table. Built clients are
// cached for the life of the process.
type StoreRegistry struct {
	static     map[string]StoreDefinition
	loader     CredentialLoader
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]OrderSource
}

func NewStoreRegistry(defs []StoreDefinition, loader CredentialLoader, httpClient *http.Client) *StoreRegistry {
	r := &StoreRegistry{
		static:     make(map[string]StoreDefinition, len(defs)),
		loader:     loader,
		httpClient: httpClient,
		clients:    make(map[string]OrderSource),
	}
	for _, d := range defs {
		r.static[normalizeLabel(d.Label)] = d
	}
	return r
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func (r *StoreRegistry) Source(ctx context.Context, label string) (OrderSource, error) {
	key := normalizeLabel(label)
	if key == "" {
		return nil, fmt.Errorf("%w: empty label", ErrUnknownStore)
	}

	r.mu.Lock()
	if c, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	cfg, err := r.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	client := NewShopifyClient(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	r.clients[key] = client
	return client, nil
}

func (r *StoreRegistry) lookup(ctx context.Context, key string) (ShopifyConfig, error) {
	if d, ok := r.static[key]; ok {
		return ShopifyConfig{
			Domain:      d.Domain,
			AccessToken: d.AccessToken,
			APIVersion:  d.APIVersion,
			HTTPClient:  r.httpClient,
		}, nil
	}

	if r.loader == nil {
		return ShopifyConfig{}, fmt.Errorf("%w: %s", ErrUnknownStore, key)
	}

	cred, err := r.loader.GetStoreCredential(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShopifyConfig{}, fmt.Errorf("%w: %s", ErrUnknownStore, key)
		}
		return ShopifyConfig{}, fmt.Errorf("load store %s: %w", key, err)
	}
	if cred.Shop == "" || cred.AccessToken == "" {
		return ShopifyConfig{}, fmt.Errorf("%w: %s has no installed credentials", ErrUnknownStore, key)
	}
	return ShopifyConfig{
		Domain:      cred.Shop,
		AccessToken: cred.AccessToken,
		HTTPClient:  r.httpClient,
	}, nil
}

// Forget drops the cached client for label so the next lookup reloads its
// credentials.
func (r *StoreRegistry) Forget(label string) {
	r.mu.Lock()
	delete(r.clients, normalizeLabel(label))
	r.mu.Unlock()
}

// LabelForShop maps a shop domain (as sent in webhook headers) back to the
// configured store label.
func (r *StoreRegistry) LabelForShop(domain string) (string, bool) {
	domain = normalizeLabel(domain)
	for key, d := range r.static {
		if normalizeLabel(d.Domain) == domain {
			return key, true
		}
	}
	return "", false
}

// WebhookSecret returns the shared secret used to sign the store's order
// webhooks, if one is configured.
func (r *StoreRegistry) WebhookSecret(label string) string {
	return r.static[normalizeLabel(label)].WebhookSecret
}
