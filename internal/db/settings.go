package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	GetSetting = `SELECT value, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`

	ListSettingsByPrefix = `SELECT key, value, updated_at FROM settings WHERE key LIKE ? ORDER BY key ASC`
)

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoreCredential is the persisted Shopify install for one store label,
// stored as JSON under shopify_oauth:<label>.
type StoreCredential struct {
	Shop        string `json:"shop"`
	AccessToken string `json:"access_token"`
	Scopes      string `json:"scopes"`
	InstalledAt string `json:"installed_at"`
}

type SettingsOperations struct {
	db *sql.DB
}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string) error {
	if _, err := o.db.ExecContext(ctx, SetSetting, key, value); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	if _, err := o.db.ExecContext(ctx, DeleteSetting, key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

func StoreCredentialKey(label string) string {
	return "shopify_oauth:" + strings.ToLower(strings.TrimSpace(label))
}

// GetStoreCredential returns sql.ErrNoRows when the store was never
// installed.
func (o *SettingsOperations) GetStoreCredential(ctx context.Context, label string) (*StoreCredential, error) {
	s, err := o.GetSetting(ctx, StoreCredentialKey(label))
	if err != nil {
		return nil, err
	}
	var cred StoreCredential
	if err := json.Unmarshal([]byte(s.Value), &cred); err != nil {
		return nil, fmt.Errorf("failed to decode store credential %s: %w", label, err)
	}
	return &cred, nil
}

func (o *SettingsOperations) SetStoreCredential(ctx context.Context, label string, cred StoreCredential) error {
	cred.Shop = strings.ToLower(strings.TrimSpace(cred.Shop))
	cred.AccessToken = strings.TrimSpace(cred.AccessToken)
	if cred.InstalledAt == "" {
		cred.InstalledAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode store credential: %w", err)
	}
	return o.SetSetting(ctx, StoreCredentialKey(label), string(data))
}

// ListStoreCredentials returns every persisted install keyed by label.
func (o *SettingsOperations) ListStoreCredentials(ctx context.Context) (map[string]*StoreCredential, error) {
	prefix := StoreCredentialKey("")
	rows, err := o.db.QueryContext(ctx, ListSettingsByPrefix, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list store credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*StoreCredential)
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		var cred StoreCredential
		if err := json.Unmarshal([]byte(s.Value), &cred); err != nil {
			continue
		}
		out[strings.TrimPrefix(s.Key, prefix)] = &cred
	}
	return out, rows.Err()
}
