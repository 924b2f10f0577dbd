package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port: %d", cfg.Server.Port)
	}
	if cfg.Broker.VisibilityTimeout != 5*time.Minute {
		t.Fatalf("visibility timeout: %v", cfg.Broker.VisibilityTimeout)
	}
	if cfg.Overrides.FallbackStore != "irranova" {
		t.Fatalf("fallback store: %q", cfg.Overrides.FallbackStore)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := `
server:
  port: 9090
broker:
  api_key: k
  visibility_timeout: 30s
pcs:
  - pc_id: pc-lab-1
    secret: SECRET1
stores:
  - label: irranova
    domain: irranova.myshopify.com
    access_token: tok
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port: %d", cfg.Server.Port)
	}
	if cfg.Broker.VisibilityTimeout != 30*time.Second {
		t.Fatalf("visibility: %v", cfg.Broker.VisibilityTimeout)
	}
	if cfg.Broker.DefaultMaxItems != 5 {
		t.Fatalf("defaults not kept: %d", cfg.Broker.DefaultMaxItems)
	}
	if len(cfg.PCs) != 1 || cfg.PCs[0].Secret != "SECRET1" {
		t.Fatalf("pcs: %+v", cfg.PCs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyEnvRegistersPCsAndStores(t *testing.T) {
	t.Setenv("API_KEY", "env-key")
	t.Setenv("PC_ID_1", "pc-lab-1")
	t.Setenv("PC_SECRET_1", "s1")
	t.Setenv("PC_ID_2", "pc-lab-2")
	t.Setenv("PC_SECRET_2", "s2")
	t.Setenv("IRRAKIDS_STORE_DOMAIN", "irrakids.myshopify.com")
	t.Setenv("SHOPIFY_PASSWORD", "shpat")
	t.Setenv("IRRAKIDS_WEBHOOK_SECRET", "whsec")

	cfg := defaults()
	cfg.ApplyEnv()
	if cfg.Broker.APIKey != "env-key" {
		t.Fatalf("api key: %q", cfg.Broker.APIKey)
	}
	if len(cfg.PCs) != 2 {
		t.Fatalf("pcs: %+v", cfg.PCs)
	}
	if len(cfg.Stores) != 1 || cfg.Stores[0].Label != "irrakids" || cfg.Stores[0].AccessToken != "shpat" || cfg.Stores[0].WebhookSecret != "whsec" {
		t.Fatalf("stores: %+v", cfg.Stores)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaults()
		cfg.Broker.APIKey = "k"
		cfg.PCs = []PCConfig{{ID: "pc-lab-1", Secret: "s"}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }},
		{"no pcs", func(c *Config) { c.PCs = nil }},
		{"duplicate pc", func(c *Config) { c.PCs = append(c.PCs, PCConfig{ID: "pc-lab-1", Secret: "x"}) }},
		{"secret and hash", func(c *Config) { c.PCs[0].SecretHash = "$2a$10$abc" }},
		{"negative visibility", func(c *Config) { c.Broker.VisibilityTimeout = -time.Second }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"store without domain", func(c *Config) { c.Stores = []StoreConfig{{Label: "x"}} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "plain" }},
		{"negative archive age", func(c *Config) { c.Database.ArchiveAfter = -time.Hour }},
		{"archive without interval", func(c *Config) { c.Database.ArchiveInterval = 0 }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAgentEnv(t *testing.T) {
	t.Setenv("RELAY_URL", "https://relay.example.com")
	t.Setenv("PC_ID", "pc-lab-2")
	t.Setenv("PC_SECRET", "SECRET2")
	t.Setenv("API_KEY", "k")
	t.Setenv("PULL_INTERVAL_SEC", "0.5")

	cfg := agentDefaults()
	cfg.ApplyEnv()
	if cfg.PCID != "pc-lab-2" || cfg.PCSecret != "SECRET2" {
		t.Fatalf("pc: %s/%s", cfg.PCID, cfg.PCSecret)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval: %v", cfg.PollInterval)
	}
	if cfg.Timeouts.Print != 30*time.Second {
		t.Fatalf("print timeout: %v", cfg.Timeouts.Print)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.PrinterURL = "ftp://printer"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected printer url error")
	}
}

func TestAgentOverridesTimeoutCoversFallbackLookup(t *testing.T) {
	relay := defaults()
	agent := agentDefaults()
	if agent.Timeouts.Overrides <= 2*relay.Overrides.LiveTimeout {
		t.Fatalf("agent overrides timeout %v does not cover two live lookups of %v",
			agent.Timeouts.Overrides, relay.Overrides.LiveTimeout)
	}
}
