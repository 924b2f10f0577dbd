package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay process configuration: the job broker, the PC
// registry and the per-order override store.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	PCs       []PCConfig      `yaml:"pcs"`
	Stores    []StoreConfig   `yaml:"stores"`
	Overrides OverridesConfig `yaml:"overrides"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DatabaseConfig points at the SQLite file holding store credentials and
// the broker audit log. An empty path runs the relay without a database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// ArchivePath receives monthly SQLite files of audit events older than
	// ArchiveAfter. Zero ArchiveAfter keeps every event in the main file.
	ArchivePath     string        `yaml:"archive_path"`
	ArchiveAfter    time.Duration `yaml:"archive_after"`
	ArchiveInterval time.Duration `yaml:"archive_interval"`
}

type BrokerConfig struct {
	APIKey string `yaml:"api_key"`
	// VisibilityTimeout is how long a pulled job stays in flight before it
	// returns to the head of its queue. Zero removes jobs on pull.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	DefaultMaxItems   int           `yaml:"default_max_items"`
	MaxItemsLimit     int           `yaml:"max_items_limit"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
}

// PCConfig registers one print station. Exactly one of Secret and
// SecretHash (bcrypt) must be set.
type PCConfig struct {
	ID         string `yaml:"pc_id"`
	Secret     string `yaml:"secret"`
	SecretHash string `yaml:"secret_hash"`
}

type StoreConfig struct {
	Label         string `yaml:"label"`
	Domain        string `yaml:"domain"`
	AccessToken   string `yaml:"access_token"`
	APIVersion    string `yaml:"api_version"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type OverridesConfig struct {
	DefaultStore     string        `yaml:"default_store"`
	FallbackStore    string        `yaml:"fallback_store"`
	LiveTimeout      time.Duration `yaml:"live_timeout"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
}

type RateLimitConfig struct {
	PullPerSecond    float64 `yaml:"pull_per_second"`
	PullBurst        int     `yaml:"pull_burst"`
	EnqueuePerSecond float64 `yaml:"enqueue_per_second"`
	EnqueueBurst     int     `yaml:"enqueue_burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const DefaultAPIVersion = "2025-01"

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "./data/relay.db",
			ArchivePath:     "./data/archives",
			ArchiveAfter:    30 * 24 * time.Hour,
			ArchiveInterval: 24 * time.Hour,
		},
		Broker: BrokerConfig{
			VisibilityTimeout: 5 * time.Minute,
			DefaultMaxItems:   5,
			MaxItemsLimit:     100,
			ReapInterval:      15 * time.Second,
		},
		Overrides: OverridesConfig{
			DefaultStore:     "irrakids",
			FallbackStore:    "irranova",
			LiveTimeout:      15 * time.Second,
			FetchConcurrency: 4,
		},
		RateLimit: RateLimitConfig{
			PullPerSecond:    5,
			PullBurst:        10,
			EnqueuePerSecond: 20,
			EnqueueBurst:     40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables on an already loaded config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	if v, ok := os.LookupEnv("RELAY_DB_PATH"); ok {
		c.Database.Path = v
	}

	if v := os.Getenv("RELAY_ARCHIVE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Database.ArchiveAfter = d
		}
	}

	if v := os.Getenv("API_KEY"); v != "" {
		c.Broker.APIKey = v
	}

	if v := os.Getenv("RELAY_VISIBILITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Broker.VisibilityTimeout = d
		}
	}

	for i := 1; i <= 9; i++ {
		id := os.Getenv(fmt.Sprintf("PC_ID_%d", i))
		secret := os.Getenv(fmt.Sprintf("PC_SECRET_%d", i))
		if id == "" || secret == "" {
			continue
		}
		c.upsertPC(PCConfig{ID: id, Secret: secret})
	}

	if domain := os.Getenv("IRRAKIDS_STORE_DOMAIN"); domain != "" {
		c.upsertStore(StoreConfig{
			Label:         c.Overrides.DefaultStore,
			Domain:        domain,
			AccessToken:   os.Getenv("SHOPIFY_PASSWORD"),
			APIVersion:    os.Getenv("SHOPIFY_API_VERSION"),
			WebhookSecret: os.Getenv("IRRAKIDS_WEBHOOK_SECRET"),
		})
	}

	if domain := os.Getenv("IRRANOVA_STORE_DOMAIN"); domain != "" {
		c.upsertStore(StoreConfig{
			Label:         c.Overrides.FallbackStore,
			Domain:        domain,
			AccessToken:   os.Getenv("IRRANOVA_SHOPIFY_PASSWORD"),
			APIVersion:    os.Getenv("SHOPIFY_API_VERSION"),
			WebhookSecret: os.Getenv("IRRANOVA_WEBHOOK_SECRET"),
		})
	}

	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) upsertPC(pc PCConfig) {
	for i := range c.PCs {
		if c.PCs[i].ID == pc.ID {
			c.PCs[i] = pc
			return
		}
	}
	c.PCs = append(c.PCs, pc)
}

func (c *Config) upsertStore(s StoreConfig) {
	for i := range c.Stores {
		if strings.EqualFold(c.Stores[i].Label, s.Label) {
			c.Stores[i] = s
			return
		}
	}
	c.Stores = append(c.Stores, s)
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker api key is required")
	}

	if c.Database.ArchiveAfter < 0 {
		return fmt.Errorf("archive_after must be non-negative")
	}

	if c.Database.ArchiveAfter > 0 && c.Database.ArchiveInterval <= 0 {
		return fmt.Errorf("archive_interval must be positive when archiving is enabled")
	}

	if c.Broker.VisibilityTimeout < 0 {
		return fmt.Errorf("visibility timeout must be non-negative")
	}

	if c.Broker.DefaultMaxItems < 1 {
		return fmt.Errorf("default max items must be at least 1")
	}

	if c.Broker.MaxItemsLimit < c.Broker.DefaultMaxItems {
		return fmt.Errorf("max items limit must be at least the default max items")
	}

	if c.Broker.ReapInterval <= 0 {
		return fmt.Errorf("reap interval must be positive")
	}

	if len(c.PCs) == 0 {
		return fmt.Errorf("at least one pc must be registered")
	}

	seen := make(map[string]bool, len(c.PCs))
	for _, pc := range c.PCs {
		if pc.ID == "" {
			return fmt.Errorf("pc_id is required")
		}
		if seen[pc.ID] {
			return fmt.Errorf("duplicate pc_id: %s", pc.ID)
		}
		seen[pc.ID] = true
		if (pc.Secret == "") == (pc.SecretHash == "") {
			return fmt.Errorf("pc %s: exactly one of secret and secret_hash must be set", pc.ID)
		}
	}

	for _, s := range c.Stores {
		if s.Label == "" || s.Domain == "" {
			return fmt.Errorf("store label and domain are required")
		}
	}

	if c.Overrides.LiveTimeout <= 0 {
		return fmt.Errorf("override live timeout must be positive")
	}

	if c.Overrides.FetchConcurrency < 1 {
		return fmt.Errorf("override fetch concurrency must be at least 1")
	}

	if c.RateLimit.PullPerSecond < 0 || c.RateLimit.EnqueuePerSecond < 0 {
		return fmt.Errorf("rate limits must be non-negative")
	}

	return c.Logging.Validate()
}

func (l LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[l.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", l.Format)
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
