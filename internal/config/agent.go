package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig configures the print agent running on a PC.
type AgentConfig struct {
	RelayURL      string        `yaml:"relay_url"`
	PCID          string        `yaml:"pc_id"`
	PCSecret      string        `yaml:"pc_secret"`
	PrinterURL    string        `yaml:"printer_url"`
	APIKey        string        `yaml:"api_key"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Cooldown      time.Duration `yaml:"cooldown"`
	MaxItems      int           `yaml:"max_items"`
	GatedStores   []string      `yaml:"gated_stores"`
	FallbackStore string        `yaml:"fallback_store"`
	Timeouts      TimeoutConfig `yaml:"timeouts"`
	Notify        NotifyConfig  `yaml:"notify"`
	Logging       LoggingConfig `yaml:"logging"`
}

type TimeoutConfig struct {
	Broker    time.Duration `yaml:"broker"`
	// Overrides should exceed twice the relay's live_timeout: an order with
	// no store is tried against the default and then the fallback store.
	Overrides time.Duration `yaml:"overrides"`
	PrintData time.Duration `yaml:"print_data"`
	Print     time.Duration `yaml:"print"`
}

type NotifyConfig struct {
	Targets     []NotifyTarget `yaml:"targets"`
	RetryCount  int            `yaml:"retry_count"`
	RetryDelay  time.Duration  `yaml:"retry_delay"`
	Timeout     time.Duration  `yaml:"timeout"`
	WorkerCount int            `yaml:"worker_count"`
	QueueSize   int            `yaml:"queue_size"`
}

type NotifyTarget struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

func agentDefaults() *AgentConfig {
	return &AgentConfig{
		RelayURL:      "http://localhost:8080",
		PCID:          "pc-lab-1",
		PrinterURL:    "http://127.0.0.1:8787",
		PollInterval:  2 * time.Second,
		Cooldown:      3 * time.Second,
		MaxItems:      5,
		GatedStores:   []string{"irranova"},
		FallbackStore: "irranova",
		Timeouts: TimeoutConfig{
			Broker:    10 * time.Second,
			Overrides: 35 * time.Second,
			PrintData: 15 * time.Second,
			Print:     30 * time.Second,
		},
		Notify: NotifyConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 2,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func LoadAgent(configPath string) (*AgentConfig, error) {
	cfg := agentDefaults()

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

func (c *AgentConfig) ApplyEnv() {
	if v := os.Getenv("RELAY_URL"); v != "" {
		c.RelayURL = v
	}

	if v := os.Getenv("PC_ID"); v != "" {
		c.PCID = v
	}

	if v := os.Getenv("PC_SECRET"); v != "" {
		c.PCSecret = v
	}

	if v := os.Getenv("LOCAL_PRINTER_URL"); v != "" {
		c.PrinterURL = v
	}

	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}

	if v := os.Getenv("PULL_INTERVAL_SEC"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			c.PollInterval = time.Duration(secs * float64(time.Second))
		}
	}

	if v := os.Getenv("AGENT_FALLBACK_STORE"); v != "" {
		c.FallbackStore = v
	}

	if v := os.Getenv("AGENT_GATED_STORES"); v != "" {
		c.GatedStores = splitList(v)
	}

	if v := os.Getenv("AGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *AgentConfig) Validate() error {
	if err := validateURL("relay_url", c.RelayURL); err != nil {
		return err
	}

	if err := validateURL("printer_url", c.PrinterURL); err != nil {
		return err
	}

	if c.PCID == "" {
		return fmt.Errorf("pc_id is required")
	}

	if c.PCSecret == "" {
		return fmt.Errorf("pc_secret is required")
	}

	if c.APIKey == "" {
		return fmt.Errorf("api_key is required to requeue jobs")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be non-negative")
	}

	if c.MaxItems < 1 {
		return fmt.Errorf("max items must be at least 1")
	}

	t := c.Timeouts
	if t.Broker <= 0 || t.Overrides <= 0 || t.PrintData <= 0 || t.Print <= 0 {
		return fmt.Errorf("all timeouts must be positive")
	}

	for _, target := range c.Notify.Targets {
		if err := validateURL("notify target url", target.URL); err != nil {
			return err
		}
	}

	return c.Logging.Validate()
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	return nil
}
