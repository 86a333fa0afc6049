package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models reskin.yml.
type Config struct {
	Billing   Billing    `yaml:"billing" json:"billing"`
	Stages    []StageDef `yaml:"stages" json:"stages"`
	Approvals struct {
		MaxFreeRounds int `yaml:"max_free_rounds" json:"max_free_rounds"`
	} `yaml:"approvals" json:"approvals"`
	Legal struct {
		Template string `yaml:"template" json:"template"`
	} `yaml:"legal" json:"legal"`
	Notify Notify `yaml:"notify" json:"notify"`
	Log    struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

type Billing struct {
	Currency           string `yaml:"currency" json:"currency"`
	OfferValidityDays  int    `yaml:"offer_validity_days" json:"offer_validity_days"`
	InvoiceDueStepDays int    `yaml:"invoice_due_step_days" json:"invoice_due_step_days"`
	UpfrontPercent     int    `yaml:"upfront_percent" json:"upfront_percent"`
	NumberAttempts     int    `yaml:"number_attempts" json:"number_attempts"`
	OfferPrefix        string `yaml:"offer_prefix" json:"offer_prefix"`
	InvoicePrefix      string `yaml:"invoice_prefix" json:"invoice_prefix"`
}

// StageDef is one entry of the ordered stage catalogue. Order is the 1-based position.
type StageDef struct {
	Key  string `yaml:"key" json:"key"`
	Name string `yaml:"name" json:"name"`
}

type Notify struct {
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	AMQP     struct {
		URL      string `yaml:"url" json:"url"`
		Exchange string `yaml:"exchange" json:"exchange"`
	} `yaml:"amqp" json:"amqp"`
	Redis struct {
		Addr             string `yaml:"addr" json:"addr"`
		Password         string `yaml:"password" json:"-"`
		DB               int    `yaml:"db" json:"db"`
		DedupeTTLSeconds int    `yaml:"dedupe_ttl_seconds" json:"dedupe_ttl_seconds"`
	} `yaml:"redis" json:"redis"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	b := c.Billing
	if strings.TrimSpace(b.Currency) == "" {
		return fmt.Errorf("config.billing.currency is required")
	}
	if b.OfferValidityDays <= 0 {
		return fmt.Errorf("config.billing.offer_validity_days must be positive")
	}
	if b.InvoiceDueStepDays <= 0 {
		return fmt.Errorf("config.billing.invoice_due_step_days must be positive")
	}
	if b.UpfrontPercent < 0 || b.UpfrontPercent > 100 {
		return fmt.Errorf("config.billing.upfront_percent must be within 0..100")
	}
	if b.NumberAttempts <= 0 {
		return fmt.Errorf("config.billing.number_attempts must be positive")
	}
	if b.OfferPrefix == "" || b.InvoicePrefix == "" {
		return fmt.Errorf("config.billing offer_prefix and invoice_prefix are required")
	}
	if b.OfferPrefix == b.InvoicePrefix {
		return fmt.Errorf("config.billing offer_prefix and invoice_prefix must differ")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config.stages must list at least one stage")
	}
	seen := map[string]bool{}
	for i, s := range c.Stages {
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("config.stages[%d] has empty key", i)
		}
		if seen[s.Key] {
			return fmt.Errorf("config.stages has duplicate key %s", s.Key)
		}
		seen[s.Key] = true
	}
	if c.Approvals.MaxFreeRounds < 0 {
		return fmt.Errorf("config.approvals.max_free_rounds must not be negative")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// StageOrder returns the 1-based catalogue position of key, or 0 when unknown.
func (c *Config) StageOrder(key string) int {
	for i, s := range c.Stages {
		if s.Key == key {
			return i + 1
		}
	}
	return 0
}

// StageName returns the display name for key, falling back to the key.
func (c *Config) StageName(key string) string {
	for _, s := range c.Stages {
		if s.Key == key {
			if s.Name != "" {
				return s.Name
			}
			return s.Key
		}
	}
	return key
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reskin.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads reskin.yml from the workspace, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
// A stages list in the file replaces the default catalogue entirely.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(override.Stages) > 0 {
		cfg.Stages = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `billing:
  currency: USD
  offer_validity_days: 30
  invoice_due_step_days: 7
  upfront_percent: 15
  number_attempts: 3
  offer_prefix: OFF
  invoice_prefix: INV

stages:
  - key: briefing
    name: Briefing
  - key: moodboard
    name: Moodboard
  - key: symbols
    name: Symbols
  - key: ui
    name: UI
  - key: animation
    name: Animation
  - key: revisions
    name: Revisions
  - key: delivery
    name: Delivery

approvals:
  max_free_rounds: 2

legal:
  template: |
    This offer is valid until the date stated above. Work on each production stage
    starts once the corresponding milestone invoice is paid. Revision rounds beyond the
    free allotment are billed separately.

notify:
  redis:
    dedupe_ttl_seconds: 60

log:
  level: info
  format: json
`
