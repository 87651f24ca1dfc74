package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agreements.yml.
type Config struct {
	Platform struct {
		ID string `yaml:"id"`
	} `yaml:"platform"`
	Roles struct {
		Catalog map[string]RoleEntry `yaml:"catalog"`
	} `yaml:"roles"`
	Escalation struct {
		ScanIntervalMinutes int `yaml:"scan_interval_minutes"`
		MaxTier             int `yaml:"max_tier"`
	} `yaml:"escalation"`
	Notifications struct {
		Webhook NotifyWebhook `yaml:"webhook"`
	} `yaml:"notifications"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RoleEntry struct {
	Description string `yaml:"description"`
}

// NotifyWebhook configures the escalation notification sink. Empty URL means
// notifications go to the log.
type NotifyWebhook struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WebhookConfig is one event-log fan-out target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	for roleID := range c.Roles.Catalog {
		if roleID == "" {
			return fmt.Errorf("config.roles.catalog contains empty role id")
		}
	}
	if c.Escalation.ScanIntervalMinutes < 0 {
		return fmt.Errorf("config.escalation.scan_interval_minutes must not be negative")
	}
	if c.Escalation.MaxTier < 0 {
		return fmt.Errorf("config.escalation.max_tier must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// KnowsRole reports whether a role is in the catalog. An empty catalog
// accepts any role.
func (c *Config) KnowsRole(role string) bool {
	if len(c.Roles.Catalog) == 0 {
		return true
	}
	_, ok := c.Roles.Catalog[role]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agreements.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("agreements"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a platform id.
func Default(platformID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, platformID))).Decode(&cfg)
	cfg.Platform.ID = platformID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(platformID string) string {
	return fmt.Sprintf(defaultTemplate, platformID)
}

const defaultTemplate = `platform:
  id: %s

roles:
  catalog:
    legal:
      description: "Legal counsel reviewing terms and obligations"
    finance:
      description: "Finance sign-off on commercial commitments"
    procurement:
      description: "Procurement owner for vendor agreements"
    management:
      description: "Senior management escalation target"
    compliance:
      description: "Regulatory and policy compliance review"

escalation:
  scan_interval_minutes: 60
  max_tier: 3

notifications:
  webhook:
    url: ""
`
