package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gantry.yml.
type Config struct {
	Account struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"account"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		EnableDevLogin         bool   `yaml:"enable_dev_login"`
	} `yaml:"auth"`
	Workflow struct {
		// DefaultStatus is the status assigned to newly created tickets.
		DefaultStatus string `yaml:"default_status"`
	} `yaml:"workflow"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with gantry account init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("config.account.id is required")
	}
	switch c.Workflow.DefaultStatus {
	case "", "not_started", "in_progress", "blocked", "complete":
	default:
		return fmt.Errorf("config.workflow.default_status %q is not a workflow status", c.Workflow.DefaultStatus)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// DefaultStatus returns the status for new tickets.
func (c *Config) DefaultStatus() string {
	if c.Workflow.DefaultStatus == "" {
		return "not_started"
	}
	return c.Workflow.DefaultStatus
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gantry.yml")
}

// Default returns the default Config struct for an account.
func Default(accountID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(accountID)), &cfg)
	cfg.Account.ID = accountID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(accountID string) string {
	return fmt.Sprintf(defaultTemplate, accountID)
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `account:
  id: %s
  name: ""

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true
  enable_dev_login: false

workflow:
  default_status: not_started

webhooks: []
`
