package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "snag.yml"

// Config models snag.yml.
type Config struct {
	Server struct {
		Addr         string   `yaml:"addr"`
		BasePath     string   `yaml:"base_path"`
		MaxBodyBytes int64    `yaml:"max_body_bytes"`
		CORSOrigins  []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Database struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"database"`
	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	Log struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Live struct {
		SendTimeout time.Duration `yaml:"send_timeout"`
	} `yaml:"live"`
	Bootstrap struct {
		Manager BootstrapUser `yaml:"manager"`
	} `yaml:"bootstrap"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type BootstrapUser struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config.server.max_body_bytes must be positive")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("config.auth.token_ttl must be positive")
	}
	if c.Live.SendTimeout <= 0 {
		return fmt.Errorf("config.live.send_timeout must be positive")
	}
	switch strings.ToLower(c.Log.Mode) {
	case "", "dev", "development", "prod", "production":
	default:
		return fmt.Errorf("config.log.mode must be dev or prod")
	}
	if m := c.Bootstrap.Manager; m.Email != "" && len(m.Password) < 6 {
		return fmt.Errorf("config.bootstrap.manager.password must be at least 6 characters")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses data over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

// Load reads the workspace config, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Database.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" {
		cfg.Database.Workspace = workspace
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api
  # request bodies carry base64 photos
  max_body_bytes: 33554432
  cors_origins: ["*"]

auth:
  jwt_secret: ""
  token_ttl: 720h

database:
  workspace: ""

redis:
  url: ""
  channel: snagline:live

log:
  mode: dev

live:
  send_timeout: 5s

bootstrap:
  manager:
    email: manager@pmc.com
    password: manager123
    name: Default Manager
`
