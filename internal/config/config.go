package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Completion policies for sessions whose latest dynamic trial finished.
const (
	CompletionSingleTrial = "single_trial"
	CompletionMultiTrial  = "multi_trial"
)

// Config models caprig.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Devices struct {
		PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
		PairingCodeTTLSeconds int `yaml:"pairing_code_ttl_seconds"`
		ExpectedCount         int `yaml:"expected_count"`
	} `yaml:"devices"`
	Queue struct {
		ClaimStalenessSeconds int      `yaml:"claim_staleness_seconds"`
		SweepIntervalSeconds  int      `yaml:"sweep_interval_seconds"`
		PriorityKinds         []string `yaml:"priority_kinds"`
	} `yaml:"queue"`
	Sessions struct {
		CompletionPolicy string `yaml:"completion_policy"`
	} `yaml:"sessions"`
	Retention struct {
		TrashTTLDays         int `yaml:"trash_ttl_days"`
		PurgeIntervalSeconds int `yaml:"purge_interval_seconds"`
	} `yaml:"retention"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Devices.PollIntervalSeconds) * time.Second
}

func (c *Config) PairingCodeTTL() time.Duration {
	return time.Duration(c.Devices.PairingCodeTTLSeconds) * time.Second
}

func (c *Config) ClaimStaleness() time.Duration {
	return time.Duration(c.Queue.ClaimStalenessSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Queue.SweepIntervalSeconds) * time.Second
}

func (c *Config) TrashTTL() time.Duration {
	return time.Duration(c.Retention.TrashTTLDays) * 24 * time.Hour
}

func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.Retention.PurgeIntervalSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with caprig config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	if c.Devices.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.devices.poll_interval_seconds must be positive")
	}
	if c.Devices.PairingCodeTTLSeconds <= 0 {
		return fmt.Errorf("config.devices.pairing_code_ttl_seconds must be positive")
	}
	if c.Devices.ExpectedCount < 0 {
		return fmt.Errorf("config.devices.expected_count must not be negative")
	}
	if c.Queue.ClaimStalenessSeconds <= 0 {
		return fmt.Errorf("config.queue.claim_staleness_seconds must be positive")
	}
	if c.Queue.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config.queue.sweep_interval_seconds must be positive")
	}
	for _, kind := range c.Queue.PriorityKinds {
		switch kind {
		case "calibration", "neutral", "dynamic":
		default:
			return fmt.Errorf("config.queue.priority_kinds contains unknown kind %s", kind)
		}
	}
	switch c.Sessions.CompletionPolicy {
	case CompletionSingleTrial, CompletionMultiTrial:
	default:
		return fmt.Errorf("config.sessions.completion_policy must be %s or %s", CompletionSingleTrial, CompletionMultiTrial)
	}
	if c.Retention.TrashTTLDays < 0 {
		return fmt.Errorf("config.retention.trash_ttl_days must not be negative")
	}
	if c.Retention.PurgeIntervalSeconds < 0 {
		return fmt.Errorf("config.retention.purge_interval_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
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
	return filepath.Join(workspace, "caprig.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # jwt_secret may also be set via CAPRIG_JWT_SECRET
  allow_legacy_actor_header: false

devices:
  # interval devices are told to poll session status at
  poll_interval_seconds: 1
  pairing_code_ttl_seconds: 300
  # 0 derives the expected device count from the slots registered
  # while recording; a positive value pins it
  expected_count: 0

queue:
  # a claimed trial with no heartbeat for this long is released
  claim_staleness_seconds: 300
  sweep_interval_seconds: 30
  # optionally front these trial kinds in the claim order,
  # e.g. [calibration, neutral]
  priority_kinds: []

sessions:
  # single_trial: a finished dynamic trial completes the session
  # multi_trial: the session returns to calibration for more trials
  completion_policy: single_trial

retention:
  trash_ttl_days: 30
  purge_interval_seconds: 3600

webhooks: []
`
