package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models agentnet.yml. All durations are expressed in seconds in the
// file and surfaced as time.Duration through accessors.
type Config struct {
	Deployment struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"deployment" json:"deployment"`
	Cache struct {
		EntityTTLSeconds int `yaml:"entity_ttl_seconds" json:"entity_ttl_seconds"`
		ListTTLSeconds   int `yaml:"list_ttl_seconds" json:"list_ttl_seconds"`
		MaxEntries       int `yaml:"max_entries" json:"max_entries"`
	} `yaml:"cache" json:"cache"`
	Negotiation struct {
		MaxCounterRounds     int               `yaml:"max_counter_rounds" json:"max_counter_rounds"`
		DecideTimeoutSeconds int               `yaml:"decide_timeout_seconds" json:"decide_timeout_seconds"`
		Stances              map[string]string `yaml:"stances" json:"stances"`
	} `yaml:"negotiation" json:"negotiation"`
	Graph struct {
		DefaultStrength float64 `yaml:"default_strength" json:"default_strength"`
		StrengthStep    float64 `yaml:"strength_step" json:"strength_step"`
	} `yaml:"graph" json:"graph"`
	Broadcast struct {
		BufferSize int `yaml:"buffer_size" json:"buffer_size"`
		Kafka      struct {
			Brokers []string `yaml:"brokers" json:"brokers"`
			Topic   string   `yaml:"topic" json:"topic"`
		} `yaml:"kafka" json:"kafka"`
	} `yaml:"broadcast" json:"broadcast"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	Auth     struct {
		JWTSecret              string `yaml:"jwt_secret" json:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header" json:"allow_legacy_actor_header"`
	} `yaml:"auth" json:"auth"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" json:"enabled"`
}

func (c *Config) EntityTTL() time.Duration {
	return time.Duration(c.Cache.EntityTTLSeconds) * time.Second
}

func (c *Config) ListTTL() time.Duration {
	return time.Duration(c.Cache.ListTTLSeconds) * time.Second
}

func (c *Config) DecideTimeout() time.Duration {
	return time.Duration(c.Negotiation.DecideTimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Deployment.ID == "" {
		return fmt.Errorf("config.deployment.id is required")
	}
	if c.Cache.EntityTTLSeconds <= 0 {
		return fmt.Errorf("config.cache.entity_ttl_seconds must be positive")
	}
	if c.Cache.ListTTLSeconds <= 0 {
		return fmt.Errorf("config.cache.list_ttl_seconds must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config.cache.max_entries must be positive")
	}
	if c.Negotiation.MaxCounterRounds <= 0 {
		return fmt.Errorf("config.negotiation.max_counter_rounds must be positive")
	}
	if c.Negotiation.DecideTimeoutSeconds <= 0 {
		return fmt.Errorf("config.negotiation.decide_timeout_seconds must be positive")
	}
	for agentType, stance := range c.Negotiation.Stances {
		if agentType == "" {
			return fmt.Errorf("config.negotiation.stances contains empty agent type")
		}
		switch stance {
		case "agreeable", "firm", "haggler":
		default:
			return fmt.Errorf("agent type %s has unknown stance %s", agentType, stance)
		}
	}
	if c.Graph.DefaultStrength < 0 || c.Graph.DefaultStrength > 1 {
		return fmt.Errorf("config.graph.default_strength must be within [0,1]")
	}
	if c.Graph.StrengthStep <= 0 || c.Graph.StrengthStep > 1 {
		return fmt.Errorf("config.graph.strength_step must be within (0,1]")
	}
	if c.Broadcast.BufferSize <= 0 {
		return fmt.Errorf("config.broadcast.buffer_size must be positive")
	}
	if len(c.Broadcast.Kafka.Brokers) > 0 && c.Broadcast.Kafka.Topic == "" {
		return fmt.Errorf("config.broadcast.kafka.topic is required when brokers are set")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentnet.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with an config init", path)
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

// Default returns the default Config struct for a deployment.
func Default(deploymentID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, deploymentID))).Decode(&cfg)
	cfg.Deployment.ID = deploymentID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(deploymentID string) string {
	return fmt.Sprintf(defaultTemplate, deploymentID)
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

const defaultTemplate = `deployment:
  id: %s

cache:
  entity_ttl_seconds: 300
  list_ttl_seconds: 10
  max_entries: 4096

negotiation:
  max_counter_rounds: 3
  decide_timeout_seconds: 30
  stances:
    research: agreeable
    analysis: haggler
    strategy: firm
    report: agreeable
    coordination: agreeable

graph:
  default_strength: 0.5
  strength_step: 0.1

broadcast:
  buffer_size: 64
  kafka:
    brokers: []
    topic: ""

webhooks: []

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true
`
