package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"wlmigrate/internal/domain"
)

// Config models wlmigrate.yml.
type Config struct {
	Engine  EngineConfig                       `yaml:"engine"`
	Workers WorkerConfig                       `yaml:"workers"`
	Sources map[domain.SourceType]SourceConfig `yaml:"sources"`
	Quota   QuotaConfig                        `yaml:"quota"`
	Redis   RedisConfig                        `yaml:"redis"`
}

// RedisConfig enables the shared job lock when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type EngineConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    BackoffConfig `yaml:"backoff"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
}

// BackoffConfig is the exponential curve used between stage retries.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SourceConfig carries per-source connector settings and retry overrides.
type SourceConfig struct {
	BaseURL    string         `yaml:"base_url"`
	PageSize   int            `yaml:"page_size"`
	MaxRetries *int           `yaml:"max_retries"`
	Backoff    *BackoffConfig `yaml:"backoff"`
}

type QuotaConfig struct {
	Endpoint string         `yaml:"endpoint"`
	Seats    map[string]int `yaml:"seats"`
	Timeout  time.Duration  `yaml:"timeout"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wlm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("config.engine.batch_size must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("config.engine.max_retries must not be negative")
	}
	if err := c.Engine.Backoff.validate("config.engine.backoff"); err != nil {
		return err
	}
	if c.Engine.LockTTL <= 0 {
		return fmt.Errorf("config.engine.lock_ttl must be positive")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("config.workers.concurrency must be positive")
	}
	if c.Workers.PollInterval <= 0 {
		return fmt.Errorf("config.workers.poll_interval must be positive")
	}
	for src, sc := range c.Sources {
		if !src.Valid() {
			return fmt.Errorf("config.sources has unknown source type %s", src)
		}
		if sc.PageSize < 0 {
			return fmt.Errorf("config.sources.%s.page_size must not be negative", src)
		}
		if sc.MaxRetries != nil && *sc.MaxRetries < 0 {
			return fmt.Errorf("config.sources.%s.max_retries must not be negative", src)
		}
		if sc.Backoff != nil {
			if err := sc.Backoff.validate(fmt.Sprintf("config.sources.%s.backoff", src)); err != nil {
				return err
			}
		}
	}
	for ws, seats := range c.Quota.Seats {
		if ws == "" {
			return fmt.Errorf("config.quota.seats contains empty workspace id")
		}
		if seats < 0 {
			return fmt.Errorf("config.quota.seats.%s must not be negative", ws)
		}
	}
	return nil
}

func (b BackoffConfig) validate(path string) error {
	if b.Initial <= 0 {
		return fmt.Errorf("%s.initial must be positive", path)
	}
	if b.Max < b.Initial {
		return fmt.Errorf("%s.max must be >= initial", path)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be >= 1", path)
	}
	return nil
}

// Retry returns the effective retry bound and backoff curve for a source.
func (c *Config) Retry(src domain.SourceType) (int, BackoffConfig) {
	maxRetries, curve := c.Engine.MaxRetries, c.Engine.Backoff
	if sc, ok := c.Sources[src]; ok {
		if sc.MaxRetries != nil {
			maxRetries = *sc.MaxRetries
		}
		if sc.Backoff != nil {
			curve = *sc.Backoff
		}
	}
	return maxRetries, curve
}

// BatchSize returns the page size for a source, falling back to the engine default.
func (c *Config) BatchSize(src domain.SourceType) int {
	if sc, ok := c.Sources[src]; ok && sc.PageSize > 0 {
		return sc.PageSize
	}
	return c.Engine.BatchSize
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wlmigrate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Unset sections keep their default values.
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

const defaultTemplate = `engine:
  batch_size: 100
  max_retries: 3
  backoff:
    initial: 500ms
    max: 30s
    multiplier: 2
  lock_ttl: 2m

workers:
  concurrency: 4
  poll_interval: 2s

sources:
  jira:
    base_url: ""
  linear:
    base_url: https://api.linear.app/graphql
    page_size: 50
  github:
    base_url: https://api.github.com
    max_retries: 5
    backoff:
      initial: 1s
      max: 1m
      multiplier: 2

quota:
  endpoint: ""
  timeout: 10s
  seats: {}

redis:
  url: ""
`
