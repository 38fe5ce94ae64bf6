// Package config loads daemon configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type EngineConfig struct {
	MaxRetries       int      `yaml:"max_retries"`
	MaxStyleRetries  int      `yaml:"max_style_retries"`
	PlanRetries      int      `yaml:"plan_retries"`
	DueSoonLookahead int      `yaml:"due_soon_lookahead"`
	SoftTimeout      Duration `yaml:"soft_timeout"`
	HardTimeout      Duration `yaml:"hard_timeout"`
	Temperature      float64  `yaml:"temperature"`
	MaxTokens        int      `yaml:"max_tokens"`
}

type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTime     Duration `yaml:"recovery_time"`
	HalfOpenRequests int      `yaml:"half_open_requests"`
}

type CacheConfig struct {
	LocalCapacity int                 `yaml:"local_capacity"`
	LocalTTL      Duration            `yaml:"local_ttl"`
	DefaultTTL    Duration            `yaml:"default_ttl"`
	CategoryTTLs  map[string]Duration `yaml:"category_ttls"`
}

type WorkerConfig struct {
	Size               int      `yaml:"size"`
	MaxDeferrals       int      `yaml:"max_deferrals"`
	StallTimeout       Duration `yaml:"stall_timeout"`
	StallCheckInterval Duration `yaml:"stall_check_interval"`
	BackoffInitial     Duration `yaml:"backoff_initial"`
	BackoffFactor      float64  `yaml:"backoff_factor"`
	BackoffMax         Duration `yaml:"backoff_max"`
	BackoffJitter      bool     `yaml:"backoff_jitter"`
}

type Config struct {
	HTTPPort    int    `yaml:"http_port"`
	DatabaseURL string `yaml:"database_url"`

	Engine  EngineConfig  `yaml:"engine"`
	Breaker BreakerConfig `yaml:"breaker"`
	Cache   CacheConfig   `yaml:"cache"`
	Worker  WorkerConfig  `yaml:"worker"`
}

// Load reads the YAML file at path (optional), applies environment
// overrides, then defaults. Env overrides: INKWELL_HTTP_PORT,
// INKWELL_DATABASE_URL, INKWELL_WORKERS.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("INKWELL_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := os.Getenv("INKWELL_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("INKWELL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Size = n
		}
	}
}

func (c *Config) applyDefaults() error {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "inkwell.db"
	}

	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.MaxStyleRetries <= 0 {
		c.Engine.MaxStyleRetries = 2
	}
	if c.Engine.MaxStyleRetries > c.Engine.MaxRetries {
		return fmt.Errorf("max_style_retries (%d) cannot exceed max_retries (%d)",
			c.Engine.MaxStyleRetries, c.Engine.MaxRetries)
	}
	if c.Engine.PlanRetries <= 0 {
		c.Engine.PlanRetries = 3
	}
	if c.Engine.DueSoonLookahead <= 0 {
		c.Engine.DueSoonLookahead = 3
	}
	if c.Engine.HardTimeout <= 0 {
		c.Engine.HardTimeout = Duration(10 * time.Minute)
	}
	if c.Engine.SoftTimeout <= 0 {
		c.Engine.SoftTimeout = Duration(8 * time.Minute)
	}
	if c.Engine.SoftTimeout > c.Engine.HardTimeout {
		return fmt.Errorf("soft_timeout cannot exceed hard_timeout")
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTime <= 0 {
		c.Breaker.RecoveryTime = Duration(60 * time.Second)
	}
	if c.Breaker.HalfOpenRequests <= 0 {
		c.Breaker.HalfOpenRequests = 3
	}

	if c.Cache.LocalCapacity <= 0 {
		c.Cache.LocalCapacity = 1024
	}
	if c.Cache.LocalTTL <= 0 {
		c.Cache.LocalTTL = Duration(time.Minute)
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = Duration(5 * time.Minute)
	}

	if c.Worker.Size <= 0 {
		c.Worker.Size = 4
	}
	if c.Worker.MaxDeferrals <= 0 {
		c.Worker.MaxDeferrals = 5
	}
	if c.Worker.StallTimeout <= 0 {
		c.Worker.StallTimeout = Duration(2 * time.Minute)
	}
	if c.Worker.BackoffInitial <= 0 {
		c.Worker.BackoffInitial = Duration(5 * time.Second)
	}
	if c.Worker.BackoffFactor <= 0 {
		c.Worker.BackoffFactor = 2.0
	}
	if c.Worker.BackoffMax <= 0 {
		c.Worker.BackoffMax = Duration(5 * time.Minute)
	}
	return nil
}
