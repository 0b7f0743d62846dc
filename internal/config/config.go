package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Database struct {
		PostgresURL string `yaml:"postgres_url"` // empty → in-memory store
	} `yaml:"database"`
	Cache struct {
		RedisAddr string        `yaml:"redis_addr"` // empty → no cache layer
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
	Feed struct {
		BaseURL string        `yaml:"base_url"` // empty → push-mode only (no tick sweep)
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"feed"`
	Schedule struct {
		TickCron     string `yaml:"tick_cron"`
		MaturityCron string `yaml:"maturity_cron"`
	} `yaml:"schedule"`
	Engine struct {
		SpikeThreshold    float64       `yaml:"spike_threshold"`    // sigma level treated as a spike
		FreshnessWindow   time.Duration `yaml:"freshness_window"`   // max valuation age; 0 = no check
		TickTimeout       time.Duration `yaml:"tick_timeout"`       // per-position budget in a sweep
		InstructionExpiry time.Duration `yaml:"instruction_expiry"` // in-flight deadline
	} `yaml:"engine"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("CPPI_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		cfg.Feed.BaseURL = v
	}
	if v := os.Getenv("CPPI_TICK_CRON"); v != "" {
		cfg.Schedule.TickCron = v
	}
	if v := os.Getenv("CPPI_SPIKE_THRESHOLD"); v != "" {
		var threshold float64
		if _, err := fmt.Sscanf(v, "%f", &threshold); err == nil {
			cfg.Engine.SpikeThreshold = threshold
		}
	}
	if v := os.Getenv("CPPI_FRESHNESS_WINDOW"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Engine.FreshnessWindow = dur
		}
	}

	// Defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Feed.Timeout == 0 {
		cfg.Feed.Timeout = 5 * time.Second
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 30 * time.Second
	}
	if cfg.Schedule.TickCron == "" {
		cfg.Schedule.TickCron = "*/15 * * * * *"
	}
	if cfg.Schedule.MaturityCron == "" {
		cfg.Schedule.MaturityCron = "0 0 0 * * *"
	}
	if cfg.Engine.SpikeThreshold == 0 {
		cfg.Engine.SpikeThreshold = 0.35
	}
	if cfg.Engine.FreshnessWindow == 0 {
		cfg.Engine.FreshnessWindow = time.Minute
	}
	if cfg.Engine.TickTimeout == 0 {
		cfg.Engine.TickTimeout = 5 * time.Second
	}
	if cfg.Engine.InstructionExpiry == 0 {
		cfg.Engine.InstructionExpiry = 2 * time.Minute
	}

	return cfg, nil
}

// Validate checks that all set fields are usable.
func (c *Config) Validate() error {
	if c.Engine.SpikeThreshold < 0 {
		return fmt.Errorf("engine.spike_threshold must be non-negative")
	}
	if c.Engine.FreshnessWindow < 0 {
		return fmt.Errorf("engine.freshness_window must be non-negative")
	}
	if c.Engine.InstructionExpiry <= 0 {
		return fmt.Errorf("engine.instruction_expiry must be positive")
	}
	return nil
}
