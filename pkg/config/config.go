// Package config loads the session-core configuration from YAML and
// exposes every tunable the pool and the directory engine accept.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telegrid/sessioncore/pkg/directory"
	"github.com/telegrid/sessioncore/pkg/pool"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings ("5s", "1h30m") or from plain integers, read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete session-core configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Pool      PoolConfig      `yaml:"pool"`
	Directory DirectoryConfig `yaml:"directory"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PoolConfig configures the session pool.
type PoolConfig struct {
	MaxSessions   int      `yaml:"max_sessions"`
	SessionTTL    Duration `yaml:"session_ttl"`
	CheckInterval Duration `yaml:"check_interval"`
	StartTimeout  Duration `yaml:"start_timeout"`
}

// DirectoryConfig configures the directory engine's caching and
// batching layer.
type DirectoryConfig struct {
	BatchSize      int      `yaml:"batch_size"`
	BatchTime      Duration `yaml:"batch_time"`
	PeersThreshold int      `yaml:"peers_threshold"`
	UsernameTTL    Duration `yaml:"username_ttl"`
	OpTimeout      Duration `yaml:"op_timeout"`
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Pool.MaxSessions <= 0 {
		c.Pool.MaxSessions = pool.DefaultMaxSessions
	}
	if c.Pool.SessionTTL <= 0 {
		c.Pool.SessionTTL = Duration(pool.DefaultSessionTTL)
	}
	if c.Pool.CheckInterval <= 0 {
		c.Pool.CheckInterval = Duration(pool.DefaultCheckInterval)
	}
	if c.Directory.BatchSize <= 0 {
		c.Directory.BatchSize = directory.DefaultBatchSize
	}
	if c.Directory.BatchTime <= 0 {
		c.Directory.BatchTime = Duration(directory.DefaultBatchTime)
	}
	if c.Directory.PeersThreshold <= 0 {
		c.Directory.PeersThreshold = directory.DefaultPeersThreshold
	}
	if c.Directory.UsernameTTL <= 0 {
		c.Directory.UsernameTTL = Duration(directory.DefaultUsernameTTL)
	}
	if c.Directory.OpTimeout <= 0 {
		c.Directory.OpTimeout = Duration(directory.DefaultOpTimeout)
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be at least 1, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.CheckInterval.Std() > c.Pool.SessionTTL.Std() {
		return fmt.Errorf("pool.check_interval (%s) must not exceed pool.session_ttl (%s)",
			c.Pool.CheckInterval.Std(), c.Pool.SessionTTL.Std())
	}
	if c.Directory.PeersThreshold > c.Directory.BatchSize {
		return fmt.Errorf("directory.peers_threshold (%d) must not exceed directory.batch_size (%d)",
			c.Directory.PeersThreshold, c.Directory.BatchSize)
	}
	return nil
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PoolConfig converts the pool section into the pool package's form.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxSessions:   c.Pool.MaxSessions,
		SessionTTL:    c.Pool.SessionTTL.Std(),
		CheckInterval: c.Pool.CheckInterval.Std(),
		StartTimeout:  c.Pool.StartTimeout.Std(),
	}
}

// EngineConfig converts the directory section into the engine's form.
func (c *Config) EngineConfig() directory.Config {
	return directory.Config{
		BatchSize:      c.Directory.BatchSize,
		BatchTime:      c.Directory.BatchTime.Std(),
		PeersThreshold: c.Directory.PeersThreshold,
		UsernameTTL:    c.Directory.UsernameTTL.Std(),
		OpTimeout:      c.Directory.OpTimeout.Std(),
	}
}
