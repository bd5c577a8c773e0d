// Package config loads engine configuration from YAML with environment
// overrides. The zero config is valid: every field has a working default so
// embedding callers can construct Config directly.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full engine configuration.
	Config struct {
		// MaxParallel caps concurrently running nodes per execution.
		MaxParallel int `yaml:"max_parallel"`
		// GlobalMaxParallel caps running nodes across all executions.
		GlobalMaxParallel int `yaml:"global_max_parallel"`
		// ExecutionTimeout is the default whole-execution bound applied when a
		// flow's settings carry none. Zero means unbounded.
		ExecutionTimeout time.Duration `yaml:"execution_timeout"`
		// CancelGrace is how long shutdown waits for cancelled executions to
		// reach a terminal status.
		CancelGrace time.Duration `yaml:"cancel_grace"`
		// Journal selects and configures the journal backend.
		Journal Journal `yaml:"journal"`
		// Brokers configures the shared connection brokers.
		Brokers Brokers `yaml:"brokers"`
		// Stream configures the Pulse event sink.
		Stream Stream `yaml:"stream"`
	}

	// Journal selects the journal backend.
	Journal struct {
		// Backend is "memory" or "mongo".
		Backend string `yaml:"backend"`
		// Mongo applies when Backend is "mongo".
		Mongo Mongo `yaml:"mongo"`
	}

	// Mongo configures the mongo journal store.
	Mongo struct {
		URI      string        `yaml:"uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	// Brokers configures connection broker sizing and eviction.
	Brokers struct {
		// TTL is the idle eviction threshold shared by all brokers.
		TTL time.Duration `yaml:"ttl"`
		// HTTPTimeout bounds one brokered HTTP request.
		HTTPTimeout time.Duration `yaml:"http_timeout"`
		// SQLMaxOpenConns bounds each SQL pool.
		SQLMaxOpenConns int `yaml:"sql_max_open_conns"`
		// RedisPoolSize bounds each Redis client pool.
		RedisPoolSize int `yaml:"redis_pool_size"`
	}

	// Stream configures the Pulse hook sink.
	Stream struct {
		// Enabled turns the sink on; it needs a Redis address.
		Enabled bool `yaml:"enabled"`
		// RedisAddr is the host:port of the Redis backing Pulse.
		RedisAddr string `yaml:"redis_addr"`
		// MaxLen bounds each execution stream.
		MaxLen int `yaml:"max_len"`
	}
)

// Defaults applied by Load and Default.
const (
	DefaultMaxParallel       = 8
	DefaultGlobalMaxParallel = 64
	DefaultCancelGrace       = 10 * time.Second
	DefaultBrokerTTL         = 5 * time.Minute
	DefaultStreamMaxLen      = 1000
)

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, applies defaults and FLOWRUN_* environment
// overrides, and validates the result. An empty path yields Default with
// overrides applied.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.GlobalMaxParallel <= 0 {
		c.GlobalMaxParallel = DefaultGlobalMaxParallel
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.Journal.Backend == "" {
		c.Journal.Backend = "memory"
	}
	if c.Brokers.TTL <= 0 {
		c.Brokers.TTL = DefaultBrokerTTL
	}
	if c.Stream.MaxLen <= 0 {
		c.Stream.MaxLen = DefaultStreamMaxLen
	}
}

// applyEnv overrides fields from FLOWRUN_* variables. Only the operationally
// common knobs are exposed; everything else is file-only.
func (c *Config) applyEnv() error {
	if v := os.Getenv("FLOWRUN_MAX_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLOWRUN_MAX_PARALLEL: %w", err)
		}
		c.MaxParallel = n
	}
	if v := os.Getenv("FLOWRUN_GLOBAL_MAX_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLOWRUN_GLOBAL_MAX_PARALLEL: %w", err)
		}
		c.GlobalMaxParallel = n
	}
	if v := os.Getenv("FLOWRUN_EXECUTION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLOWRUN_EXECUTION_TIMEOUT: %w", err)
		}
		c.ExecutionTimeout = d
	}
	if v := os.Getenv("FLOWRUN_JOURNAL_BACKEND"); v != "" {
		c.Journal.Backend = v
	}
	if v := os.Getenv("FLOWRUN_MONGO_URI"); v != "" {
		c.Journal.Mongo.URI = v
	}
	if v := os.Getenv("FLOWRUN_STREAM_REDIS_ADDR"); v != "" {
		c.Stream.RedisAddr = v
		c.Stream.Enabled = true
	}
	return nil
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	switch c.Journal.Backend {
	case "memory":
	case "mongo":
		if c.Journal.Mongo.URI == "" {
			return fmt.Errorf("config: journal backend mongo needs journal.mongo.uri")
		}
	default:
		return fmt.Errorf("config: unknown journal backend %q", c.Journal.Backend)
	}
	if c.Stream.Enabled && c.Stream.RedisAddr == "" {
		return fmt.Errorf("config: stream.enabled needs stream.redis_addr")
	}
	return nil
}
