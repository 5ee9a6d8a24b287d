// Package config loads and validates service configuration from YAML. One
// file describes the stores, the work pool, and the per-context tuning a
// deployment needs; code-level options stay the source of truth for anything
// not listed here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML durations written as strings ("250ms", "1h") or
// integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type (
	// Config is the validated, ready-to-use service configuration.
	Config struct {
		Mongo   MongoConfig   `yaml:"mongo"`
		Redis   RedisConfig   `yaml:"redis"`
		Pool    PoolConfig    `yaml:"pool"`
		Replay  ReplayConfig  `yaml:"replay"`
		Breaker BreakerConfig `yaml:"breaker"`
		Model   ModelConfig   `yaml:"model"`
		Admin   AdminConfig   `yaml:"admin"`
	}

	// MongoConfig locates the MongoDB deployment backing the stores.
	MongoConfig struct {
		// URI is the MongoDB connection string. Required.
		URI string `yaml:"uri"`
		// Database is the database holding all collections. Required.
		Database string `yaml:"database"`
		// Timeout bounds individual store operations. Defaults to 5s.
		Timeout Duration `yaml:"timeout"`
	}

	// RedisConfig locates the Redis deployment backing Pulse streams.
	// Optional; an empty Addr disables stream fan-out.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// PoolConfig tunes the background work pool.
	PoolConfig struct {
		// MaxParallelism caps concurrently running tasks. Defaults to 4.
		MaxParallelism int `yaml:"max_parallelism"`
		// PollInterval is the claim loop period. Defaults to 250ms.
		PollInterval Duration `yaml:"poll_interval"`
		// DefaultMaxAttempts bounds task retries. Defaults to 3.
		DefaultMaxAttempts int `yaml:"default_max_attempts"`
		// DefaultInitialBackoff seeds the retry backoff. Defaults to 200ms.
		DefaultInitialBackoff Duration `yaml:"default_initial_backoff"`
		// DefaultBase is the exponential backoff base. Defaults to 2.
		DefaultBase float64 `yaml:"default_base"`
	}

	// ReplayConfig tunes projection rebuilds.
	ReplayConfig struct {
		// ChunkSize is the number of events applied per rebuild step.
		// Defaults to 100.
		ChunkSize int `yaml:"chunk_size"`
	}

	// BreakerConfig tunes the shared circuit breakers.
	BreakerConfig struct {
		// FailureThreshold opens a circuit after this many consecutive
		// failures. Defaults to 5.
		FailureThreshold int `yaml:"failure_threshold"`
		// OpenTimeout is how long an open circuit rejects before probing.
		// Defaults to 60s.
		OpenTimeout Duration `yaml:"open_timeout"`
		// SuccessThreshold closes a half-open circuit after this many
		// consecutive successes. Defaults to 1.
		SuccessThreshold int `yaml:"success_threshold"`
	}

	// ModelConfig selects the LLM backend agents consult.
	ModelConfig struct {
		// Provider is one of "anthropic", "openai", "bedrock" or "mock".
		// Defaults to "mock".
		Provider string `yaml:"provider"`
		// DefaultModel is the model identifier handed to the provider.
		// Required unless Provider is "mock".
		DefaultModel string `yaml:"default_model"`
		// APIKeyEnv names the environment variable holding the provider API
		// key. Defaults per provider ("ANTHROPIC_API_KEY", "OPENAI_API_KEY").
		APIKeyEnv string `yaml:"api_key_env"`
		// MaxTokens caps completions. Zero uses the provider default.
		MaxTokens int `yaml:"max_tokens"`
	}

	// AdminConfig tunes the admin surface guard.
	AdminConfig struct {
		// TestMode unlocks test-only operations unconditionally.
		TestMode bool `yaml:"test_mode"`
		// ProductionMarker names the environment variable whose presence
		// marks a production deployment. Defaults to "SOURCED_PRODUCTION".
		ProductionMarker string `yaml:"production_marker"`
	}
)

var knownProviders = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"bedrock":   "",
	"mock":      "",
}

// Load reads, defaults, and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse defaults and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mongo.Timeout <= 0 {
		c.Mongo.Timeout = Duration(5 * time.Second)
	}
	if c.Pool.MaxParallelism <= 0 {
		c.Pool.MaxParallelism = 4
	}
	if c.Pool.PollInterval <= 0 {
		c.Pool.PollInterval = Duration(250 * time.Millisecond)
	}
	if c.Pool.DefaultMaxAttempts <= 0 {
		c.Pool.DefaultMaxAttempts = 3
	}
	if c.Pool.DefaultInitialBackoff <= 0 {
		c.Pool.DefaultInitialBackoff = Duration(200 * time.Millisecond)
	}
	if c.Pool.DefaultBase <= 0 {
		c.Pool.DefaultBase = 2
	}
	if c.Replay.ChunkSize <= 0 {
		c.Replay.ChunkSize = 100
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = Duration(60 * time.Second)
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 1
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "mock"
	}
	if c.Model.APIKeyEnv == "" {
		c.Model.APIKeyEnv = knownProviders[c.Model.Provider]
	}
	if c.Admin.ProductionMarker == "" {
		c.Admin.ProductionMarker = "SOURCED_PRODUCTION"
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return errors.New("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return errors.New("mongo.database is required")
	}
	if _, ok := knownProviders[c.Model.Provider]; !ok {
		return fmt.Errorf("model.provider %q is not one of anthropic, openai, bedrock, mock", c.Model.Provider)
	}
	if c.Model.Provider != "mock" && c.Model.DefaultModel == "" {
		return fmt.Errorf("model.default_model is required for provider %q", c.Model.Provider)
	}
	return nil
}

// APIKey resolves the provider API key from the configured environment
// variable. Empty when the provider needs none.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}
