// Package config defines the process-wide configuration surface of gemcall:
// auth strategy selection, transport timeouts, retry policy, rate limiter
// knobs and streaming behavior. Values load from yaml and from the
// environment; every knob has a default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeout        = 120 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxRetries     = 3
	DefaultBaseBackoff    = 1 * time.Second
	DefaultMaxBackoff     = 10 * time.Second
	DefaultJitterFactor   = 0.25

	DefaultMaxConcurrencyPerModel = 4
	DefaultWindowDuration         = 60 * time.Second
	DefaultBudgetSafetyMultiplier = 1.0
	DefaultAdaptiveCeiling        = 8

	DefaultStreamCleanupDelay   = 30 * time.Second
	DefaultStreamReceiveTimeout = 30 * time.Second
	DefaultStreamMaxRetries     = 3
)

// Config is the root configuration object.
type Config struct {
	Auth      AuthConfig      `yaml:"auth,omitempty"`
	HTTP      HTTPConfig      `yaml:"http,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Streaming StreamingConfig `yaml:"streaming,omitempty"`
	LogLevel  string          `yaml:"log_level,omitempty"`
}

// AuthConfig selects and parameterizes the credential strategy.
type AuthConfig struct {
	// Strategy is "gemini" (API key) or "vertex_ai" (OAuth service account).
	// Empty means auto-detect from the credential fields below.
	Strategy string `yaml:"strategy,omitempty"`

	APIKey string `yaml:"api_key,omitempty"`

	// Service-account credential sources, tried in order: key file,
	// inline JSON, application-default-credentials file, metadata server.
	KeyFilePath string `yaml:"key_file_path,omitempty"`
	JSONContent string `yaml:"json_content,omitempty"`

	ProjectID string `yaml:"project_id,omitempty"`
	Location  string `yaml:"location,omitempty"`
}

// HTTPConfig holds transport-level knobs.
type HTTPConfig struct {
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	MaxRetries     int           `yaml:"max_retries,omitempty"`
	BaseBackoff    time.Duration `yaml:"base_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	JitterFactor   float64       `yaml:"jitter_factor,omitempty"`
}

// RateLimitConfig holds the local limiter knobs.
type RateLimitConfig struct {
	Disabled bool `yaml:"disabled,omitempty"`

	MaxConcurrencyPerModel int `yaml:"max_concurrency_per_model,omitempty"`

	// PermitTimeout bounds blocking permit waits. Zero means wait forever.
	PermitTimeout time.Duration `yaml:"permit_timeout,omitempty"`

	// TokenBudgetPerWindow caps reserved+used tokens within a window.
	// Zero disables budget accounting.
	TokenBudgetPerWindow   int           `yaml:"token_budget_per_window,omitempty"`
	WindowDuration         time.Duration `yaml:"window_duration,omitempty"`
	BudgetSafetyMultiplier float64       `yaml:"budget_safety_multiplier,omitempty"`
	MaxBudgetWait          time.Duration `yaml:"max_budget_wait,omitempty"`

	AdaptiveConcurrency bool `yaml:"adaptive_concurrency,omitempty"`
	AdaptiveCeiling     int  `yaml:"adaptive_ceiling,omitempty"`
}

// StreamingConfig holds SSE stream manager knobs.
type StreamingConfig struct {
	// CleanupDelay keeps terminal streams queryable before eviction.
	CleanupDelay   time.Duration `yaml:"cleanup_delay,omitempty"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout,omitempty"`
	MaxRetries     int           `yaml:"max_retries,omitempty"`
	BaseBackoff    time.Duration `yaml:"base_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
}

// SetDefaults fills every zero-valued knob with its default.
func (c *Config) SetDefaults() {
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultTimeout
	}
	if c.HTTP.ConnectTimeout == 0 {
		c.HTTP.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HTTP.MaxRetries == 0 {
		c.HTTP.MaxRetries = DefaultMaxRetries
	}
	if c.HTTP.BaseBackoff == 0 {
		c.HTTP.BaseBackoff = DefaultBaseBackoff
	}
	if c.HTTP.MaxBackoff == 0 {
		c.HTTP.MaxBackoff = DefaultMaxBackoff
	}
	if c.HTTP.JitterFactor == 0 {
		c.HTTP.JitterFactor = DefaultJitterFactor
	}

	if c.RateLimit.MaxConcurrencyPerModel == 0 {
		c.RateLimit.MaxConcurrencyPerModel = DefaultMaxConcurrencyPerModel
	}
	if c.RateLimit.WindowDuration == 0 {
		c.RateLimit.WindowDuration = DefaultWindowDuration
	}
	if c.RateLimit.BudgetSafetyMultiplier == 0 {
		c.RateLimit.BudgetSafetyMultiplier = DefaultBudgetSafetyMultiplier
	}
	if c.RateLimit.AdaptiveCeiling == 0 {
		c.RateLimit.AdaptiveCeiling = DefaultAdaptiveCeiling
	}

	if c.Streaming.CleanupDelay == 0 {
		c.Streaming.CleanupDelay = DefaultStreamCleanupDelay
	}
	if c.Streaming.ReceiveTimeout == 0 {
		c.Streaming.ReceiveTimeout = DefaultStreamReceiveTimeout
	}
	if c.Streaming.MaxRetries == 0 {
		c.Streaming.MaxRetries = DefaultStreamMaxRetries
	}
	if c.Streaming.BaseBackoff == 0 {
		c.Streaming.BaseBackoff = DefaultBaseBackoff
	}
	if c.Streaming.MaxBackoff == 0 {
		c.Streaming.MaxBackoff = DefaultMaxBackoff
	}

	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.Auth.Strategy {
	case "", StrategyGemini, StrategyVertexAI:
	default:
		return fmt.Errorf("unknown auth strategy %q", c.Auth.Strategy)
	}
	if c.Auth.Strategy == StrategyVertexAI {
		if c.Auth.ProjectID == "" || c.Auth.Location == "" {
			return fmt.Errorf("vertex_ai strategy requires project_id and location")
		}
	}
	if c.HTTP.JitterFactor < 0 || c.HTTP.JitterFactor > 1 {
		return fmt.Errorf("jitter_factor must be within [0, 1]")
	}
	if c.RateLimit.BudgetSafetyMultiplier < 0 {
		return fmt.Errorf("budget_safety_multiplier must be non-negative")
	}
	return nil
}

// Strategy names as they appear in configuration and options.
const (
	StrategyGemini   = "gemini"
	StrategyVertexAI = "vertex_ai"
)

// LoadFromFile reads a yaml config file, applies defaults and validates.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
