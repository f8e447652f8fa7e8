// Package config provides configuration management with hot-reload
// support. It uses fsnotify to watch for file changes and atomic
// pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete control-plane configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Redis     RedisConfig      `yaml:"redis"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Providers []ProviderConfig `yaml:"providers"`

	// Dispatch loop tuning.
	PriorityWeights      PriorityWeights `yaml:"priority_weights"`
	MaxConcurrent        int             `yaml:"max_concurrent"`
	BatchSize            int             `yaml:"batch_size"`
	ProcessingIntervalMs int             `yaml:"processing_interval_ms"`

	Queue    QueueConfig    `yaml:"queue"`
	Retry    RetryConfig    `yaml:"retry"`
	Capacity CapacityConfig `yaml:"capacity"`
	Burst    BurstConfig    `yaml:"burst"`
	Tiers    TiersConfig    `yaml:"tiers"`
	Health   HealthConfig   `yaml:"health"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int `yaml:"idle_timeout_sec"`

	// DrainTimeoutSec bounds how long shutdown waits for in-flight
	// requests before giving up.
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`

	// EdgeRPM and EdgeBurst tune the per-client guard in front of the
	// API. Zero values keep the built-in defaults.
	EdgeRPM   int `yaml:"edge_rpm"`
	EdgeBurst int `yaml:"edge_burst"`
}

// RedisConfig locates the coordination store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// ProviderConfig defines a single upstream provider.
type ProviderConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	APIKey     string            `yaml:"api_key"`
	BaseURL    string            `yaml:"base_url"`
	Region     string            `yaml:"region"`
	TimeoutSec int               `yaml:"timeout_sec"`
	Headers    map[string]string `yaml:"headers"`
	Models     []ModelConfig     `yaml:"models"`
	Limits     LimitsConfig      `yaml:"limits"`
}

// ModelConfig overrides one catalog entry. Pricing is per thousand
// tokens.
type ModelConfig struct {
	Name             string  `yaml:"name"`
	InputCostPer1K   float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K  float64 `yaml:"output_cost_per_1k"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
}

// LimitsConfig declares one provider's capacity caps. Zero window caps
// mean unlimited.
type LimitsConfig struct {
	MaxConcurrent     int   `yaml:"max_concurrent"`
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
	RequestsPerHour   int64 `yaml:"requests_per_hour"`
	RequestsPerDay    int64 `yaml:"requests_per_day"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute"`
	TokensPerHour     int64 `yaml:"tokens_per_hour"`
	TokensPerDay      int64 `yaml:"tokens_per_day"`
}

// PriorityWeights set the queue score bonus per priority class.
type PriorityWeights struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`
}

// TierMultipliers scale the priority bonus per subscription tier.
type TierMultipliers struct {
	Basic      float64 `yaml:"basic"`
	Premium    float64 `yaml:"premium"`
	Enterprise float64 `yaml:"enterprise"`
}

// QueueConfig contains queue sizing and retention settings.
type QueueConfig struct {
	MaxQueueSize            int64           `yaml:"max_queue_size"`
	TierMultipliers         TierMultipliers `yaml:"tier_multipliers"`
	CompletedRetentionHours int             `yaml:"completed_retention_hours"`
	FailedRetentionHours    int             `yaml:"failed_retention_hours"`
}

// RetryConfig tunes the retry controller.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseDelayMs       int     `yaml:"base_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterRange       float64 `yaml:"jitter_range"`
	AdaptiveFactor    float64 `yaml:"adaptive_factor"`
	LearningEnabled   bool    `yaml:"learning_enabled"`
	SuccessThreshold  float64 `yaml:"success_threshold"`
	Strategy          string  `yaml:"strategy"` // exponential, linear, fixed, fibonacci, adaptive
}

// CapacityConfig tunes admission thresholds and the health sweep.
type CapacityConfig struct {
	WarningUtilization   float64 `yaml:"warning_utilization"`
	CriticalUtilization  float64 `yaml:"critical_utilization"`
	OverloadProtection   float64 `yaml:"overload_protection"`
	QueueLengthLimit     int     `yaml:"queue_length_limit"`
	MonitoringIntervalMs int     `yaml:"monitoring_interval_ms"`
	RateLimitWarning     float64 `yaml:"rate_limit_warning"`
}

// BurstConfig tunes the token-bucket burst handler.
type BurstConfig struct {
	BurstSize          int     `yaml:"burst_size"`
	RefillRate         float64 `yaml:"refill_rate"`
	MaxBurstDurationMs int     `yaml:"max_burst_duration_ms"`
	CooldownPeriodMs   int     `yaml:"cooldown_period_ms"`
	BurstThreshold     float64 `yaml:"burst_threshold"`
}

// TierConfig is one subscription tier's throttle policy.
type TierConfig struct {
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
	BurstLimit        int   `yaml:"burst_limit"`
}

// TiersConfig holds the per-tier throttle policies.
type TiersConfig struct {
	Basic      TierConfig `yaml:"basic"`
	Premium    TierConfig `yaml:"premium"`
	Enterprise TierConfig `yaml:"enterprise"`
}

// HealthConfig tunes the proactive provider prober.
type HealthConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntervalMs       int  `yaml:"interval_ms"`
	TimeoutMs        int  `yaml:"timeout_ms"`
	CooldownPeriodMs int  `yaml:"cooldown_period_ms"`
}

// AlertsConfig tunes the performance alert evaluator.
type AlertsConfig struct {
	MinSuccessRate  float64 `yaml:"min_success_rate"`
	MaxP95LatencyMs int     `yaml:"max_p95_latency_ms"`
	MaxUtilization  float64 `yaml:"max_utilization"`
	MinSamples      int64   `yaml:"min_samples"`
	IntervalMs      int     `yaml:"interval_ms"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 120,
			IdleTimeoutSec:  60,
			DrainTimeoutSec: 30,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "relaymux",
			SampleRate:  1.0,
			Insecure:    true,
		},
		PriorityWeights: PriorityWeights{
			Critical: 1000,
			High:     100,
			Medium:   10,
			Low:      1,
		},
		MaxConcurrent:        10,
		BatchSize:            10,
		ProcessingIntervalMs: 100,
		Queue: QueueConfig{
			MaxQueueSize: 1000,
			TierMultipliers: TierMultipliers{
				Basic:      1,
				Premium:    2,
				Enterprise: 3,
			},
			CompletedRetentionHours: 24,
			FailedRetentionHours:    168,
		},
		Retry: RetryConfig{
			MaxAttempts:       5,
			BaseDelayMs:       1000,
			MaxDelayMs:        32000,
			BackoffMultiplier: 2,
			JitterRange:       0.1,
			AdaptiveFactor:    0.5,
			LearningEnabled:   true,
			SuccessThreshold:  0.7,
			Strategy:          "exponential",
		},
		Capacity: CapacityConfig{
			WarningUtilization:   0.7,
			CriticalUtilization:  0.9,
			OverloadProtection:   0.95,
			QueueLengthLimit:     100,
			MonitoringIntervalMs: 10000,
			RateLimitWarning:     0.8,
		},
		Burst: BurstConfig{
			BurstSize:          20,
			RefillRate:         1,
			MaxBurstDurationMs: 10000,
			CooldownPeriodMs:   30000,
			BurstThreshold:     0.5,
		},
		Tiers: TiersConfig{
			Basic:      TierConfig{RequestsPerMinute: 60, BurstLimit: 10},
			Premium:    TierConfig{RequestsPerMinute: 300, BurstLimit: 50},
			Enterprise: TierConfig{RequestsPerMinute: 1500, BurstLimit: 200},
		},
		Health: HealthConfig{
			Enabled:          true,
			IntervalMs:       30000,
			TimeoutMs:        10000,
			CooldownPeriodMs: 60000,
		},
		Alerts: AlertsConfig{
			MinSuccessRate:  0.95,
			MaxP95LatencyMs: 30000,
			MaxUtilization:  0.9,
			MinSamples:      20,
			IntervalMs:      30000,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider[%d] %q: duplicate name", i, p.Name)
		}
		seen[p.Name] = true
		if p.TimeoutSec < 0 {
			return fmt.Errorf("provider[%d] %q: timeout_sec cannot be negative", i, p.Name)
		}
		if p.Limits.MaxConcurrent <= 0 {
			return fmt.Errorf("provider[%d] %q: limits.max_concurrent must be positive", i, p.Name)
		}
	}

	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.ProcessingIntervalMs <= 0 {
		return fmt.Errorf("processing_interval_ms must be positive")
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be positive")
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts cannot be negative")
	}
	switch c.Retry.Strategy {
	case "", "exponential", "linear", "fixed", "fibonacci", "adaptive":
	default:
		return fmt.Errorf("retry.strategy %q is not recognized", c.Retry.Strategy)
	}
	if c.Retry.JitterRange < 0 || c.Retry.JitterRange > 1 {
		return fmt.Errorf("retry.jitter_range must be in [0,1]")
	}

	for name, v := range map[string]float64{
		"capacity.warning_utilization":  c.Capacity.WarningUtilization,
		"capacity.critical_utilization": c.Capacity.CriticalUtilization,
		"capacity.overload_protection":  c.Capacity.OverloadProtection,
		"burst.burst_threshold":         c.Burst.BurstThreshold,
		"alerts.max_utilization":        c.Alerts.MaxUtilization,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}

	for name, t := range map[string]TierConfig{
		"tiers.basic":      c.Tiers.Basic,
		"tiers.premium":    c.Tiers.Premium,
		"tiers.enterprise": c.Tiers.Enterprise,
	} {
		if t.RequestsPerMinute <= 0 {
			return fmt.Errorf("%s.requests_per_minute must be positive", name)
		}
		if t.BurstLimit < 0 {
			return fmt.Errorf("%s.burst_limit cannot be negative", name)
		}
	}

	return nil
}
