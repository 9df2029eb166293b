// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Proxies    ProxiesConfig    `mapstructure:"proxies"`
	Pacer      PacerConfig      `mapstructure:"pacer"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Extract    ExtractConfig    `mapstructure:"extract"`
	Cancel     CancelConfig     `mapstructure:"cancel"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkersConfig governs the worker pool and job-level redelivery.
type WorkersConfig struct {
	Count                int     `mapstructure:"count"`
	RatePerSecond        float64 `mapstructure:"rate_per_second"`
	RateBurst            int     `mapstructure:"rate_burst"`
	RequeueLimit         int     `mapstructure:"requeue_limit"`
	RequeueInitialSecond int     `mapstructure:"requeue_initial_seconds"`
}

// ResilienceConfig holds the request retry policy. Every knob the retry
// engine uses comes from here so behavior stays consistent across
// platforms.
type ResilienceConfig struct {
	MaxAttempts          int `mapstructure:"max_attempts"`
	BackoffStepSeconds   int `mapstructure:"backoff_step_seconds"`
	RateLimitWaitSeconds int `mapstructure:"rate_limit_wait_seconds"`
	SlowThresholdSeconds int `mapstructure:"slow_threshold_seconds"`
	AbandonAfterSeconds  int `mapstructure:"abandon_after_seconds"`
	RequestTimeoutSecond int `mapstructure:"request_timeout_seconds"`
	PollIntervalMs       int `mapstructure:"poll_interval_ms"`
}

// BackoffStep is the per-attempt backoff multiplier base.
func (r ResilienceConfig) BackoffStep() time.Duration {
	return time.Duration(r.BackoffStepSeconds) * time.Second
}

// RateLimitWait is the fallback wait when a 429 carries no Retry-After.
func (r ResilienceConfig) RateLimitWait() time.Duration {
	return time.Duration(r.RateLimitWaitSeconds) * time.Second
}

// SlowThreshold is the response time past which the engine switches proxy.
func (r ResilienceConfig) SlowThreshold() time.Duration {
	return time.Duration(r.SlowThresholdSeconds) * time.Second
}

// AbandonAfter is the per-request ceiling on the final attempt.
func (r ResilienceConfig) AbandonAfter() time.Duration {
	return time.Duration(r.AbandonAfterSeconds) * time.Second
}

// RequestTimeout is the hard deadline on each outbound request.
func (r ResilienceConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSecond) * time.Second
}

// PollInterval is the cadence at which waits check for cancellation.
func (r ResilienceConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// ProxiesConfig configures the rotating proxy pool.
type ProxiesConfig struct {
	File               string  `mapstructure:"file"`
	FailureThreshold   int     `mapstructure:"failure_threshold"`
	HealthySuccessRate float64 `mapstructure:"healthy_success_rate"`
	MinObservations    int     `mapstructure:"min_observations"`
}

// PacerConfig tunes the adaptive inter-request pacing.
type PacerConfig struct {
	BaseDelayMs         int `mapstructure:"base_delay_ms"`
	MinDelayMs          int `mapstructure:"min_delay_ms"`
	MaxDelayMs          int `mapstructure:"max_delay_ms"`
	RecentWindowSeconds int `mapstructure:"recent_window_seconds"`
}

// BaseDelay is the steady-state delay between item fetches.
func (p PacerConfig) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

// MinDelay floors the delay after sustained success.
func (p PacerConfig) MinDelay() time.Duration {
	return time.Duration(p.MinDelayMs) * time.Millisecond
}

// MaxDelay caps the delay growth under rate limiting.
func (p PacerConfig) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelayMs) * time.Millisecond
}

// RecentWindow is how long a 429 keeps the pacer cautious.
func (p PacerConfig) RecentWindow() time.Duration {
	return time.Duration(p.RecentWindowSeconds) * time.Second
}

// FetchConfig configures the HTTP fetch layer.
type FetchConfig struct {
	UserAgent  string   `mapstructure:"user_agent"`
	UserAgents []string `mapstructure:"user_agents"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// ExtractConfig bounds what a single job may collect.
type ExtractConfig struct {
	PageSize     int `mapstructure:"page_size"`
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// CancelConfig controls the cancellation flag registry.
type CancelConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// TTL is how long a cancellation flag stays observable.
func (c CancelConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Buffer             int `mapstructure:"buffer"`
	BatchSize          int `mapstructure:"batch_size"`
	FlushIntervalMs    int `mapstructure:"flush_interval_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// FlushInterval is the max age of a pending event batch.
func (p ProgressConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalMs) * time.Millisecond
}

// SinkTimeout bounds a single sink delivery.
func (p ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(p.SinkTimeoutSeconds) * time.Second
}

// QueueConfig selects and sizes the job queue.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	Depth   int    `mapstructure:"depth"`
}

// StorageConfig selects the artifact store for exported results.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational job store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig holds Pub/Sub project and topic names.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	JobsTopic        string `mapstructure:"jobs_topic"`
	JobsSubscription string `mapstructure:"jobs_subscription"`
	EventsTopic      string `mapstructure:"events_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.rate_per_second", 1.0)
	v.SetDefault("workers.rate_burst", 1)
	v.SetDefault("workers.requeue_limit", 2)
	v.SetDefault("workers.requeue_initial_seconds", 5)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.backoff_step_seconds", 2)
	v.SetDefault("resilience.rate_limit_wait_seconds", 60)
	v.SetDefault("resilience.slow_threshold_seconds", 8)
	v.SetDefault("resilience.abandon_after_seconds", 15)
	v.SetDefault("resilience.request_timeout_seconds", 20)
	v.SetDefault("resilience.poll_interval_ms", 500)
	v.SetDefault("proxies.failure_threshold", 3)
	v.SetDefault("proxies.healthy_success_rate", 0.5)
	v.SetDefault("proxies.min_observations", 3)
	v.SetDefault("pacer.base_delay_ms", 2000)
	v.SetDefault("pacer.min_delay_ms", 1500)
	v.SetDefault("pacer.max_delay_ms", 30000)
	v.SetDefault("pacer.recent_window_seconds", 60)
	v.SetDefault("fetch.user_agent", "harvester-bot/0.1")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("extract.page_size", 100)
	v.SetDefault("extract.default_limit", 100)
	v.SetDefault("extract.max_limit", 1000)
	v.SetDefault("cancel.ttl_seconds", 3600)
	v.SetDefault("progress.buffer", 256)
	v.SetDefault("progress.batch_size", 32)
	v.SetDefault("progress.flush_interval_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 2)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("pubsub.jobs_topic", "harvester-jobs")
	v.SetDefault("pubsub.jobs_subscription", "harvester-jobs-workers")
	v.SetDefault("pubsub.events_topic", "harvester-events")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.RatePerSecond <= 0 {
		return fmt.Errorf("workers.rate_per_second must be > 0")
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("resilience.max_attempts must be >= 1")
	}
	if c.Resilience.RequestTimeoutSecond <= 0 {
		return fmt.Errorf("resilience.request_timeout_seconds must be > 0")
	}
	if c.Resilience.PollIntervalMs <= 0 {
		return fmt.Errorf("resilience.poll_interval_ms must be > 0")
	}
	if c.Proxies.HealthySuccessRate < 0 || c.Proxies.HealthySuccessRate > 1 {
		return fmt.Errorf("proxies.healthy_success_rate must be within [0, 1]")
	}
	if c.Pacer.MinDelayMs > c.Pacer.BaseDelayMs || c.Pacer.BaseDelayMs > c.Pacer.MaxDelayMs {
		return fmt.Errorf("pacer delays must satisfy min <= base <= max")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Extract.PageSize <= 0 || c.Extract.PageSize > 100 {
		return fmt.Errorf("extract.page_size must be within (0, 100]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when queue.backend is pubsub")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, pubsub")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	return nil
}
