// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store configures the durable job store's Redis connection.
type Store struct {
	URL          string        `mapstructure:"url"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Downstream configures the Downstream Client (component B).
type Downstream struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter    float64       `mapstructure:"backoff_jitter"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	BreakerThreshold float64       `mapstructure:"breaker_threshold"`
	BreakerMinSample int           `mapstructure:"breaker_min_samples"`
}

// Callback configures the Callback Dispatcher (component C).
type Callback struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
	SigningSecret  string        `mapstructure:"signing_secret"`
	NATSURL        string        `mapstructure:"nats_url"`
	DispatchWorkers int          `mapstructure:"dispatch_workers"`
}

// Scheduler configures the Drip Scheduler / Worker (component E).
type Scheduler struct {
	DripInterval      time.Duration `mapstructure:"drip_interval"`
	ClaimPollTimeout  time.Duration `mapstructure:"claim_poll_timeout"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	LeaseRenew        time.Duration `mapstructure:"lease_renew"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
}

// Retention configures the store's automatic retention policy.
type Retention struct {
	CompletedCount int           `mapstructure:"completed_count"`
	CompletedAge   time.Duration `mapstructure:"completed_age"`
	FailedCount    int           `mapstructure:"failed_count"`
	FailedAge      time.Duration `mapstructure:"failed_age"`
	BatchTTL       time.Duration `mapstructure:"batch_ttl"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
}

// Ingress configures the HTTP boundary (component F).
type Ingress struct {
	Port                  int           `mapstructure:"port"`
	WebhookSecret         string        `mapstructure:"webhook_secret"`
	MaxBatchSize          int           `mapstructure:"max_batch_size"`
	RateLimitPerMinute    int           `mapstructure:"rate_limit_per_minute"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
}

// TracingConfig configures OpenTelemetry export and sampling.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Observability configures the ambient logging/metrics/tracing surface.
type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Config is the top-level, process-local, immutable-after-startup
// configuration for the gateway.
type Config struct {
	Store         Store         `mapstructure:"store"`
	Downstream    Downstream    `mapstructure:"downstream"`
	Callback      Callback      `mapstructure:"callback"`
	Scheduler     Scheduler     `mapstructure:"scheduler"`
	Retention     Retention     `mapstructure:"retention"`
	Ingress       Ingress       `mapstructure:"ingress"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Store: Store{
			URL:          "redis://localhost:6379/0",
			KeyPrefix:    "dripgw",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Downstream: Downstream{
			DefaultTimeout:   60 * time.Second,
			MaxRetries:       3,
			BackoffBase:      time.Second,
			BackoffCap:       30 * time.Second,
			BackoffJitter:    0.10,
			BreakerWindow:    time.Minute,
			BreakerCooldown:  30 * time.Second,
			BreakerThreshold: 0.5,
			BreakerMinSample: 10,
		},
		Callback: Callback{
			MaxRetries:      3,
			Timeout:         10 * time.Second,
			RetryDelay:      time.Second,
			BackoffCap:      30 * time.Second,
			BackoffJitter:   0.20,
			DispatchWorkers: 8,
		},
		Scheduler: Scheduler{
			DripInterval:     10 * time.Second,
			ClaimPollTimeout: 2 * time.Second,
			LeaseTTL:         5 * time.Minute,
			LeaseRenew:       30 * time.Second,
			MaxAttempts:      3,
			RetryBase:        5 * time.Second,
			ReaperInterval:   5 * time.Second,
			ShutdownGrace:    30 * time.Second,
		},
		Retention: Retention{
			CompletedCount: 1000,
			CompletedAge:   24 * time.Hour,
			FailedCount:    500,
			FailedAge:      7 * 24 * time.Hour,
			BatchTTL:       48 * time.Hour,
			ResultTTL:      86400 * time.Second,
		},
		Ingress: Ingress{
			Port:               8080,
			MaxBatchSize:       2000,
			RateLimitPerMinute: 100,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       30 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false, SampleRatio: 0},
		},
	}
}

// Load reads layered configuration: built-in defaults, then an optional YAML
// file at path, then environment variables (PORT, WEBHOOK_SECRET, STORE_URL,
// DOWNSTREAM_BASE_URL, ... per §6, translated via "." -> "_" the same way
// the reference service's config loader does), then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)
	bindEnv(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := bindDurationEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("store.url", def.Store.URL)
	v.SetDefault("store.key_prefix", def.Store.KeyPrefix)
	v.SetDefault("store.pool_size", def.Store.PoolSize)
	v.SetDefault("store.min_idle_conns", def.Store.MinIdleConns)
	v.SetDefault("store.dial_timeout", def.Store.DialTimeout)
	v.SetDefault("store.read_timeout", def.Store.ReadTimeout)
	v.SetDefault("store.write_timeout", def.Store.WriteTimeout)

	v.SetDefault("downstream.default_timeout", def.Downstream.DefaultTimeout)
	v.SetDefault("downstream.max_retries", def.Downstream.MaxRetries)
	v.SetDefault("downstream.backoff_base", def.Downstream.BackoffBase)
	v.SetDefault("downstream.backoff_cap", def.Downstream.BackoffCap)
	v.SetDefault("downstream.backoff_jitter", def.Downstream.BackoffJitter)
	v.SetDefault("downstream.breaker_window", def.Downstream.BreakerWindow)
	v.SetDefault("downstream.breaker_cooldown", def.Downstream.BreakerCooldown)
	v.SetDefault("downstream.breaker_threshold", def.Downstream.BreakerThreshold)
	v.SetDefault("downstream.breaker_min_samples", def.Downstream.BreakerMinSample)

	v.SetDefault("callback.max_retries", def.Callback.MaxRetries)
	v.SetDefault("callback.timeout", def.Callback.Timeout)
	v.SetDefault("callback.retry_delay", def.Callback.RetryDelay)
	v.SetDefault("callback.backoff_cap", def.Callback.BackoffCap)
	v.SetDefault("callback.backoff_jitter", def.Callback.BackoffJitter)
	v.SetDefault("callback.dispatch_workers", def.Callback.DispatchWorkers)

	v.SetDefault("scheduler.drip_interval", def.Scheduler.DripInterval)
	v.SetDefault("scheduler.claim_poll_timeout", def.Scheduler.ClaimPollTimeout)
	v.SetDefault("scheduler.lease_ttl", def.Scheduler.LeaseTTL)
	v.SetDefault("scheduler.lease_renew", def.Scheduler.LeaseRenew)
	v.SetDefault("scheduler.max_attempts", def.Scheduler.MaxAttempts)
	v.SetDefault("scheduler.retry_base", def.Scheduler.RetryBase)
	v.SetDefault("scheduler.reaper_interval", def.Scheduler.ReaperInterval)
	v.SetDefault("scheduler.shutdown_grace", def.Scheduler.ShutdownGrace)

	v.SetDefault("retention.completed_count", def.Retention.CompletedCount)
	v.SetDefault("retention.completed_age", def.Retention.CompletedAge)
	v.SetDefault("retention.failed_count", def.Retention.FailedCount)
	v.SetDefault("retention.failed_age", def.Retention.FailedAge)
	v.SetDefault("retention.batch_ttl", def.Retention.BatchTTL)
	v.SetDefault("retention.result_ttl", def.Retention.ResultTTL)

	v.SetDefault("ingress.port", def.Ingress.Port)
	v.SetDefault("ingress.max_batch_size", def.Ingress.MaxBatchSize)
	v.SetDefault("ingress.rate_limit_per_minute", def.Ingress.RateLimitPerMinute)
	v.SetDefault("ingress.read_timeout", def.Ingress.ReadTimeout)
	v.SetDefault("ingress.write_timeout", def.Ingress.WriteTimeout)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
}

// bindEnv wires the flat environment variable names from §6 onto the
// nested config keys viper otherwise expects as STORE_URL-style names.
func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"ingress.port":                  "PORT",
		"ingress.webhook_secret":        "WEBHOOK_SECRET",
		"store.url":                     "STORE_URL",
		"downstream.base_url":           "DOWNSTREAM_BASE_URL",
		"downstream.api_key":            "DOWNSTREAM_API_KEY",
		"ingress.max_batch_size":        "MAX_BATCH_SIZE",
		"callback.max_retries":          "CALLBACK_MAX_RETRIES",
		"observability.log_level":       "LOG_LEVEL",
		"observability.metrics_port":    "METRICS_PORT",
		"ingress.rate_limit_per_minute": "INGRESS_RATE_LIMIT_PER_MINUTE",
		"callback.signing_secret":       "CALLBACK_SIGNING_SECRET",
		"callback.nats_url":             "CALLBACK_NATS_URL",
		"observability.tracing.endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
		"observability.tracing.sample_ratio": "TRACING_SAMPLE_RATIO",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// durationEnvVars lists the env vars documented to carry a bare integer
// count of milliseconds or seconds (DRIP_INTERVAL_MS=10000, and so on)
// rather than a Go duration string. Binding these straight onto a
// time.Duration field with BindEnv would leave viper.Unmarshal to run them
// through mapstructure.StringToTimeDurationHookFunc, which calls
// time.ParseDuration and rejects a bare "10000" for lacking a unit suffix.
// Each is converted by hand and pushed in with v.Set, which outranks
// BindEnv in viper's precedence order, so Unmarshal sees an actual
// time.Duration value instead of the raw string.
var durationEnvVars = []struct {
	key  string
	env  string
	unit time.Duration
}{
	{"scheduler.drip_interval", "DRIP_INTERVAL_MS", time.Millisecond},
	{"callback.timeout", "CALLBACK_TIMEOUT_MS", time.Millisecond},
	{"callback.retry_delay", "CALLBACK_RETRY_DELAY_MS", time.Millisecond},
	{"retention.result_ttl", "RESULT_TTL_SECONDS", time.Second},
	{"scheduler.lease_ttl", "LEASE_TTL_SECONDS", time.Second},
	{"scheduler.lease_renew", "LEASE_RENEW_SECONDS", time.Second},
	{"scheduler.shutdown_grace", "SHUTDOWN_GRACE_SECONDS", time.Second},
}

func bindDurationEnv(v *viper.Viper) error {
	for _, d := range durationEnvVars {
		raw, ok := os.LookupEnv(d.env)
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q: %w", d.env, raw, err)
		}
		v.Set(d.key, time.Duration(n)*d.unit)
	}
	return nil
}

// Validate checks config constraints and returns an error on invalid
// settings, rejecting them at startup rather than at first use.
func Validate(cfg *Config) error {
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url must be set")
	}
	if cfg.Scheduler.DripInterval <= 0 {
		return fmt.Errorf("scheduler.drip_interval must be > 0")
	}
	if cfg.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be >= 1")
	}
	if cfg.Scheduler.LeaseRenew*2 > cfg.Scheduler.LeaseTTL {
		return fmt.Errorf("scheduler.lease_renew must be <= lease_ttl/2")
	}
	if cfg.Ingress.MaxBatchSize < 1 {
		return fmt.Errorf("ingress.max_batch_size must be >= 1")
	}
	if cfg.Ingress.RateLimitPerMinute < 0 {
		return fmt.Errorf("ingress.rate_limit_per_minute must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Downstream.BreakerThreshold <= 0 || cfg.Downstream.BreakerThreshold > 1 {
		return fmt.Errorf("downstream.breaker_threshold must be in (0,1]")
	}
	return nil
}
