// Package config loads the platform configuration from YAML with
// environment-variable overrides for deployment-specific values.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Redis     RedisConfig            `yaml:"redis"`
	Postgres  PostgresConfig         `yaml:"postgres"`
	PubSub    PubSubConfig           `yaml:"pubsub"`
	Tasks     CloudTasksConfig       `yaml:"cloud_tasks"`
	Pipeline  PipelineConfig         `yaml:"pipeline"`
	Pricing   map[string]ModelPrice  `yaml:"model_pricing"`
	Retry     RetryConfig            `yaml:"retry"`
	Breaker   BreakerConfig          `yaml:"breaker"`
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
	Queues    map[string]QueueConfig `yaml:"queues"`
	Webhook   WebhookConfig          `yaml:"webhook"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

type PipelineConfig struct {
	PerItemBudgetUSD float64 `yaml:"per_item_budget_usd"`
	StrictBudget     bool    `yaml:"strict_budget"`
	EnableWatchman   bool    `yaml:"enable_watchman"`
}

type ModelPrice struct {
	InputPerToken  float64 `yaml:"input_per_token"`
	OutputPerToken float64 `yaml:"output_per_token"`
}

type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBase       float64 `yaml:"backoff_base"`
	MaxBackoffSeconds int     `yaml:"max_backoff_seconds"`
	JitterMaxMS       int     `yaml:"jitter_max_ms"`
}

type BreakerConfig struct {
	FailMax             int `yaml:"fail_max"`
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"`
}

type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type QueueConfig struct {
	Workers      int `yaml:"workers"`
	Capacity     int `yaml:"capacity"`
	RecycleAfter int `yaml:"recycle_after"`
}

type WebhookConfig struct {
	MaxAttempts           int  `yaml:"max_attempts"`
	InitialBackoffSeconds int  `yaml:"initial_backoff_seconds"`
	BackoffMultiplier     int  `yaml:"backoff_multiplier"`
	MaxBackoffSeconds     int  `yaml:"max_backoff_seconds"`
	Jitter                bool `yaml:"jitter"`
	ResultTTLSeconds      int  `yaml:"result_ttl_seconds"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Pipeline: PipelineConfig{
			PerItemBudgetUSD: 0.007,
			EnableWatchman:   true,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       2.0,
			MaxBackoffSeconds: 10,
			JitterMaxMS:       500,
		},
		Breaker: BreakerConfig{
			FailMax:             3,
			ResetTimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			Requests:      50,
			WindowSeconds: 60,
		},
		Webhook: WebhookConfig{
			MaxAttempts:           5,
			InitialBackoffSeconds: 30,
			BackoffMultiplier:     2,
			MaxBackoffSeconds:     3600,
			Jitter:                true,
			ResultTTLSeconds:      3600,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file returns the
// defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
