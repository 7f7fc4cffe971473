package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/buildguard/backend/internal/circuitbreaker"
	"github.com/buildguard/backend/internal/ledger"
	"github.com/buildguard/backend/internal/resilience"
	"github.com/buildguard/backend/internal/taskqueue"
)

// Load resolves the effective configuration: defaults, then the YAML file,
// then environment variables (a .env file is read first when present).
func Load(path string) (*Config, error) {
	// Best effort; deployments without a .env file rely on real env vars.
	_ = godotenv.Load()

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		cfg.PubSub.ProjectID = v
		cfg.PubSub.Enabled = true
	}
	if v := os.Getenv("PUBSUB_TOPIC_ID"); v != "" {
		cfg.PubSub.TopicID = v
	}
	if v := os.Getenv("CLOUD_TASKS_PROJECT_ID"); v != "" {
		cfg.Tasks.ProjectID = v
		cfg.Tasks.Enabled = true
	}
	if v := os.Getenv("CLOUD_TASKS_LOCATION_ID"); v != "" {
		cfg.Tasks.LocationID = v
	}
	if v := os.Getenv("CLOUD_TASKS_QUEUE_ID"); v != "" {
		cfg.Tasks.QueueID = v
	}
	if v := os.Getenv("PER_ITEM_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Pipeline.PerItemBudgetUSD = f
		}
	}
	if v := os.Getenv("STRICT_BUDGET"); v != "" {
		cfg.Pipeline.StrictBudget = v == "1" || v == "true"
	}
}

// RetryPolicy converts the retry section to the resilience type.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BackoffBase: c.Retry.BackoffBase,
		MaxBackoff:  time.Duration(c.Retry.MaxBackoffSeconds) * time.Second,
		JitterMax:   time.Duration(c.Retry.JitterMaxMS) * time.Millisecond,
	}
}

// BreakerSettings converts the breaker section to the breaker config.
func (c *Config) BreakerSettings() *circuitbreaker.Config {
	return &circuitbreaker.Config{
		FailMax:      uint32(c.Breaker.FailMax),
		ResetTimeout: time.Duration(c.Breaker.ResetTimeoutSeconds) * time.Second,
	}
}

// WebhookPolicy converts the webhook section to a queue retry policy.
func (c *Config) WebhookPolicy() taskqueue.RetryPolicy {
	return taskqueue.RetryPolicy{
		MaxAttempts:    c.Webhook.MaxAttempts,
		InitialBackoff: time.Duration(c.Webhook.InitialBackoffSeconds) * time.Second,
		Multiplier:     float64(c.Webhook.BackoffMultiplier),
		MaxBackoff:     time.Duration(c.Webhook.MaxBackoffSeconds) * time.Second,
		Jitter:         c.Webhook.Jitter,
	}
}

// PricingTable builds the ledger pricing table, falling back to the built-in
// prices when the config has no model_pricing section.
func (c *Config) PricingTable() *ledger.PricingTable {
	if len(c.Pricing) == 0 {
		return ledger.DefaultPricing()
	}
	prices := make(map[string]ledger.ModelPrice, len(c.Pricing))
	for model, p := range c.Pricing {
		prices[model] = ledger.ModelPrice{
			InPerToken:  p.InputPerToken,
			OutPerToken: p.OutputPerToken,
		}
	}
	return ledger.NewPricingTable(prices)
}

// QueueSettings converts a queue section entry for the task queue manager.
func (c *Config) QueueSettings(name string) taskqueue.QueueConfig {
	q := c.Queues[name]
	return taskqueue.QueueConfig{
		Workers:      q.Workers,
		Capacity:     q.Capacity,
		RecycleAfter: q.RecycleAfter,
	}
}
