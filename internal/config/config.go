// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	FrontendURL    string   `env:"FRONTEND_URL"`
	DBPath         string   `env:"DB_PATH" envDefault:"./data/livepanel.db"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	CatalogPath    string   `env:"CATALOG_PATH"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	Evaluator EvaluatorConfig
	Control   ControlConfig
	Scoring   ScoringConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Timer     TimerConfig
}

// EvaluatorConfig controls the external scoring evaluator connection.
type EvaluatorConfig struct {
	Addr           string        `env:"EVALUATOR_ADDR" envDefault:"localhost:50051"`
	Timeout        time.Duration `env:"EVALUATOR_TIMEOUT" envDefault:"45s"`
	ConnectTimeout time.Duration `env:"EVALUATOR_CONNECT_TIMEOUT" envDefault:"5s"`
}

// ControlConfig controls the interviewer-control reader.
type ControlConfig struct {
	Lookback int `env:"CONTROL_LOOKBACK" envDefault:"25"`
}

// ScoringConfig controls the scoring pipeline and plan writes.
type ScoringConfig struct {
	MinResponseChars int `env:"MIN_RESPONSE_CHARS" envDefault:"20"`
	PlanWriteRetries int `env:"PLAN_WRITE_RETRIES" envDefault:"5"`
}

// QueueConfig selects and tunes the durable scoring queue.
type QueueConfig struct {
	Kind         string        `env:"SCORING_QUEUE" envDefault:"outbox"`
	RabbitMQURL  string        `env:"RABBITMQ_URL"`
	Name         string        `env:"SCORING_QUEUE_NAME" envDefault:"livepanel.scoring"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	Lease        time.Duration `env:"WORKER_LEASE" envDefault:"2m"`
	MaxAttempts  int           `env:"WORKER_MAX_ATTEMPTS" envDefault:"8"`
}

// RateLimitConfig bounds mutating requests per identity.
type RateLimitConfig struct {
	RPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	Burst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// TimerConfig controls the round auto-submit scheduler.
type TimerConfig struct {
	Enabled  bool          `env:"ROUND_TIMER_ENABLED" envDefault:"true"`
	Interval time.Duration `env:"ROUND_TIMER_INTERVAL" envDefault:"15s"`
	Grace    time.Duration `env:"ROUND_TIMER_GRACE" envDefault:"30s"`
}

// Queue kinds.
const (
	QueueOutbox = "outbox"
	QueueAMQP   = "amqp"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Evaluator.Timeout <= 0 {
		return fmt.Errorf("EVALUATOR_TIMEOUT must be > 0")
	}
	if c.Control.Lookback <= 0 {
		return fmt.Errorf("CONTROL_LOOKBACK must be > 0")
	}
	if c.Scoring.MinResponseChars < 0 {
		return fmt.Errorf("MIN_RESPONSE_CHARS must be >= 0")
	}
	if c.Scoring.PlanWriteRetries <= 0 {
		return fmt.Errorf("PLAN_WRITE_RETRIES must be > 0")
	}
	switch c.Queue.Kind {
	case QueueOutbox:
	case QueueAMQP:
		if c.Queue.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when SCORING_QUEUE=amqp")
		}
	default:
		return fmt.Errorf("SCORING_QUEUE must be %q or %q, got %q", QueueOutbox, QueueAMQP, c.Queue.Kind)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be > 0")
	}
	if c.Queue.PollInterval <= 0 || c.Queue.Lease <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL and WORKER_LEASE must be > 0")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.Timer.Enabled && (c.Timer.Interval <= 0 || c.Timer.Grace < 0) {
		return fmt.Errorf("ROUND_TIMER_INTERVAL must be > 0 and ROUND_TIMER_GRACE >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
