// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	WebhookPort int    `yaml:"webhook_port"`
	AuthSecret  string `yaml:"auth_secret"`  // HMAC secret shared with the auth service
	WebhookKey  string `yaml:"webhook_key"`  // bearer key for the payment webhook
	PublicBase  string `yaml:"public_base"`  // public URL for exposing image refs to the provider
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"` // global fallback; users may store their own
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxPollTime    time.Duration `yaml:"max_poll_time"`
	Noop           bool          `yaml:"noop"` // dev mode: fake provider
}

type WorkerConfig struct {
	GlobalConcurrency int `yaml:"global_concurrency"` // max in-flight provider calls
	PerBatch          int `yaml:"per_batch"`          // max in-flight tasks per batch
	QueueBacklog      int `yaml:"queue_backlog"`      // soft queue capacity
}

type LimitsConfig struct {
	MaxBatchesPerMinute int           `yaml:"max_batches_per_minute"`
	IdempotencyWindow   time.Duration `yaml:"idempotency_window"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 32 bytes, AES-256-GCM for stored provider keys
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Provider ProviderConfig `yaml:"provider"`
	Worker   WorkerConfig   `yaml:"worker"`
	Limits   LimitsConfig   `yaml:"limits"`
	Security SecurityConfig `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8888
	}
	if cfg.Server.WebhookPort == 0 {
		cfg.Server.WebhookPort = cfg.Server.Port + 1
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 10
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://yunwu.ai/v1"
	}
	if cfg.Provider.RequestTimeout <= 0 {
		cfg.Provider.RequestTimeout = 5 * time.Minute
	}
	if cfg.Provider.PollInterval <= 0 {
		cfg.Provider.PollInterval = 3 * time.Second
	}
	if cfg.Provider.MaxPollTime <= 0 {
		cfg.Provider.MaxPollTime = 15 * time.Minute
	}
	if cfg.Worker.GlobalConcurrency <= 0 {
		cfg.Worker.GlobalConcurrency = 10
	}
	if cfg.Worker.PerBatch <= 0 || cfg.Worker.PerBatch > 10 {
		cfg.Worker.PerBatch = 10
	}
	if cfg.Worker.QueueBacklog <= 0 {
		cfg.Worker.QueueBacklog = 1000
	}
	if cfg.Limits.MaxBatchesPerMinute <= 0 {
		cfg.Limits.MaxBatchesPerMinute = 10
	}
	if cfg.Limits.IdempotencyWindow <= 0 {
		cfg.Limits.IdempotencyWindow = time.Minute
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Server.AuthSecret == "" {
		return nil, errors.New("server.auth_secret is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
