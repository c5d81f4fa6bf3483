package main

import (
	"fmt"
	"os"
	"time"

	"blastpit/internal/analysis/service"
	"blastpit/internal/common/cache"
	"blastpit/internal/common/mq"
	"blastpit/internal/common/storage"
	"blastpit/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultTaskTopic     = "analysis.tasks"
	defaultReportTopic   = "analysis.reports"
	defaultConsumerGroup = "analysis-workers"
	defaultJWTIssuer     = "blastpit"

	jwtSecretEnv = "BLASTPIT_JWT_SECRET"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig holds token verification settings. The secret may come
// from the config file or the BLASTPIT_JWT_SECRET environment
// variable; the environment wins.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// SandboxConfig holds instance registry limits.
type SandboxConfig struct {
	MaxInstances int   `yaml:"maxInstances"`
	MaxCodeBytes int64 `yaml:"maxCodeBytes"`
}

// HardeningConfig holds host lockdown settings applied at startup.
type HardeningConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ProfilePath string `yaml:"profilePath"`
}

// ConsumerConfig holds task topic consumer settings.
type ConsumerConfig struct {
	ConsumerGroup   string        `yaml:"consumerGroup"`
	PrefetchCount   int           `yaml:"prefetchCount"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	InFlightLimit   int           `yaml:"inFlightLimit"`
}

func (c ConsumerConfig) toSubscribeOptions() mq.SubscribeOptions {
	opts := mq.SubscribeOptions{
		ConsumerGroup:   c.ConsumerGroup,
		PrefetchCount:   c.PrefetchCount,
		Concurrency:     c.Concurrency,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		DeadLetterTopic: c.DeadLetterTopic,
	}
	if c.InFlightLimit > 0 {
		opts.Limiter = mq.NewTokenLimiter(c.InFlightLimit)
	}
	return opts
}

// AnalysisConfig holds detonation pipeline settings.
type AnalysisConfig struct {
	TaskTopic       string                `yaml:"taskTopic"`
	ReportTopic     string                `yaml:"reportTopic"`
	SampleBucket    string                `yaml:"sampleBucket"`
	SampleKeyPrefix string                `yaml:"sampleKeyPrefix"`
	MaxSampleBytes  int64                 `yaml:"maxSampleBytes"`
	MaxConcurrent   int                   `yaml:"maxConcurrent"`
	AcquireTimeout  time.Duration         `yaml:"acquireTimeout"`
	DedupeTTL       time.Duration         `yaml:"dedupeTTL"`
	DeleteSamples   bool                  `yaml:"deleteSamples"`
	RecordTTL       time.Duration         `yaml:"recordTTL"`
	RecordIndexCap  int64                 `yaml:"recordIndexCap"`
	EventFeedCap    int64                 `yaml:"eventFeedCap"`
	Consumer        ConsumerConfig        `yaml:"consumer"`
	Timeouts        service.TimeoutConfig `yaml:"timeouts"`
}

// AppConfig holds analysis-service configuration.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Kafka     mq.KafkaConfig      `yaml:"kafka"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Auth      AuthConfig          `yaml:"auth"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Hardening HardeningConfig     `yaml:"hardening"`
	Analysis  AnalysisConfig      `yaml:"analysis"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.MinIO.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if secret := os.Getenv(jwtSecretEnv); secret != "" {
		cfg.Auth.Secret = secret
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth secret is required (set auth.secret or %s)", jwtSecretEnv)
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = defaultJWTIssuer
	}

	applyRedisDefaults(&cfg.Redis)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Analysis.TaskTopic == "" {
		cfg.Analysis.TaskTopic = defaultTaskTopic
	}
	if cfg.Analysis.ReportTopic == "" {
		cfg.Analysis.ReportTopic = defaultReportTopic
	}
	if cfg.Analysis.SampleBucket == "" {
		cfg.Analysis.SampleBucket = cfg.MinIO.Bucket
	}
	if cfg.Analysis.Consumer.ConsumerGroup == "" {
		cfg.Analysis.Consumer.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Analysis.Consumer.InFlightLimit == 0 && cfg.Analysis.MaxConcurrent > 0 {
		cfg.Analysis.Consumer.InFlightLimit = cfg.Analysis.MaxConcurrent
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
