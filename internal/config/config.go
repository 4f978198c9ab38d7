package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the tenant client manager
type Config struct {
	Manager  ManagerConfig
	Store    StoreConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Server   ServerConfig
	Logging  LoggingConfig
	Platform PlatformConfig

	// EncryptionKey is the base64 encoded 32 byte AES key
	EncryptionKey string `env:"ENCRYPTION_KEY,required,notEmpty"`
}

// ManagerConfig sizes the instance cache and the defaults for new instances
type ManagerConfig struct {
	MaxActiveInstances           int           `env:"MAX_ACTIVE_INSTANCES" envDefault:"100"`
	IdleTimeoutMinutes           int           `env:"IDLE_TIMEOUT_MINUTES" envDefault:"30"`
	SweepInterval                time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	DefaultRateLimitRPS          float64       `env:"DEFAULT_RATE_LIMIT_RPS" envDefault:"1"`
	DefaultMaxConcurrentRequests int           `env:"DEFAULT_MAX_CONCURRENT_REQUESTS" envDefault:"5"`
	ShutdownTimeout              time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	InitTimeout                  time.Duration `env:"INIT_TIMEOUT" envDefault:"30s"`
	ValidationQueueSize          int           `env:"VALIDATION_QUEUE_SIZE" envDefault:"64"`
}

// IdleTimeout returns the idle eviction threshold
func (c ManagerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
}

type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	CacheTTL time.Duration `env:"CREDENTIAL_CACHE_TTL" envDefault:"10m"`
}

type KafkaConfig struct {
	Brokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	StatusTopic string   `env:"KAFKA_STATUS_TOPIC" envDefault:"tenant.credentials.status"`
}

type ServerConfig struct {
	HTTPPort int `env:"HTTP_PORT" envDefault:"8081"`
	GRPCPort int `env:"GRPC_PORT" envDefault:"50051"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

type PlatformConfig struct {
	// BotAPIURL points the bot client at a self-hosted Bot API server
	BotAPIURL string `env:"BOT_API_URL"`
}

// Load reads a .env file when present, then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	if c.Manager.MaxActiveInstances < 1 {
		errs = append(errs, errors.New("MAX_ACTIVE_INSTANCES must be at least 1"))
	}
	if c.Manager.IdleTimeoutMinutes < 1 {
		errs = append(errs, errors.New("IDLE_TIMEOUT_MINUTES must be at least 1"))
	}
	if c.Manager.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.Manager.DefaultRateLimitRPS < 0 {
		errs = append(errs, errors.New("DEFAULT_RATE_LIMIT_RPS must not be negative"))
	}
	if c.Manager.DefaultMaxConcurrentRequests < 1 {
		errs = append(errs, errors.New("DEFAULT_MAX_CONCURRENT_REQUESTS must be at least 1"))
	}
	if c.Manager.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.Manager.InitTimeout <= 0 {
		errs = append(errs, errors.New("INIT_TIMEOUT must be positive"))
	}

	switch strings.ToLower(c.Store.Driver) {
	case StoreDriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.StatusTopic == "" {
		errs = append(errs, errors.New("KAFKA_STATUS_TOPIC is required when KAFKA_BROKERS is set"))
	}
	return errors.Join(errs...)
}
