package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/tasksync/project/internal/platform/env"
)

type Service string

const (
	ServiceIdentity    Service = "identity-api"
	ServiceTaskTracker Service = "task-tracker"
	ServiceTaskLedger  Service = "task-ledger"
)

const (
	BrokerJetStream = "jetstream"
	BrokerRedis     = "redis"
	BrokerKafka     = "kafka"
	BrokerMemory    = "memory"

	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Service         Service
	Env             string
	HTTPAddr        string
	DatabaseURL     string
	StorageDriver   string
	JWTSecret       string
	JWTTTL          time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigin   string
	// AdminEmails are granted the admin role when they register.
	AdminEmails []string

	Broker    BrokerConfig
	Consumer  ConsumerConfig
	Publisher PublisherConfig
	OTel      OTelConfig
}

type BrokerConfig struct {
	Driver         string
	NATSURL        string
	RedisURL       string
	KafkaBrokers   []string
	ConnectTimeout time.Duration
}

type ConsumerConfig struct {
	Group          string
	Name           string
	MaxAttempts    int
	BatchSize      int
	PollTimeout    time.Duration
	HandlerTimeout time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
}

type PublisherConfig struct {
	Timeout     time.Duration
	MaxAttempts int
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// Load reads configuration for one binary. In development .env.<service> is
// loaded first, falling back to .env; real environment variables always win.
func Load(service Service) (Config, error) {
	if env.String("APP_ENV", "development") == "development" {
		if err := godotenv.Load(fmt.Sprintf(".env.%s", service)); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = string(service)
	}

	cfg := Config{
		Service:         service,
		Env:             env.String("APP_ENV", "development"),
		HTTPAddr:        env.String("HTTP_ADDR", defaultAddr(service)),
		DatabaseURL:     env.String("DATABASE_URL", env.DefaultDatabaseURL),
		StorageDriver:   env.String("STORAGE_DRIVER", StoragePostgres),
		JWTSecret:       env.String("JWT_SECRET", "dev-insecure-change-me"),
		JWTTTL:          env.Duration("JWT_TTL", 24*time.Hour),
		ShutdownTimeout: env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		AllowedOrigin:   env.String("CORS_ALLOWED_ORIGIN", "*"),
		AdminEmails:     env.List("ADMIN_EMAILS", ""),
		Broker: BrokerConfig{
			Driver:         env.String("BROKER", BrokerJetStream),
			NATSURL:        env.String("NATS_URL", env.DefaultNATSURL),
			RedisURL:       env.String("REDIS_URL", env.DefaultRedisURL),
			KafkaBrokers:   env.List("KAFKA_BROKERS", env.DefaultKafkaBrokers),
			ConnectTimeout: env.Duration("BROKER_CONNECT_TIMEOUT", 30*time.Second),
		},
		Consumer: ConsumerConfig{
			Group:          env.String("CONSUMER_GROUP", string(service)),
			Name:           env.String("CONSUMER_NAME", hostname),
			MaxAttempts:    env.Int("CONSUMER_MAX_ATTEMPTS", 5),
			BatchSize:      env.Int("CONSUMER_BATCH_SIZE", 16),
			PollTimeout:    env.Duration("CONSUMER_POLL_TIMEOUT", 2*time.Second),
			HandlerTimeout: env.Duration("CONSUMER_HANDLER_TIMEOUT", 5*time.Second),
			RetryBase:      env.Duration("CONSUMER_RETRY_BASE", 200*time.Millisecond),
			RetryMax:       env.Duration("CONSUMER_RETRY_MAX", 5*time.Second),
		},
		Publisher: PublisherConfig{
			Timeout:     env.Duration("PUBLISH_TIMEOUT", 3*time.Second),
			MaxAttempts: env.Int("PUBLISH_MAX_ATTEMPTS", 3),
		},
		OTel: OTelConfig{
			Endpoint:       env.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        env.String("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    env.String("OTEL_SERVICE_NAME", string(service)),
			ServiceVersion: env.String("OTEL_SERVICE_VERSION", "dev"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Broker.Driver {
	case BrokerJetStream, BrokerRedis, BrokerKafka, BrokerMemory:
	default:
		return fmt.Errorf("unsupported BROKER %q", c.Broker.Driver)
	}
	switch c.StorageDriver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.IsProduction() && c.JWTSecret == "dev-insecure-change-me" {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.Consumer.MaxAttempts <= 0 {
		return errors.New("CONSUMER_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func defaultAddr(service Service) string {
	switch service {
	case ServiceTaskTracker:
		return ":8081"
	case ServiceTaskLedger:
		return ":8082"
	default:
		return ":8080"
	}
}
