package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tasksync/project/internal/platform/config"
	"github.com/tasksync/project/internal/platform/natsutil"
)

type OpenOptions struct {
	// ClientName identifies this process to the broker (consumer name).
	ClientName string
	Topics     []string
	// AckWait bounds how long a delivery may stay unsettled before the
	// broker hands it to another consumer.
	AckWait     time.Duration
	PollTimeout time.Duration
}

// Open connects the broker selected by cfg.Driver.
func Open(ctx context.Context, cfg config.BrokerConfig, opts OpenOptions) (Broker, error) {
	switch cfg.Driver {
	case config.BrokerJetStream:
		client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, opts.ClientName, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		b, err := NewJetStreamBroker(client, opts.Topics, opts.AckWait)
		if err != nil {
			client.Close()
			return nil, err
		}
		return b, nil

	case config.BrokerRedis:
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts.DialTimeout = 5 * time.Second
		ropts.WriteTimeout = 3 * time.Second
		client := redis.NewClient(ropts)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisBroker(client, RedisConfig{Consumer: opts.ClientName, ClaimIdle: opts.AckWait}), nil

	case config.BrokerKafka:
		return NewKafkaBroker(KafkaConfig{Brokers: cfg.KafkaBrokers, MaxWait: opts.PollTimeout}), nil

	case config.BrokerMemory:
		return NewMemoryBroker(), nil

	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Driver)
	}
}
