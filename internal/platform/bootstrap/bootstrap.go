// Package bootstrap starts the shared process stack of every binary:
// configuration, logging, telemetry, the broker and the optional database.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/messaging"
	"github.com/tasksync/project/internal/platform/config"
	"github.com/tasksync/project/internal/platform/dbpool"
	"github.com/tasksync/project/internal/platform/httpx"
	"github.com/tasksync/project/internal/platform/logger"
	"github.com/tasksync/project/internal/platform/telemetry"
)

type Runtime struct {
	Config config.Config
	Broker messaging.Broker
	// Pool is nil when STORAGE_DRIVER=memory.
	Pool   *pgxpool.Pool
	Checks []httpx.Check

	telemetry *telemetry.Telemetry
}

func Start(ctx context.Context, service config.Service) (*Runtime, error) {
	cfg, err := config.Load(service)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg)

	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, telemetry: tel}

	rt.Broker, err = messaging.Open(ctx, cfg.Broker, messaging.OpenOptions{
		ClientName:  cfg.Consumer.Name,
		Topics:      contracts.AllTopics(),
		AckWait:     ackWait(cfg.Consumer),
		PollTimeout: cfg.Consumer.PollTimeout,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Checks = append(rt.Checks, func(ctx context.Context) error {
		return messaging.CheckHealth(ctx, rt.Broker)
	})

	if cfg.StorageDriver == config.StoragePostgres {
		rt.Pool, err = dbpool.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Checks = append(rt.Checks, rt.Pool.Ping)
	}

	slog.InfoContext(ctx, "service starting",
		"service", cfg.Service,
		"env", cfg.Env,
		"broker", cfg.Broker.Driver,
		"storage", cfg.StorageDriver,
	)
	return rt, nil
}

// EnsureSchema runs fn when a database is configured.
func (rt *Runtime) EnsureSchema(ctx context.Context, fns ...func(context.Context) error) error {
	if rt.Pool == nil {
		return nil
	}
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) Publisher() *messaging.Publisher {
	return messaging.NewPublisher(rt.Broker, messaging.PublisherConfig{
		Producer:    string(rt.Config.Service),
		Timeout:     rt.Config.Publisher.Timeout,
		MaxAttempts: rt.Config.Publisher.MaxAttempts,
		Backoff:     messaging.Backoff{Base: rt.Config.Consumer.RetryBase, Max: rt.Config.Consumer.RetryMax},
	})
}

func (rt *Runtime) Consumer(topics []string, router *messaging.Router) *messaging.Consumer {
	c := rt.Config.Consumer
	return messaging.NewConsumer(rt.Broker, messaging.ConsumerConfig{
		Group:          c.Group,
		Topics:         topics,
		MaxAttempts:    c.MaxAttempts,
		Backoff:        messaging.Backoff{Base: c.RetryBase, Max: c.RetryMax},
		PollTimeout:    c.PollTimeout,
		HandlerTimeout: c.HandlerTimeout,
		BatchSize:      c.BatchSize,
	}, router, rt.Publisher())
}

// Close releases everything Start acquired, in reverse order.
func (rt *Runtime) Close() {
	if rt.Pool != nil {
		rt.Pool.Close()
	}
	if rt.Broker != nil {
		if err := rt.Broker.Close(); err != nil && !errors.Is(err, messaging.ErrBrokerClosed) {
			slog.Warn("broker close failed", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.telemetry.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}

// ackWait must outlast every in-place retry of a whole fetched batch: the
// last delivery of a batch waits for all earlier ones, otherwise the broker
// redelivers a message that is still queued locally.
func ackWait(c config.ConsumerConfig) time.Duration {
	attempts := time.Duration(max(c.MaxAttempts, 1))
	batch := time.Duration(max(c.BatchSize, 1))
	return batch*attempts*(c.HandlerTimeout+c.RetryMax) + 30*time.Second
}
