package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/platform/logger"
	"github.com/tasksync/project/internal/platform/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Handler applies one event locally. Returning nil acknowledges the message.
type Handler func(ctx context.Context, env Envelope) error

// ApplyError is a handler failure. The message is retried, then dead-lettered.
type ApplyError struct {
	Topic     string
	EventName string
	EventID   string
	Attempt   int
	Err       error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s from %s (event_id=%s attempt=%d): %v", e.EventName, e.Topic, e.EventID, e.Attempt, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Router dispatches envelopes by event name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

func (r *Router) Handle(eventName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventName] = h
}

func (r *Router) lookup(eventName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventName]
	return h, ok
}

type ConsumerConfig struct {
	Group          string
	Topics         []string
	MaxAttempts    int
	Backoff        Backoff
	PollTimeout    time.Duration
	HandlerTimeout time.Duration
	BatchSize      int
}

// DeadLetterer receives messages that exhausted their attempts.
type DeadLetterer interface {
	PublishRaw(ctx context.Context, msg Message) error
}

type Consumer struct {
	broker Broker
	cfg    ConsumerConfig
	router *Router
	dlq    DeadLetterer
	locks  *KeyLock
}

// NewConsumer builds a consumer loop. Dead-lettered messages are published
// through dlq; a nil dlq publishes directly on the broker.
func NewConsumer(b Broker, cfg ConsumerConfig, router *Router, dlq DeadLetterer) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if dlq == nil {
		dlq = brokerDeadLetterer{b}
	}
	return &Consumer{broker: b, cfg: cfg, router: router, dlq: dlq, locks: NewKeyLock()}
}

type brokerDeadLetterer struct{ b Broker }

func (d brokerDeadLetterer) PublishRaw(ctx context.Context, msg Message) error {
	return d.b.Publish(ctx, msg)
}

// Run consumes every configured topic until ctx is cancelled. Each topic is
// handled sequentially; different topics run concurrently but never touch
// the same partition key at the same time.
func (c *Consumer) Run(ctx context.Context) error {
	subs := make([]Subscription, 0, len(c.cfg.Topics))
	defer func() {
		for _, s := range subs {
			_ = s.Close()
		}
	}()
	for _, topic := range c.cfg.Topics {
		sub, err := c.broker.Subscribe(ctx, topic, c.cfg.Group)
		if err != nil {
			return fmt.Errorf("subscribe %s as %s: %w", topic, c.cfg.Group, err)
		}
		subs = append(subs, sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		topic := c.cfg.Topics[i]
		g.Go(func() error {
			return c.consume(gctx, topic, sub)
		})
	}
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, topic string, sub Subscription) error {
	lctx := logger.WithLogFields(ctx, logger.LogFields{Component: "messaging.consumer", Topic: topic})
	slog.InfoContext(lctx, "consumer started", "group", c.cfg.Group)
	failures := 0
	for {
		if ctx.Err() != nil {
			slog.InfoContext(lctx, "consumer stopped")
			return nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		batch, err := sub.Fetch(pollCtx, c.cfg.BatchSize)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrBrokerClosed) {
				return err
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				failures++
				slog.WarnContext(lctx, "fetch failed", "error", err, "consecutive_failures", failures)
				_ = sleepCtx(ctx, c.cfg.Backoff.Delay(failures))
			}
			continue
		}
		failures = 0

		for i, d := range batch {
			if ctx.Err() != nil {
				c.release(batch[i:])
				break
			}
			c.process(ctx, d)
		}
	}
}

// release hands unprocessed deliveries back to the broker on shutdown.
func (c *Consumer) release(rest []Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandlerTimeout)
	defer cancel()
	for _, d := range rest {
		_ = d.Nak(ctx)
	}
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "consume "+d.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.Topic),
			attribute.String("messaging.consumer.group.name", c.cfg.Group),
			attribute.Int("messaging.delivery.attempt", d.Attempt),
		))
	defer span.End()

	metrics.DeliveriesInFlight.Add(1, d.Topic)
	defer metrics.DeliveriesInFlight.Add(-1, d.Topic)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Topic: d.Topic, EntityID: d.Key, EventID: d.ID})

	env, err := Decode(d.Data)
	if err != nil {
		c.drop(ctx, d, "", err)
		return
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventName: env.Name, EventID: env.ID})
	span.SetAttributes(attribute.String("sync.event_name", env.Name))

	h, ok := c.router.lookup(env.Name)
	if !ok {
		slog.InfoContext(ctx, "ignoring unknown event")
		c.settle(ctx, d.Ack, "ack")
		metrics.EventsConsumed.Inc(d.Topic, env.Name, "ignored")
		return
	}

	unlock := c.locks.Lock(d.Key)
	defer unlock()

	attempt := max(d.Attempt, 1)
	for {
		err := c.invoke(ctx, h, env)
		if err == nil {
			c.settle(ctx, d.Ack, "ack")
			metrics.EventsConsumed.Inc(d.Topic, env.Name, "applied")
			return
		}
		if IsDecodeError(err) {
			c.drop(ctx, d, env.Name, err)
			return
		}

		applyErr := &ApplyError{Topic: d.Topic, EventName: env.Name, EventID: env.ID, Attempt: attempt, Err: err}
		span.RecordError(applyErr)
		if attempt >= c.cfg.MaxAttempts {
			span.SetStatus(codes.Error, "dead-lettered")
			c.deadLetter(ctx, d, env, applyErr)
			return
		}

		slog.WarnContext(ctx, "apply failed, retrying", "attempt", attempt, "error", err)
		metrics.HandlerRetries.Inc(d.Topic, env.Name)
		if err := sleepCtx(ctx, c.cfg.Backoff.Delay(attempt)); err != nil {
			c.settle(context.WithoutCancel(ctx), d.Nak, "nak")
			metrics.EventsConsumed.Inc(d.Topic, env.Name, "released")
			return
		}
		attempt++
	}
}

// invoke runs the handler detached from shutdown so an in-flight apply
// drains, bounded by HandlerTimeout. Panics become errors.
func (c *Consumer) invoke(ctx context.Context, h Handler, env Envelope) (err error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(hctx, env)
}

func (c *Consumer) drop(ctx context.Context, d Delivery, eventName string, err error) {
	slog.WarnContext(ctx, "dropping malformed message", "error", err)
	c.settle(ctx, d.Term, "term")
	metrics.EventsConsumed.Inc(d.Topic, eventName, "malformed")
}

func (c *Consumer) deadLetter(ctx context.Context, d Delivery, env Envelope, applyErr *ApplyError) {
	headers := cloneHeaders(d.Headers)
	headers[HeaderDLQError] = applyErr.Err.Error()
	headers[HeaderDLQSource] = d.Topic
	headers[HeaderDLQGroup] = c.cfg.Group
	headers[HeaderDLQTries] = strconv.Itoa(applyErr.Attempt)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()
	msg := Message{Topic: contracts.DeadLetterTopic(d.Topic), Key: d.Key, ID: d.ID, Data: d.Data, Headers: headers}
	if err := c.dlq.PublishRaw(dctx, msg); err != nil {
		slog.ErrorContext(ctx, "dead-letter publish failed, releasing for redelivery", "error", err, "apply_error", applyErr.Err)
		c.settle(dctx, d.Nak, "nak")
		metrics.EventsConsumed.Inc(d.Topic, env.Name, "released")
		return
	}
	slog.ErrorContext(ctx, "message dead-lettered", "attempts", applyErr.Attempt, "error", applyErr.Err)
	c.settle(dctx, d.Ack, "ack")
	metrics.EventsConsumed.Inc(d.Topic, env.Name, "dead_lettered")
}

func (c *Consumer) settle(ctx context.Context, fn func(context.Context) error, op string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		slog.WarnContext(ctx, "settle failed", "op", op, "error", err)
	}
}
