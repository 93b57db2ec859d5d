package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/tasksync/project/internal/contracts"
	"github.com/tasksync/project/internal/platform/logger"
	"github.com/tasksync/project/internal/platform/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tasksync/project/internal/messaging"

// PublishError means the local mutation committed but its event did not
// reach the broker. Callers must surface it.
type PublishError struct {
	Topic     string
	EventName string
	EventID   string
	Key       string
	Attempts  int
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s (key=%s event_id=%s) failed after %d attempt(s): %v",
		e.EventName, e.Topic, e.Key, e.EventID, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type PublisherConfig struct {
	// Producer is written into every envelope, normally the service name.
	Producer    string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     Backoff
}

type Publisher struct {
	broker Broker
	cfg    PublisherConfig

	Now   func() time.Time
	NewID func() string

	mu sync.Mutex
}

func NewPublisher(b Broker, cfg PublisherConfig) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Publisher{
		broker: b,
		cfg:    cfg,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  nuid.Next,
	}
}

// Publish appends one event to topic, partitioned by key. Calls from one
// Publisher reach the wire in call order.
func (p *Publisher) Publish(ctx context.Context, topic, key, eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventName, err)
	}

	eventID := p.NewID()
	raw, err := EncodeEnvelope(Envelope{
		ID:         eventID,
		Name:       eventName,
		OccurredAt: p.Now(),
		Producer:   p.cfg.Producer,
		Data:       data,
	})
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", eventID),
			attribute.String("sync.event_name", eventName),
		))
	defer span.End()

	headers := map[string]string{HeaderKey: key, HeaderEventName: eventName}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	msg := Message{Topic: topic, Key: key, ID: eventID, Data: raw, Headers: headers}

	p.mu.Lock()
	attempts, err := p.send(ctx, msg)
	p.mu.Unlock()

	if err != nil {
		pubErr := &PublishError{Topic: topic, EventName: eventName, EventID: eventID, Key: key, Attempts: attempts, Err: err}
		span.RecordError(pubErr)
		span.SetStatus(codes.Error, "publish failed")
		metrics.EventsPublished.Inc(topic, eventName, "error")
		lctx := logger.WithLogFields(ctx, logger.LogFields{Topic: topic, EventName: eventName, EventID: eventID, EntityID: key})
		slog.ErrorContext(lctx, "event not published after local commit", "attempts", attempts, "error", err)
		return pubErr
	}
	metrics.EventsPublished.Inc(topic, eventName, "ok")
	return nil
}

// PublishEvent publishes a derived or direct contracts.Event.
func (p *Publisher) PublishEvent(ctx context.Context, ev contracts.Event) error {
	return p.Publish(ctx, ev.Topic, ev.Key, ev.Name, ev.Payload)
}

// PublishAll publishes events in order and stops at the first failure.
func (p *Publisher) PublishAll(ctx context.Context, events []contracts.Event) error {
	for _, ev := range events {
		if err := p.PublishEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// PublishRaw hands an already encoded message to the broker with the same
// timeout and retry policy. Used for dead-lettering.
func (p *Publisher) PublishRaw(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.send(ctx, msg)
	return err
}

func (p *Publisher) send(ctx context.Context, msg Message) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		lastErr = p.broker.Publish(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			return attempt, nil
		}
		if errors.Is(lastErr, ErrBrokerClosed) || ctx.Err() != nil || attempt == p.cfg.MaxAttempts {
			return attempt, lastErr
		}
		slog.WarnContext(ctx, "publish attempt failed", "topic", msg.Topic, "event_id", msg.ID, "attempt", attempt, "error", lastErr)
		if err := sleepCtx(ctx, p.cfg.Backoff.Delay(attempt)); err != nil {
			return attempt, lastErr
		}
	}
	return p.cfg.MaxAttempts, lastErr
}
