package messaging

import (
	"context"
	"errors"
	"maps"
)

// Header names carried next to the payload on every transport.
const (
	HeaderKey       = "Sync-Key"
	HeaderEventName = "Sync-Event"
	HeaderDLQError  = "Sync-Dlq-Error"
	HeaderDLQSource = "Sync-Dlq-Source"
	HeaderDLQGroup  = "Sync-Dlq-Group"
	HeaderDLQTries  = "Sync-Dlq-Attempts"
)

var ErrBrokerClosed = errors.New("broker closed")

// Message is one record on a topic. Key is the partition key: all messages
// with the same key are delivered in publish order.
type Message struct {
	Topic   string
	Key     string
	ID      string
	Data    []byte
	Headers map[string]string
}

// Delivery is a received message that must be settled exactly once with
// Ack, Nak or Term.
type Delivery struct {
	Message
	// Attempt counts deliveries of this message to the group, starting at 1.
	Attempt int

	ack  func(context.Context) error
	nak  func(context.Context) error
	term func(context.Context) error
}

// Ack marks the message as applied.
func (d Delivery) Ack(ctx context.Context) error { return settle(ctx, d.ack) }

// Nak asks the broker to redeliver the message.
func (d Delivery) Nak(ctx context.Context) error { return settle(ctx, d.nak) }

// Term drops a message that can never be applied.
func (d Delivery) Term(ctx context.Context) error { return settle(ctx, d.term) }

func settle(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// Broker is a partitioned, at-least-once log. Subscriptions sharing a group
// share one position on the topic.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
	Close() error
}

// HealthChecker is implemented by brokers that can report connectivity.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// CheckHealth returns nil for brokers without a health check.
func CheckHealth(ctx context.Context, b Broker) error {
	if hc, ok := b.(HealthChecker); ok {
		return hc.Check(ctx)
	}
	return nil
}

// Subscription yields deliveries for one topic and group. Fetch returns an
// empty batch, not an error, when nothing arrived before ctx's deadline.
type Subscription interface {
	Fetch(ctx context.Context, max int) ([]Delivery, error)
	Close() error
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	maps.Copy(out, h)
	return out
}
