package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tasksync/project/internal/platform/natsutil"
	"github.com/tasksync/project/internal/sharding"
)

// EnsureStreams creates (or validates) one stream per topic. Each stream
// owns the subjects {topic_root}.> so every key of a topic shares one log.
func EnsureStreams(js nats.JetStreamContext, topics []string) error {
	for _, topic := range topics {
		name := sharding.StreamName(topic)
		if _, err := js.StreamInfo(name); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				return err
			}
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:       name,
				Subjects:   []string{sharding.Wildcard(topic)},
				Retention:  nats.LimitsPolicy,
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: 2 * time.Minute,
			}); addErr != nil {
				return fmt.Errorf("add stream %s: %w", name, addErr)
			}
		}
	}
	return nil
}

type JetStreamBroker struct {
	client  *natsutil.Client
	js      nats.JetStreamContext
	ackWait time.Duration
}

// NewJetStreamBroker provisions streams for topics. The broker owns client
// and drains it on Close.
func NewJetStreamBroker(client *natsutil.Client, topics []string, ackWait time.Duration) (*JetStreamBroker, error) {
	if err := EnsureStreams(client.JS, topics); err != nil {
		return nil, err
	}
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	return &JetStreamBroker{client: client, js: client.JS, ackWait: ackWait}, nil
}

// Check reports whether the NATS connection is usable.
func (b *JetStreamBroker) Check(context.Context) error {
	if b.client.Conn == nil {
		return errors.New("nats connection is nil")
	}
	if status := b.client.Conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", status.String())
	}
	return nil
}

func (b *JetStreamBroker) Publish(ctx context.Context, msg Message) error {
	nm := nats.NewMsg(sharding.Subject(msg.Topic, msg.Key))
	nm.Data = msg.Data
	for k, v := range msg.Headers {
		nm.Header.Set(k, v)
	}
	nm.Header.Set(HeaderKey, msg.Key)

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msg.ID != "" {
		opts = append(opts, nats.MsgId(msg.ID))
	}
	_, err := b.js.PublishMsg(nm, opts...)
	return err
}

// Subscribe binds a pull subscription to the durable consumer named after
// group, creating it on first use. A new group starts from the first message
// in the stream. Bound subscriptions leave the consumer in place on Close.
func (b *JetStreamBroker) Subscribe(_ context.Context, topic, group string) (Subscription, error) {
	stream := sharding.StreamName(topic)
	if _, err := b.js.ConsumerInfo(stream, group); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return nil, fmt.Errorf("consumer info %s/%s: %w", stream, group, err)
		}
		if _, err := b.js.AddConsumer(stream, &nats.ConsumerConfig{
			Durable:       group,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       b.ackWait,
			DeliverPolicy: nats.DeliverAllPolicy,
			FilterSubject: sharding.Wildcard(topic),
		}); err != nil {
			return nil, fmt.Errorf("add consumer %s/%s: %w", stream, group, err)
		}
	}

	sub, err := b.js.PullSubscribe("", group, nats.Bind(stream, group), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", topic, err)
	}
	return &jetStreamSubscription{sub: sub, topic: topic}, nil
}

func (b *JetStreamBroker) Close() error {
	b.client.Close()
	return nil
}

type jetStreamSubscription struct {
	sub   *nats.Subscription
	topic string
}

func (s *jetStreamSubscription) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	msgs, err := s.sub.Fetch(max, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil, ErrBrokerClosed
		}
		return nil, err
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.delivery(m))
	}
	return out, nil
}

func (s *jetStreamSubscription) delivery(m *nats.Msg) Delivery {
	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}
	attempt := 1
	if meta, err := m.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	return Delivery{
		Message: Message{
			Topic:   s.topic,
			Key:     m.Header.Get(HeaderKey),
			ID:      m.Header.Get(nats.MsgIdHdr),
			Data:    m.Data,
			Headers: headers,
		},
		Attempt: attempt,
		ack:     func(ctx context.Context) error { return m.Ack(nats.Context(ctx)) },
		nak:     func(ctx context.Context) error { return m.Nak(nats.Context(ctx)) },
		term:    func(ctx context.Context) error { return m.Term(nats.Context(ctx)) },
	}
}

func (s *jetStreamSubscription) Close() error {
	return s.sub.Unsubscribe()
}
