package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker maps each topic to one Redis stream. A stream is a single
// ordered log, which is stricter than per-key ordering.
type RedisBroker struct {
	client   *redis.Client
	consumer string
	minIdle  time.Duration
	maxLen   int64
}

type RedisConfig struct {
	// Consumer names this process inside every group.
	Consumer string
	// ClaimIdle is how long a message may stay pending on a dead consumer
	// before another consumer claims it.
	ClaimIdle time.Duration
	// MaxLen caps each stream approximately; zero keeps everything.
	MaxLen int64
}

func NewRedisBroker(client *redis.Client, cfg RedisConfig) *RedisBroker {
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	return &RedisBroker{client: client, consumer: cfg.Consumer, minIdle: cfg.ClaimIdle, maxLen: cfg.MaxLen}
}

func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: msg.Topic,
		Values: map[string]any{
			"key":     msg.Key,
			"id":      msg.ID,
			"data":    string(msg.Data),
			"headers": string(headers),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", msg.Topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	// Starting from "0" means a new group sees everything already in the stream.
	if err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return &redisSubscription{broker: b, topic: topic, group: group, pendingFirst: true}, nil
}

// Check pings Redis.
func (b *RedisBroker) Check(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	broker *RedisBroker
	topic  string
	group  string
	// pendingFirst re-reads this consumer's own unacked entries before new ones.
	pendingFirst bool
}

func (s *redisSubscription) Fetch(ctx context.Context, limit int) ([]Delivery, error) {
	if s.pendingFirst {
		msgs, err := s.read(ctx, "0", limit, -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return s.deliveries(ctx, msgs, true), nil
		}
		s.pendingFirst = false
	}

	claimed, _, err := s.broker.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.topic,
		Group:    s.group,
		Consumer: s.broker.consumer,
		MinIdle:  s.broker.minIdle,
		Start:    "0-0",
		Count:    int64(limit),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isTimeout(ctx, err) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim (stream=%s): %w", s.topic, err)
	}
	if len(claimed) > 0 {
		return s.deliveries(ctx, claimed, true), nil
	}

	block := time.Second
	if dl, ok := ctx.Deadline(); ok {
		block = max(time.Until(dl)-10*time.Millisecond, time.Millisecond)
	}
	msgs, err := s.read(ctx, ">", limit, block)
	if err != nil {
		return nil, err
	}
	return s.deliveries(ctx, msgs, false), nil
}

func (s *redisSubscription) read(ctx context.Context, id string, count int, block time.Duration) ([]redis.XMessage, error) {
	streams, err := s.broker.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.broker.consumer,
		Streams:  []string{s.topic, id},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isTimeout(ctx, err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}
	var out []redis.XMessage
	for _, stream := range streams {
		out = append(out, stream.Messages...)
	}
	return out, nil
}

func (s *redisSubscription) deliveries(ctx context.Context, msgs []redis.XMessage, redelivered bool) []Delivery {
	retries := map[string]int64{}
	if redelivered && len(msgs) > 0 {
		pending, err := s.broker.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.topic,
			Group:  s.group,
			Start:  msgs[0].ID,
			End:    msgs[len(msgs)-1].ID,
			Count:  int64(len(msgs)),
		}).Result()
		if err == nil {
			for _, p := range pending {
				retries[p.ID] = p.RetryCount
			}
		}
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		d := s.delivery(m)
		if n, ok := retries[m.ID]; ok && n > 0 {
			d.Attempt = int(n)
		}
		out = append(out, d)
	}
	return out
}

func (s *redisSubscription) delivery(m redis.XMessage) Delivery {
	headers := map[string]string{}
	if raw, ok := m.Values["headers"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &headers)
	}
	data, _ := m.Values["data"].(string)
	key, _ := m.Values["key"].(string)
	eventID, _ := m.Values["id"].(string)

	ack := func(ctx context.Context) error {
		if err := s.broker.client.XAck(ctx, s.topic, s.group, m.ID).Err(); err != nil {
			return fmt.Errorf("xack (stream=%s): %w", s.topic, err)
		}
		return nil
	}
	return Delivery{
		Message: Message{Topic: s.topic, Key: key, ID: eventID, Data: []byte(data), Headers: headers},
		Attempt: 1,
		ack:     ack,
		// The entry stays pending and is re-read from "0" on the next fetch.
		nak: func(context.Context) error {
			s.pendingFirst = true
			return nil
		},
		term: ack,
	}
}

func (s *redisSubscription) Close() error { return nil }

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded))
}
