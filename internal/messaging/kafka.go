package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer the broker uses.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReader is the subset of kafka.Reader a subscription uses.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
	MaxWait      time.Duration
}

// KafkaBroker partitions by message key with a hash balancer, so every event
// about one entity lands on the same partition.
type KafkaBroker struct {
	writer    KafkaWriter
	newReader func(topic, group string) KafkaReader
}

func NewKafkaBroker(cfg KafkaConfig) *KafkaBroker {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaBrokerWith(w, func(topic, group string) KafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     group,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     cfg.MaxWait,
			StartOffset: kafka.FirstOffset,
		})
	})
}

// NewKafkaBrokerWith allows injecting a writer and reader factory.
func NewKafkaBrokerWith(w KafkaWriter, newReader func(topic, group string) KafkaReader) *KafkaBroker {
	return &KafkaBroker{writer: w, newReader: newReader}
}

func (b *KafkaBroker) Publish(ctx context.Context, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if msg.ID != "" {
		headers = append(headers, kafka.Header{Key: "Sync-Msg-Id", Value: []byte(msg.ID)})
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Data,
		Headers: headers,
	})
}

// kafkaGroupID qualifies group with topic. kafka-go readers that share a
// group id across different topics keep rebalancing each other out.
func kafkaGroupID(group, topic string) string {
	return group + "." + topic
}

func (b *KafkaBroker) Subscribe(_ context.Context, topic, group string) (Subscription, error) {
	group = kafkaGroupID(group, topic)
	return &kafkaSubscription{
		topic:     topic,
		group:     group,
		newReader: b.newReader,
		reader:    b.newReader(topic, group),
		attempts:  make(map[kafkaOffset]int),
	}, nil
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}

type kafkaOffset struct {
	partition int
	offset    int64
}

// kafkaSubscription fetches one message at a time. Kafka has no per-message
// redelivery, so a nak reopens the reader at the last committed offset.
type kafkaSubscription struct {
	topic     string
	group     string
	newReader func(topic, group string) KafkaReader

	mu       sync.Mutex
	reader   KafkaReader
	rewind   bool
	attempts map[kafkaOffset]int
}

func (s *kafkaSubscription) Fetch(ctx context.Context, _ int) ([]Delivery, error) {
	s.mu.Lock()
	if s.rewind {
		_ = s.reader.Close()
		s.reader = s.newReader(s.topic, s.group)
		s.rewind = false
	}
	reader := s.reader
	s.mu.Unlock()

	m, err := reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrBrokerClosed
		}
		return nil, fmt.Errorf("fetch %s: %w", s.topic, err)
	}
	return []Delivery{s.delivery(reader, m)}, nil
}

func (s *kafkaSubscription) delivery(reader KafkaReader, m kafka.Message) Delivery {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	pos := kafkaOffset{partition: m.Partition, offset: m.Offset}

	s.mu.Lock()
	s.attempts[pos]++
	attempt := s.attempts[pos]
	s.mu.Unlock()

	commit := func(ctx context.Context) error {
		s.mu.Lock()
		delete(s.attempts, pos)
		s.mu.Unlock()
		return reader.CommitMessages(ctx, m)
	}
	return Delivery{
		Message: Message{
			Topic:   m.Topic,
			Key:     string(m.Key),
			ID:      headers["Sync-Msg-Id"],
			Data:    m.Value,
			Headers: headers,
		},
		Attempt: attempt,
		ack:     commit,
		nak: func(context.Context) error {
			s.mu.Lock()
			s.rewind = true
			s.mu.Unlock()
			return nil
		},
		term: commit,
	}
}

func (s *kafkaSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader.Close()
}
