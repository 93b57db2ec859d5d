package messaging

import (
	"context"
	"slices"
	"sync"
)

// MemoryBroker keeps every topic as an in-process log. It follows the same
// group semantics as the network brokers and backs tests and BROKER=memory.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	log    []Message
	groups map[string]*memGroup
	notify chan struct{}
}

type memGroup struct {
	next      int
	redeliver []int
	attempts  map[int]int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memTopic)}
}

func (b *MemoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup), notify: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// wake must be called with b.mu held.
func (t *memTopic) wake() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	msg.Data = slices.Clone(msg.Data)
	msg.Headers = cloneHeaders(msg.Headers)
	t := b.topic(msg.Topic)
	t.log = append(t.log, msg)
	t.wake()
	return nil
}

// Subscribe joins group on topic. A new group starts at the beginning of the log.
func (b *MemoryBroker) Subscribe(_ context.Context, topic, group string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	t := b.topic(topic)
	if _, ok := t.groups[group]; !ok {
		t.groups[group] = &memGroup{attempts: make(map[int]int)}
	}
	return &memorySubscription{broker: b, topic: topic, group: group}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.wake()
	}
	return nil
}

// Messages returns a copy of everything published to topic.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return slices.Clone(t.log)
}

// Pending reports how many messages group has not settled or not yet received.
func (b *MemoryBroker) Pending(topic, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	g, ok := t.groups[group]
	if !ok {
		return len(t.log)
	}
	return len(t.log) - g.next + len(g.attempts)
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	group  string
	closed bool
}

func (s *memorySubscription) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	b := s.broker
	for {
		b.mu.Lock()
		if b.closed || s.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		t := b.topic(s.topic)
		g := t.groups[s.group]
		out := s.take(t, g, max)
		wait := t.notify
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// take must be called with the broker lock held.
func (s *memorySubscription) take(t *memTopic, g *memGroup, max int) []Delivery {
	var offsets []int
	slices.Sort(g.redeliver)
	for len(offsets) < max && len(g.redeliver) > 0 {
		offsets = append(offsets, g.redeliver[0])
		g.redeliver = g.redeliver[1:]
	}
	for len(offsets) < max && g.next < len(t.log) {
		offsets = append(offsets, g.next)
		g.next++
	}

	out := make([]Delivery, 0, len(offsets))
	for _, off := range offsets {
		g.attempts[off]++
		msg := t.log[off]
		msg.Headers = cloneHeaders(msg.Headers)
		out = append(out, Delivery{
			Message: msg,
			Attempt: g.attempts[off],
			ack:     s.settler(off, false),
			nak:     s.settler(off, true),
			term:    s.settler(off, false),
		})
	}
	return out
}

func (s *memorySubscription) settler(off int, redeliver bool) func(context.Context) error {
	return func(context.Context) error {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		t := b.topic(s.topic)
		g := t.groups[s.group]
		if _, pending := g.attempts[off]; !pending || slices.Contains(g.redeliver, off) {
			return nil
		}
		if redeliver {
			g.redeliver = append(g.redeliver, off)
			t.wake()
			return nil
		}
		delete(g.attempts, off)
		return nil
	}
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.closed = true
	return nil
}
