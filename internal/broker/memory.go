package broker

import (
	"context"
	"log/slog"
	"sync"
)

const memorySubscriberBuffer = 256

/*
	In-process broker driver. Single-process deployments and tests keep the
	exact publish -> broker -> bridge -> router flow; only the transport
	differs from the redis driver. FIFO per channel holds because Publish
	enqueues to every subscriber under one lock in call order.
*/

type MemoryBroker struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*memorySubscription
	closed bool
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	ch      chan Message
	once    sync.Once
}

func NewMemory(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		logger: logger,
		subs:   make(map[string][]*memorySubscription),
	}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- Message{Channel: channel, Payload: payload}:
		default:
			// At-most-once: a subscriber that cannot keep up loses the message.
			b.logger.Warn("Memory broker subscriber buffer full, message dropped", "channel", channel)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan Message, memorySubscriberBuffer),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, channel)
	}
	return nil
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	subs := s.broker.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.broker.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}
