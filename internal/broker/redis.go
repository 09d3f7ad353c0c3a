package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

/*
	Redis pub/sub driver, the deployment driver when the dashboard backend
	runs as several processes behind a load balancer. One client carries the
	write path; each channel subscription gets its own PubSub, which go-redis
	keeps alive across transient connection loss.
*/

type RedisBroker struct {
	logger *slog.Logger
	client *redis.Client
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	quit   chan struct{}
	once   sync.Once
}

func NewRedis(ctx context.Context, logger *slog.Logger, addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed for %s: %w", addr, err)
	}

	logger.Info("Connected to redis broker", "addr", addr, "db", db)
	return &RedisBroker{logger: logger, client: client}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the subscription onto the wire before reporting success so a
	// dead broker surfaces here, not on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message),
		quit:   make(chan struct{}),
	}

	go func() {
		defer close(sub.out)
		for msg := range pubsub.Channel() {
			select {
			case sub.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-sub.quit:
				return
			}
		}
	}()

	b.logger.Debug("Subscribed to redis channel", "channel", channel)
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.quit) })
	return s.pubsub.Close()
}
