package bridge

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/grajrb/ProSyncHub-sub000/internal/broker"
	"github.com/grajrb/ProSyncHub-sub000/models"
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 30 * time.Second

	// How long a delivered event id is remembered. A broker redelivery
	// inside this window is dropped; beyond it the duplicate reaches the
	// client, which the at-most-once contract tolerates.
	redeliveryWindow = 30 * time.Second
)

// Deliverer is the local side of the bridge: the topic router.
type Deliverer interface {
	DeliverLocal(envelope models.Event)
}

/*
	The bridge is the only component aware that other processes exist. It
	holds one subscriber per channel in the fixed channel table and turns
	every inbound broker message into a local delivery. No business logic
	lives here; it is a translation layer. While a channel subscription is
	down the messages published to it are lost - the contract is at-most-once
	delivery, so the bridge only has to get back up, not catch up.
*/

type Bridge struct {
	logger    *slog.Logger
	broker    broker.Broker
	deliverer Deliverer
	seen      *ttlcache.Cache[string, struct{}]
	wg        sync.WaitGroup
}

func New(logger *slog.Logger, b broker.Broker, d Deliverer) *Bridge {
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](redeliveryWindow),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return &Bridge{
		logger:    logger,
		broker:    b,
		deliverer: d,
		seen:      seen,
	}
}

// Run starts one consumer goroutine per channel and returns immediately.
// The consumers exit when ctx is cancelled; Wait blocks until they have.
func (b *Bridge) Run(ctx context.Context) {
	go b.seen.Start()
	for _, channel := range models.Channels() {
		b.wg.Add(1)
		go func(channel string) {
			defer b.wg.Done()
			b.consume(ctx, channel)
		}(channel)
	}
	b.logger.Info("Broker bridge started", "channels", models.Channels())
}

func (b *Bridge) Wait() {
	b.wg.Wait()
	b.seen.Stop()
}

// consume keeps one channel subscribed for the life of the process,
// resubscribing with exponential backoff whenever the subscription dies.
func (b *Bridge) consume(ctx context.Context, channel string) {
	backoff := initialBackoff

	for ctx.Err() == nil {
		sub, err := b.broker.Subscribe(ctx, channel)
		if err != nil {
			b.logger.Warn("Broker subscribe failed, retrying",
				"channel", channel,
				"backoff", backoff,
				"error", err,
			)
			if !sleepCtx(ctx, withJitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		b.logger.Debug("Bridge consuming channel", "channel", channel)
		b.drain(ctx, channel, sub)
		sub.Close()

		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("Broker subscription ended, resubscribing", "channel", channel)
		if !sleepCtx(ctx, withJitter(backoff)) {
			return
		}
	}
}

func (b *Bridge) drain(ctx context.Context, channel string, sub broker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			b.handle(channel, msg)
		}
	}
}

func (b *Bridge) handle(channel string, msg broker.Message) {
	envelope, err := broker.DecodeEnvelope(msg.Payload)
	if err != nil {
		b.logger.Warn("Dropping undecodable broker message", "channel", channel, "error", err)
		return
	}
	if _, err := models.ParseTopic(envelope.Topic); err != nil {
		b.logger.Warn("Dropping broker message with invalid topic", "channel", channel, "topic", envelope.Topic)
		return
	}

	if envelope.EventID != "" {
		if b.seen.Get(envelope.EventID) != nil {
			b.logger.Debug("Dropping redelivered envelope", "event_id", envelope.EventID, "topic", envelope.Topic)
			return
		}
		b.seen.Set(envelope.EventID, struct{}{}, ttlcache.DefaultTTL)
	}

	b.deliverer.DeliverLocal(envelope)
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// withJitter spreads retries so processes sharing a broker don't reconnect
// in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
