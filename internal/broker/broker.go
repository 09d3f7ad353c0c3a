package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/grajrb/ProSyncHub-sub000/models"
)

/*
	The broker is the only cross-process surface in the subsystem. Publishers
	write envelopes to named channels; every process's bridge subscribes to
	the fixed channel table and republishes what arrives into its local
	router. Delivery is at-most-once: messages published while a subscriber
	is away are gone.
*/

var ErrBrokerClosed = errors.New("broker is closed")

type Message struct {
	Channel string
	Payload []byte
}

// Subscription is one logical subscriber on one channel. Messages is closed
// when the subscription ends, whether by Close or by a transport failure;
// the consumer decides whether to resubscribe.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Envelopes ride the broker msgpack-encoded; JSON is reserved for the
// browser-facing leg.

func EncodeEnvelope(envelope models.Event) ([]byte, error) {
	payload, err := msgpack.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

func DecodeEnvelope(payload []byte) (models.Event, error) {
	var envelope models.Event
	if err := msgpack.Unmarshal(payload, &envelope); err != nil {
		return models.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	return envelope, nil
}
