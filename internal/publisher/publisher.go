package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/grajrb/ProSyncHub-sub000/internal/broker"
	"github.com/grajrb/ProSyncHub-sub000/models"
)

/*
	The publisher is the single entry point mutation handlers use to raise an
	event. It never touches the local router: every envelope goes to the
	broker channel for its topic kind, so every process - including this one,
	through its own bridge - performs identical local delivery. One process
	or ten behind the load balancer, the fan-out path is the same.
*/

type Publisher struct {
	logger *slog.Logger
	broker broker.Broker
}

func New(logger *slog.Logger, b broker.Broker) *Publisher {
	return &Publisher{logger: logger, broker: b}
}

// Publish stamps the envelope (event id, UTC timestamp) and hands it to the
// broker. A broker failure is returned to the caller; the mutation that
// raised the event is not expected to roll back - the event is simply not
// delivered this round.
func (p *Publisher) Publish(ctx context.Context, envelope models.Event) error {
	topic, err := models.ParseTopic(envelope.Topic)
	if err != nil {
		return err
	}

	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now().UTC()
	}

	payload, err := broker.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	channel := models.ChannelForTopic(topic)
	if err := p.broker.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish to channel %s: %w", channel, err)
	}

	p.logger.Debug("Envelope published",
		"event_id", envelope.EventID,
		"type", envelope.Type,
		"topic", envelope.Topic,
		"channel", channel,
	)
	return nil
}
