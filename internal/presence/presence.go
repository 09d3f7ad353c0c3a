package presence

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/grajrb/ProSyncHub-sub000/models"
)

// EventPublisher is the slice of the publisher the notifier needs. Presence
// goes through the broker like every other event so remote processes see it.
type EventPublisher interface {
	Publish(ctx context.Context, envelope models.Event) error
}

// Roles that receive presence traffic. The subject user's own topic is
// deliberately not a target.
var audienceRoles = []string{"admin", "supervisor"}

/*
	Presence is derived from session lifecycle: online on successful
	authentication, offline on session removal. It is per-session by design -
	a user on two devices produces two independent transitions and no
	aggregation is attempted.
*/

type Notifier struct {
	logger *slog.Logger
	pub    EventPublisher
}

func New(logger *slog.Logger, pub EventPublisher) *Notifier {
	return &Notifier{logger: logger, pub: pub}
}

func (n *Notifier) Online(ctx context.Context, userID, username string) {
	n.announce(ctx, userID, username, models.PresenceOnline)
}

func (n *Notifier) Offline(ctx context.Context, userID, username string) {
	n.announce(ctx, userID, username, models.PresenceOffline)
}

// announce publishes one envelope per audience role. Failures are logged and
// swallowed: presence rides the session lifecycle paths and must never make
// a connect or disconnect fail.
func (n *Notifier) announce(ctx context.Context, userID, username, status string) {
	data, err := json.Marshal(models.PresencePayload{
		UserID:   userID,
		Username: username,
		Status:   status,
	})
	if err != nil {
		n.logger.Error("Failed to marshal presence payload", "user_id", userID, "error", err)
		return
	}

	for _, role := range audienceRoles {
		envelope := models.Event{
			Type:  models.EventTypePresence,
			Topic: models.RoleTopic(role),
			Data:  data,
		}
		if err := n.pub.Publish(ctx, envelope); err != nil {
			n.logger.Error("Failed to publish presence announcement",
				"user_id", userID,
				"status", status,
				"role", role,
				"error", err,
			)
			continue
		}
		n.logger.Debug("Presence announced", "user_id", userID, "status", status, "role", role)
	}
}
