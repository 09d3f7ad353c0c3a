package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

/*
	Topics are opaque "kind:identifier" strings used to scope event delivery.
	They are not persisted anywhere; they only exist as grouping keys inside
	the router and as routing hints for the broker channel table.
*/

const (
	TopicKindUser      = "user"
	TopicKindAsset     = "asset"
	TopicKindWorkOrder = "workorder"
	TopicKindRole      = "role"
)

// Broker channels. Every process subscribes to all of them; which one an
// envelope rides is decided by its topic kind alone.
const (
	ChannelUser      = "topic.user"
	ChannelAsset     = "topic.asset"
	ChannelWorkOrder = "topic.workorder"
	ChannelPresence  = "topic.presence"
)

var (
	ErrInvalidTopic = errors.New("invalid topic")

	channelByKind = map[string]string{
		TopicKindUser:      ChannelUser,
		TopicKindAsset:     ChannelAsset,
		TopicKindWorkOrder: ChannelWorkOrder,
		TopicKindRole:      ChannelPresence,
	}
)

// Channels returns the full broker channel table. The bridge subscribes to
// every entry on startup.
func Channels() []string {
	return []string{ChannelUser, ChannelAsset, ChannelWorkOrder, ChannelPresence}
}

type Topic struct {
	Kind string
	ID   string
}

func (t Topic) String() string {
	return t.Kind + ":" + t.ID
}

// ParseTopic validates a raw topic string against the fixed kind allow-list.
// Unknown kinds and empty identifiers are rejected with ErrInvalidTopic.
func ParseTopic(raw string) (Topic, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, raw)
	}
	if _, known := channelByKind[kind]; !known {
		return Topic{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, kind)
	}
	return Topic{Kind: kind, ID: id}, nil
}

// ChannelForTopic maps a topic onto the broker channel that carries it.
// Role-scoped traffic (including presence) rides the presence channel.
func ChannelForTopic(t Topic) string {
	return channelByKind[t.Kind]
}

// UserTopic and friends build the canonical topic strings so callers never
// hand-assemble them.
func UserTopic(userID string) string  { return TopicKindUser + ":" + userID }
func AssetTopic(id string) string     { return TopicKindAsset + ":" + id }
func WorkOrderTopic(id string) string { return TopicKindWorkOrder + ":" + id }
func RoleTopic(role string) string    { return TopicKindRole + ":" + role }

/*
	The event envelope is the unit of distribution. It is immutable once
	published, carried msgpack-encoded on the broker channels and JSON-encoded
	on the WebSocket leg. Delivery is at-most-once to whatever is subscribed
	at publish time; the EventID exists so a bridge can recognize an exact
	broker redelivery and drop it.
*/

type Event struct {
	EventID   string          `json:"event_id" msgpack:"event_id"`
	Type      string          `json:"type" msgpack:"type"`
	Topic     string          `json:"topic" msgpack:"topic"`
	Data      json.RawMessage `json:"data,omitempty" msgpack:"data"`
	Timestamp time.Time       `json:"timestamp" msgpack:"timestamp"`
}

// Credentials arrive pre-validated from the upstream auth flow. This
// subsystem performs no verification of its own.
type Credentials struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (c Credentials) Valid() bool {
	return c.UserID != "" && c.Username != "" && c.Role != ""
}

// Session is the server-side record of one authenticated live connection.
// It is owned exclusively by the registry of the process holding the socket;
// no other process ever sees it.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Presence event payloads ride the presence channel addressed to the
// privileged role topics.
const (
	EventTypePresence = "presence"

	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type PresencePayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}
