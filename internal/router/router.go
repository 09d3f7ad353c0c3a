package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/grajrb/ProSyncHub-sub000/models"
)

// Subscriber is the router's view of a connected session: something it can
// hand a serialized frame to without blocking. Enqueue reports false when
// the session's buffer is full and the frame was dropped.
type Subscriber interface {
	ConnectionID() string
	Enqueue(frame []byte) bool
}

// JoinGuard can veto a join before the subscription is recorded. The default
// guard admits every authenticated session to every valid topic; installing
// a stricter policy is a wiring decision, not a router change.
type JoinGuard func(session *models.Session, topic models.Topic) error

/*
	The router owns the per-process subscription set: topic -> the local
	sessions currently joined to it. Everything here is process memory; a
	subscription can never outlive its session because DropConnection is part
	of the same teardown path that destroys the session.
*/

type Router struct {
	logger *slog.Logger
	guard  JoinGuard

	mu sync.RWMutex
	// topic -> connection id -> subscriber
	subscribers map[string]map[string]Subscriber
	// connection id -> topics joined, so teardown doesn't scan every topic
	topicsByConn map[string]map[string]struct{}
}

func New(logger *slog.Logger, guard JoinGuard) *Router {
	if guard == nil {
		guard = func(*models.Session, models.Topic) error { return nil }
	}
	return &Router{
		logger:       logger,
		guard:        guard,
		subscribers:  make(map[string]map[string]Subscriber),
		topicsByConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes a session to a topic. Joining a topic twice is a no-op;
// a malformed or unknown-kind topic is rejected with models.ErrInvalidTopic.
func (r *Router) Join(session *models.Session, sub Subscriber, rawTopic string) error {
	topic, err := models.ParseTopic(rawTopic)
	if err != nil {
		return err
	}
	if err := r.guard(session, topic); err != nil {
		return fmt.Errorf("join rejected for topic %q: %w", rawTopic, err)
	}

	connID := sub.ConnectionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[rawTopic]; !ok {
		r.subscribers[rawTopic] = make(map[string]Subscriber)
	}
	r.subscribers[rawTopic][connID] = sub

	if _, ok := r.topicsByConn[connID]; !ok {
		r.topicsByConn[connID] = make(map[string]struct{})
	}
	r.topicsByConn[connID][rawTopic] = struct{}{}

	r.logger.Debug("Subscriber joined topic", "topic", rawTopic, "connection_id", connID)
	return nil
}

// Leave removes one subscription. Leaving a topic that was never joined is a
// silent no-op.
func (r *Router) Leave(connectionID, rawTopic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connectionID, rawTopic)
}

// DropConnection removes every subscription held by a connection. Called
// exactly from the session teardown path; unknown connections are a no-op.
func (r *Router) DropConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.topicsByConn[connectionID] {
		r.removeLocked(connectionID, topic)
	}
}

func (r *Router) removeLocked(connectionID, rawTopic string) {
	if conns, ok := r.subscribers[rawTopic]; ok {
		if _, joined := conns[connectionID]; joined {
			delete(conns, connectionID)
			if len(conns) == 0 {
				delete(r.subscribers, rawTopic)
			}
			r.logger.Debug("Subscriber left topic", "topic", rawTopic, "connection_id", connectionID)
		}
	}
	if topics, ok := r.topicsByConn[connectionID]; ok {
		delete(topics, rawTopic)
		if len(topics) == 0 {
			delete(r.topicsByConn, connectionID)
		}
	}
}

// DeliverLocal fans an envelope out to every local session subscribed to its
// topic. Each enqueue is independent: one full buffer drops that frame for
// that session only and never blocks delivery to the others.
func (r *Router) DeliverLocal(envelope models.Event) {
	frame, err := models.NewServerMessage(models.ServerTypeEvent, envelope)
	if err != nil {
		r.logger.Error("Failed to marshal envelope for delivery", "topic", envelope.Topic, "error", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.subscribers[envelope.Topic]
	if !ok || len(conns) == 0 {
		r.logger.Debug("No local subscribers for topic", "topic", envelope.Topic)
		return
	}

	for connID, sub := range conns {
		if sub.Enqueue(frame) {
			r.logger.Debug("Envelope queued for subscriber", "topic", envelope.Topic, "connection_id", connID)
		} else {
			r.logger.Warn("Subscriber send buffer full, envelope dropped", "topic", envelope.Topic, "connection_id", connID)
		}
	}
}

// SubscriptionCount reports the number of live (session, topic) pairs.
func (r *Router) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, topics := range r.topicsByConn {
		n += len(topics)
	}
	return n
}
