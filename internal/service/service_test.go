package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grajrb/ProSyncHub-sub000/config"
	"github.com/grajrb/ProSyncHub-sub000/internal/broker"
	"github.com/grajrb/ProSyncHub-sub000/models"
)

func testConfig() *config.Service {
	cfg := &config.Service{
		Binding:        "127.0.0.1:0",
		InstanceSecret: "test-secret",
		Broker:         config.Broker{Driver: config.BrokerDriverMemory},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// startService wires a service around a shared broker and mounts it on an
// httptest server. Two of these on one broker behave like two processes
// behind a load balancer.
func startService(t *testing.T, b broker.Broker) (*Service, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	svc, err := NewWithBroker(ctx, slog.Default(), testConfig(), b)
	require.NoError(t, err)
	svc.Start()

	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		svc.bridge.Wait()
	})

	// Let the bridge consumers finish subscribing before anything publishes.
	time.Sleep(50 * time.Millisecond)
	return svc, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg models.ClientMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func authenticate(t *testing.T, conn *websocket.Conn, userID, username, role string) {
	t.Helper()
	send(t, conn, models.ClientMessage{
		Action:   models.ActionAuthenticate,
		UserID:   userID,
		Username: username,
		Role:     role,
	})
	msg := readServerMessage(t, conn)
	require.Equal(t, models.ServerTypeAuthenticated, msg.Type)

	var ack models.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &ack))
	assert.Equal(t, "success", ack.Status)
	assert.Equal(t, userID, ack.UserID)
}

func readServerMessage(t *testing.T, conn *websocket.Conn) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg models.ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	msg := readServerMessage(t, conn)
	require.Equal(t, models.ServerTypeEvent, msg.Type)

	var envelope models.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &envelope))
	return envelope
}

func readError(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	msg := readServerMessage(t, conn)
	require.Equal(t, models.ServerTypeError, msg.Type)

	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload.Message
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", raw)
	}
}

// waitSubscriptions blocks until the service's router holds exactly n
// subscriptions; subscribe has no acknowledgement frame to wait on.
func waitSubscriptions(t *testing.T, svc *Service, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for svc.router.SubscriptionCount() != n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d subscriptions, have %d", n, svc.router.SubscriptionCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAuthenticateHandshake(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	conn := dial(t, srv)
	authenticate(t, conn, "u1", "alice", "Technician")

	// Auto-joined to user:u1 and role:Technician.
	waitSubscriptions(t, svc, 2)
	assert.Equal(t, 1, svc.registry.Count())
}

func TestAuthenticateRejectsIncompleteCredentials(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	conn := dial(t, srv)
	send(t, conn, models.ClientMessage{Action: models.ActionAuthenticate, UserID: "u1"})
	assert.Contains(t, readError(t, conn), "authentication failed")

	// The connection stays open and unauthenticated.
	assert.Equal(t, 0, svc.registry.Count())
	send(t, conn, models.ClientMessage{Action: models.ActionSubscribe, Topic: "asset:42"})
	assert.Equal(t, "not authenticated", readError(t, conn))
}

func TestSubscribeBeforeAuthenticateRejected(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	conn := dial(t, srv)
	send(t, conn, models.ClientMessage{Action: models.ActionSubscribe, Topic: "asset:42"})
	assert.Equal(t, "not authenticated", readError(t, conn))
	assert.Equal(t, 0, svc.router.SubscriptionCount())
}

func TestSubscribeUnknownKindRejected(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	conn := dial(t, srv)
	authenticate(t, conn, "u1", "alice", "Technician")
	waitSubscriptions(t, svc, 2)

	send(t, conn, models.ClientMessage{Action: models.ActionSubscribe, Topic: "sensor:1"})
	assert.Contains(t, readError(t, conn), "invalid topic")
	assert.Equal(t, 2, svc.router.SubscriptionCount())
}

func TestFanOutToSubscribedSessionsOnly(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	connA := dial(t, srv)
	authenticate(t, connA, "u1", "alice", "Technician")
	connB := dial(t, srv)
	authenticate(t, connB, "u2", "bob", "Technician")
	waitSubscriptions(t, svc, 4)

	send(t, connA, models.ClientMessage{Action: models.ActionSubscribe, Topic: "asset:42"})
	waitSubscriptions(t, svc, 5)

	require.NoError(t, svc.publisher.Publish(context.Background(), models.Event{
		Type:  "ALERT",
		Topic: "asset:42",
		Data:  json.RawMessage(`{"severity":"critical"}`),
	}))

	envelope := readEvent(t, connA)
	assert.Equal(t, "ALERT", envelope.Type)
	assert.Equal(t, "asset:42", envelope.Topic)
	assert.JSONEq(t, `{"severity":"critical"}`, string(envelope.Data))

	// Exactly one delivery to A, none to B.
	expectSilence(t, connA)
	expectSilence(t, connB)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	conn := dial(t, srv)
	authenticate(t, conn, "u1", "alice", "Technician")
	waitSubscriptions(t, svc, 2)

	send(t, conn, models.ClientMessage{Action: models.ActionSubscribe, Topic: "workorder:7"})
	waitSubscriptions(t, svc, 3)

	require.NoError(t, svc.publisher.Publish(context.Background(), models.Event{
		Type:  "WORK_ORDER_UPDATED",
		Topic: "workorder:7",
	}))
	assert.Equal(t, "WORK_ORDER_UPDATED", readEvent(t, conn).Type)

	send(t, conn, models.ClientMessage{Action: models.ActionUnsubscribe, Topic: "workorder:7"})
	waitSubscriptions(t, svc, 2)

	require.NoError(t, svc.publisher.Publish(context.Background(), models.Event{
		Type:  "WORK_ORDER_UPDATED",
		Topic: "workorder:7",
	}))
	expectSilence(t, conn)
}

func TestDisconnectCleansUpAndAnnouncesOffline(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	// The supervisor watches presence via its auto-joined role topic. Its
	// own authentication also announces online to role:supervisor, which it
	// is already joined to by then; drain that first.
	supervisor := dial(t, srv)
	authenticate(t, supervisor, "s1", "sam", "supervisor")
	waitSubscriptions(t, svc, 2)
	own := readEvent(t, supervisor)
	assert.Equal(t, models.EventTypePresence, own.Type)

	worker := dial(t, srv)
	authenticate(t, worker, "u1", "alice", "Technician")
	waitSubscriptions(t, svc, 4)

	// Authentication produced an online announcement for the supervisor.
	online := readEvent(t, supervisor)
	assert.Equal(t, models.EventTypePresence, online.Type)
	assert.Equal(t, "role:supervisor", online.Topic)
	var payload models.PresencePayload
	require.NoError(t, json.Unmarshal(online.Data, &payload))
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, models.PresenceOnline, payload.Status)

	require.NoError(t, worker.Close())

	offline := readEvent(t, supervisor)
	require.NoError(t, json.Unmarshal(offline.Data, &payload))
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, models.PresenceOffline, payload.Status)

	// All of the worker's subscriptions are gone and later publishes to its
	// topics reach nobody.
	waitSubscriptions(t, svc, 2)
	assert.Equal(t, 1, svc.registry.Count())
}

func TestCrossProcessFanOut(t *testing.T) {
	// Two services sharing one broker stand in for two processes behind a
	// load balancer sharing one redis.
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	p1, srv1 := startService(t, b)
	p2, _ := startService(t, b)

	conn := dial(t, srv1)
	authenticate(t, conn, "u1", "alice", "Technician")
	waitSubscriptions(t, p1, 2)

	send(t, conn, models.ClientMessage{Action: models.ActionSubscribe, Topic: "workorder:7"})
	waitSubscriptions(t, p1, 3)

	// A mutation handler inside P2 publishes; the session on P1 receives.
	require.NoError(t, p2.publisher.Publish(context.Background(), models.Event{
		Type:  "WORK_ORDER_ASSIGNED",
		Topic: "workorder:7",
		Data:  json.RawMessage(`{"assignee":"u1"}`),
	}))

	envelope := readEvent(t, conn)
	assert.Equal(t, "WORK_ORDER_ASSIGNED", envelope.Type)
	assert.Equal(t, "workorder:7", envelope.Topic)

	// Exactly once, even though both bridges saw the broker message.
	expectSilence(t, conn)
}

func TestReauthenticateReplacesIdentity(t *testing.T) {
	b := broker.NewMemory(slog.Default())
	defer b.Close()
	svc, srv := startService(t, b)

	conn := dial(t, srv)
	authenticate(t, conn, "u1", "alice", "Technician")
	waitSubscriptions(t, svc, 2)
	authenticate(t, conn, "u1", "alice", "supervisor")

	// Still a single session, now carrying the refreshed role. The old
	// role subscription is left in place; joins are idempotent.
	assert.Equal(t, 1, svc.registry.Count())
	waitSubscriptions(t, svc, 3) // user:u1, role:Technician, role:supervisor
}
