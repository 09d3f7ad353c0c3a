package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grajrb/ProSyncHub-sub000/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrClientClosed         = errors.New("client is closed")
)

type Config struct {
	// Address is the service host:port; the client connects to ws://<Address>/ws.
	// A full ws:// or wss:// URL is also accepted.
	Address string
	Timeout time.Duration
	Logger  *slog.Logger
}

/*
	Go client for the realtime service, for dashboard-side tooling and
	backend consumers. One goroutine reads the socket and dispatches: events
	to the Events channel, error frames to the Errors channel, authentication
	acks to the pending call. Sends are serialized by a mutex; gorilla allows
	one concurrent writer.
*/

type Client struct {
	logger  *slog.Logger
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	events chan models.Event
	errs   chan string
	acks   chan models.AuthenticatedPayload

	closeOnce sync.Once
	done      chan struct{}
}

func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	wsURL := cfg.Address
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		wsURL = fmt.Sprintf("ws://%s/ws", cfg.Address)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		logger:  cfg.Logger.WithGroup("realtime_client"),
		conn:    conn,
		timeout: cfg.Timeout,
		events:  make(chan models.Event, 64),
		errs:    make(chan string, 16),
		acks:    make(chan models.AuthenticatedPayload, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Authenticate sends the pre-validated credential triple and waits for the
// server's acknowledgement.
func (c *Client) Authenticate(creds models.Credentials) error {
	if err := c.write(models.ClientMessage{
		Action:   models.ActionAuthenticate,
		UserID:   creds.UserID,
		Username: creds.Username,
		Role:     creds.Role,
	}); err != nil {
		return err
	}

	select {
	case ack := <-c.acks:
		if ack.Status != "success" {
			return fmt.Errorf("%w: status %q", ErrAuthenticationFailed, ack.Status)
		}
		return nil
	case msg := <-c.errs:
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, msg)
	case <-c.done:
		return ErrClientClosed
	case <-time.After(c.timeout):
		return fmt.Errorf("%w: timed out waiting for acknowledgement", ErrAuthenticationFailed)
	}
}

func (c *Client) Subscribe(topic string) error {
	return c.write(models.ClientMessage{Action: models.ActionSubscribe, Topic: topic})
}

func (c *Client) Unsubscribe(topic string) error {
	return c.write(models.ClientMessage{Action: models.ActionUnsubscribe, Topic: topic})
}

// Events delivers envelopes for every topic this client is subscribed to.
// The channel closes when the connection ends.
func (c *Client) Events() <-chan models.Event { return c.events }

// Errors delivers server error frames (rejected subscribes and the like).
func (c *Client) Errors() <-chan string { return c.errs }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(msg models.ClientMessage) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", msg.Action, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		c.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("Connection closed", "error", err)
			}
			return
		}

		var msg models.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Dropping undecodable server message", "error", err)
			continue
		}

		switch msg.Type {
		case models.ServerTypeEvent:
			var envelope models.Event
			if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
				c.logger.Warn("Dropping undecodable envelope", "error", err)
				continue
			}
			select {
			case c.events <- envelope:
			default:
				c.logger.Warn("Event channel full, envelope dropped", "topic", envelope.Topic)
			}
		case models.ServerTypeAuthenticated:
			var ack models.AuthenticatedPayload
			if err := json.Unmarshal(msg.Payload, &ack); err != nil {
				continue
			}
			select {
			case c.acks <- ack:
			default:
			}
		case models.ServerTypeError:
			var payload models.ErrorPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			select {
			case c.errs <- payload.Message:
			default:
				c.logger.Warn("Error channel full, message dropped", "message", payload.Message)
			}
		default:
			c.logger.Debug("Unknown server message type", "type", msg.Type)
		}
	}
}
