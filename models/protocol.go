package models

import "encoding/json"

/*
	Wire protocol between dashboard clients and the gateway. Clients send
	action frames, the server answers with typed messages. The envelope for
	server messages is deliberately flat: a type discriminator plus a raw
	payload the client decodes based on that type.
*/

const (
	ActionAuthenticate = "authenticate"
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
)

const (
	ServerTypeAuthenticated = "authenticated"
	ServerTypeError         = "error"
	ServerTypeEvent         = "event"
)

type ClientMessage struct {
	Action   string `json:"action"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

func (m ClientMessage) Credentials() Credentials {
	return Credentials{UserID: m.UserID, Username: m.Username, Role: m.Role}
}

type ServerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthenticatedPayload struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewServerMessage wraps a payload struct into the outer server frame.
// Marshal failures cannot happen for the payload types above, so the error
// is surfaced for callers handing in arbitrary event data.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{Type: msgType, Payload: raw})
}
