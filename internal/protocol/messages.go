// Package protocol defines the realtime event types exchanged between chat
// clients and the relay. All frames are JSON text frames carrying a "type"
// discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Relay event types.
const (
	TypeRegisterUser = "register_user"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeSendMessage  = "send_message"
	TypeTyping       = "typing"
	TypePing         = "ping"
)

// Relay -> Client event types.
const (
	TypeReceiveMessage = "receive_message"
	TypeUserTyping     = "user_typing"
	TypeNotification   = "notification"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeNotRegistered   = "not_registered"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotJoined       = "not_joined"
	CodeInvalidMessage  = "invalid_message"
	CodeRateLimited     = "rate_limited"
	CodeBlocked         = "blocked"
	CodeSuspended       = "suspended"
	CodeUnavailable     = "unavailable"
)

// Role identifies which side of the marketplace a participant is on.
type Role string

const (
	RoleCoach  Role = "coach"
	RoleClient Role = "client"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleCoach || r == RoleClient
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared records
// ---------------------------------------------------------------------------

// Message is a chat message inside a room. ID is generated by the sender so
// that it can recognise the relay's echo of its own optimistic append; SentAt
// is stamped by the relay in unix milliseconds and is zero on the sender's
// local copy until history is reloaded.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderRole Role   `json:"sender_role"`
	Text       string `json:"text"`
	SentAt     int64  `json:"sent_at,omitempty"`
}

// Notification is a server-pushed event for a single user that is not tied
// to any room (booking confirmed, payment received, new message, ...).
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Category  string          `json:"category"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"created_at"`
	Read      bool            `json:"read"`
}

// ---------------------------------------------------------------------------
// Client -> Relay structs
// ---------------------------------------------------------------------------

// RegisterUserMsg binds the sending connection to an authenticated user so
// the relay can route notifications to it.
type RegisterUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"` // signed identity; required when the relay verifies tokens
}

// JoinRoomMsg subscribes the connection to a room's events.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg unsubscribes the connection from a room's events.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg carries a new chat message from its sender.
type SendMessageMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderRole Role   `json:"sender_role"`
	Text       string `json:"text"`
}

// TypingMsg tells the relay the sender is composing a message in a room.
type TypingMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Relay -> Client structs
// ---------------------------------------------------------------------------

// ReceiveMessageMsg delivers a chat message to a room member.
type ReceiveMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// UserTypingMsg relays a typing signal to the other members of a room.
type UserTypingMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Ts     int64  `json:"ts"`
}

// NotificationMsg delivers a notification to every connection of its user.
type NotificationMsg struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

// ErrorMsg is sent by the relay to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the relay's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event. It
// returns the event type string, the decoded struct and any error. An error
// is returned for unknown or relay-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegisterUser:
		var m RegisterUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON bytes for a relay event. msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return stamp(msgType, payload)
}

// NewClientMessage creates the JSON bytes for a client event. It mirrors
// NewServerMessage so callers never have to fill the Type field by hand.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return stamp(msgType, payload)
}

func stamp(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
