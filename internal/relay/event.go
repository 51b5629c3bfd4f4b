package relay

import "github.com/fitmatch/realtime/internal/protocol"

// Room event kinds carried on room.<room_id> subjects.
const (
	EventMessage = "message"
	EventTyping  = "typing"
)

// RoomEvent is the payload published to room subjects so that every relay
// instance with a local member can deliver it.
type RoomEvent struct {
	Kind    string            `json:"kind"`              // "message", "typing"
	Origin  string            `json:"origin"`            // "<server>/<conn_id>" of the sender
	RoomID  string            `json:"room_id"`           //
	UserID  string            `json:"user_id,omitempty"` // typing user
	Message *protocol.Message `json:"message,omitempty"` // for message events
	Ts      int64             `json:"ts,omitempty"`      // unix millis for typing events
}
