package relay

import (
	"log"

	"github.com/fitmatch/realtime/internal/metrics"
	"github.com/fitmatch/realtime/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.JoinRoomMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message and routes it to the
// registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if msgType != "" && !isKnownClientType(msgType) {
			log.Printf("relay: unsupported message type=%q conn=%s", msgType, conn.ID)
			metrics.EventsTotal.WithLabelValues("unknown", "in").Inc()
			sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		log.Printf("relay: dispatch parse error conn=%s: %v", conn.ID, err)
		metrics.EventsTotal.WithLabelValues("invalid", "in").Inc()
		sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType, "in").Inc()

	if msgType == protocol.TypePing {
		send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("relay: unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func isKnownClientType(t string) bool {
	switch t {
	case protocol.TypeRegisterUser, protocol.TypeJoinRoom, protocol.TypeLeaveRoom,
		protocol.TypeSendMessage, protocol.TypeTyping, protocol.TypePing:
		return true
	}
	return false
}

// send builds a relay event and writes it to conn. Errors are logged but not
// propagated.
func send(conn *Connection, msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("relay: failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("relay: failed to send %s conn=%s: %v", msgType, conn.ID, err)
		return false
	}
	metrics.EventsTotal.WithLabelValues(msgType, "out").Inc()
	return true
}

// sendError sends a structured error message back to the client.
func sendError(conn *Connection, code string, message string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}
