// Package store persists room messages and user notifications for the relay.
// Postgres is the durable backend; Memory keeps a bounded window in process
// for single-instance and development deployments.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/fitmatch/realtime/internal/protocol"
)

// ErrNotFound is returned when acknowledging a notification that does not
// exist for the user.
var ErrNotFound = errors.New("store: not found")

const (
	// DefaultRoomCapacity is the number of recent messages Memory retains per room.
	DefaultRoomCapacity = 200

	// DefaultInboxCapacity is the number of notifications Memory retains per user.
	DefaultInboxCapacity = 200
)

// Memory stores the last N messages per room in ring buffers and the last N
// notifications per user. It is goroutine-safe.
type Memory struct {
	mu       sync.RWMutex
	roomCap  int
	inboxCap int
	rooms    map[string]*ringBuffer             // roomID -> ring buffer
	inboxes  map[string][]protocol.Notification // userID -> newest first
}

// ringBuffer is a fixed-size circular buffer of messages.
type ringBuffer struct {
	items []protocol.Message
	pos   int
	count int
}

// NewMemory creates an empty Memory store. Non-positive capacities fall back
// to the defaults.
func NewMemory(roomCap, inboxCap int) *Memory {
	if roomCap <= 0 {
		roomCap = DefaultRoomCapacity
	}
	if inboxCap <= 0 {
		inboxCap = DefaultInboxCapacity
	}
	return &Memory{
		roomCap:  roomCap,
		inboxCap: inboxCap,
		rooms:    make(map[string]*ringBuffer),
		inboxes:  make(map[string][]protocol.Notification),
	}
}

// SaveMessage appends a message to its room's ring buffer. If the buffer is
// full, the oldest message is overwritten.
func (m *Memory) SaveMessage(_ context.Context, msg protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rb, ok := m.rooms[msg.RoomID]
	if !ok {
		rb = &ringBuffer{items: make([]protocol.Message, m.roomCap)}
		m.rooms[msg.RoomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % m.roomCap
	if rb.count < m.roomCap {
		rb.count++
	}
	return nil
}

// History returns up to limit of the most recent messages for a room, oldest
// first. A non-positive limit returns everything retained. The result is
// never nil.
func (m *Memory) History(_ context.Context, roomID string, limit int) ([]protocol.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rb, ok := m.rooms[roomID]
	if !ok {
		return []protocol.Message{}, nil
	}

	n := rb.count
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]protocol.Message, n)
	// The oldest of the n newest messages sits n slots behind pos.
	start := (rb.pos - n + m.roomCap) % m.roomCap
	for i := 0; i < n; i++ {
		result[i] = rb.items[(start+i)%m.roomCap]
	}
	return result, nil
}

// SaveNotification prepends a notification to the user's inbox, dropping the
// oldest beyond capacity.
func (m *Memory) SaveNotification(_ context.Context, n protocol.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inbox := append([]protocol.Notification{n}, m.inboxes[n.UserID]...)
	if len(inbox) > m.inboxCap {
		inbox = inbox[:m.inboxCap]
	}
	m.inboxes[n.UserID] = inbox
	return nil
}

// ListNotifications returns up to limit notifications for a user, newest
// first.
func (m *Memory) ListNotifications(_ context.Context, userID string, limit int) ([]protocol.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inbox := m.inboxes[userID]
	if limit > 0 && limit < len(inbox) {
		inbox = inbox[:limit]
	}
	out := make([]protocol.Notification, len(inbox))
	copy(out, inbox)
	return out, nil
}

// AckNotification marks a user's notification read.
func (m *Memory) AckNotification(_ context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inbox := m.inboxes[userID]
	for i := range inbox {
		if inbox[i].ID == notificationID {
			inbox[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

// RemoveRoom drops a room's retained messages.
func (m *Memory) RemoveRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, roomID)
}

// Close is a no-op; it lets Memory stand in wherever Postgres is closed.
func (m *Memory) Close() error {
	return nil
}
