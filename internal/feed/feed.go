// Package feed accumulates server-pushed notifications for the logged-in
// user, newest first, independent of which conversation is open.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/fitmatch/realtime/internal/protocol"
)

// BackfillLimit caps how many stored notifications Start loads.
const BackfillLimit = 50

// ErrNoStore is returned by Acknowledge when the feed has no backing store.
var ErrNoStore = errors.New("feed: no notification store")

// Subscriber is the part of the connection the feed listens on.
type Subscriber interface {
	On(msgType string, handler func(json.RawMessage)) (off func())
}

// Store is the request/response notification service.
type Store interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]protocol.Notification, error)
	Acknowledge(ctx context.Context, userID, notificationID string) error
}

// Feed is the process-wide notification list. It subscribes once and stays
// subscribed until Close.
type Feed struct {
	sub    Subscriber
	store  Store
	userID string

	startOnce sync.Once

	mu       sync.Mutex
	closed   bool
	off      func()
	items    []protocol.Notification
	handlers map[uint64]func(protocol.Notification)
	nextID   uint64
}

// New creates a feed for userID. store may be nil, in which case there is no
// backfill and Acknowledge returns ErrNoStore.
func New(sub Subscriber, store Store, userID string) *Feed {
	return &Feed{
		sub:      sub,
		store:    store,
		userID:   userID,
		handlers: make(map[uint64]func(protocol.Notification)),
	}
}

// Start subscribes to notification events and, when a store is configured,
// loads the most recent stored notifications beneath any live ones already
// received. Only the first call has an effect. Backfill failures are logged
// and leave the feed live-only.
func (f *Feed) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		f.off = f.sub.On(protocol.TypeNotification, f.handleNotification)
		f.mu.Unlock()

		if f.store == nil || f.userID == "" {
			return
		}
		stored, err := f.store.ListNotifications(ctx, f.userID, BackfillLimit)
		if err != nil {
			log.Printf("[feed] backfill for %s failed: %v", f.userID, err)
			return
		}

		f.mu.Lock()
		if !f.closed {
			f.items = append(f.items, stored...)
		}
		f.mu.Unlock()
	})
}

// OnNotification registers a handler for each live notification. It returns
// a disposer.
func (f *Feed) OnNotification(handler func(protocol.Notification)) (off func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

// Items returns a snapshot of the feed, newest first.
func (f *Feed) Items() []protocol.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Notification, len(f.items))
	copy(out, f.items)
	return out
}

// Unread returns the number of items not yet acknowledged.
func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// Acknowledge marks a notification read in the backing store and then in the
// local list.
func (f *Feed) Acknowledge(ctx context.Context, notificationID string) error {
	if f.store == nil {
		return ErrNoStore
	}
	if err := f.store.Acknowledge(ctx, f.userID, notificationID); err != nil {
		return fmt.Errorf("feed: acknowledge %s: %w", notificationID, err)
	}

	f.mu.Lock()
	for i := range f.items {
		if f.items[i].ID == notificationID {
			f.items[i].Read = true
		}
	}
	f.mu.Unlock()
	return nil
}

// Close unsubscribes from the connection. It is safe to call multiple times.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	off := f.off
	f.off = nil
	f.mu.Unlock()

	if off != nil {
		off()
	}
}

func (f *Feed) handleNotification(raw json.RawMessage) {
	var msg protocol.NotificationMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Notification.ID == "" {
		log.Printf("[feed] ignoring malformed notification (%d bytes)", len(raw))
		return
	}
	n := msg.Notification

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.items = append([]protocol.Notification{n}, f.items...)
	handlers := make([]func(protocol.Notification), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(n)
	}
}
