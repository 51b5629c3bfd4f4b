package messaging

import (
	"fmt"
	"sync"
)

// Local is an in-process broker with the same surface as NATSClient. It
// serves single-instance deployments where no NATS server is configured.
// Handlers run synchronously on the publishing goroutine.
type Local struct {
	mu   sync.RWMutex
	subs map[string]func(data []byte) // subject -> handler
}

// NewLocal creates an empty in-process broker.
func NewLocal() *Local {
	return &Local{subs: make(map[string]func(data []byte))}
}

func (l *Local) PublishRoom(roomID string, data []byte) error {
	l.publish(RoomSubject(roomID), data)
	return nil
}

func (l *Local) SubscribeRoom(roomID string, handler func(data []byte)) error {
	l.subscribe(RoomSubject(roomID), handler)
	return nil
}

func (l *Local) UnsubscribeRoom(roomID string) error {
	return l.unsubscribe(RoomSubject(roomID))
}

func (l *Local) PublishUser(userID string, data []byte) error {
	l.publish(UserNotifySubject(userID), data)
	return nil
}

func (l *Local) SubscribeUser(userID string, handler func(data []byte)) error {
	l.subscribe(UserNotifySubject(userID), handler)
	return nil
}

func (l *Local) UnsubscribeUser(userID string) error {
	return l.unsubscribe(UserNotifySubject(userID))
}

// Close drops every subscription.
func (l *Local) Close() {
	l.mu.Lock()
	l.subs = make(map[string]func(data []byte))
	l.mu.Unlock()
}

func (l *Local) publish(subject string, data []byte) {
	l.mu.RLock()
	handler := l.subs[subject]
	l.mu.RUnlock()

	if handler != nil {
		handler(data)
	}
}

func (l *Local) subscribe(subject string, handler func(data []byte)) {
	l.mu.Lock()
	l.subs[subject] = handler
	l.mu.Unlock()
}

func (l *Local) unsubscribe(subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[subject]; !ok {
		return fmt.Errorf("local: no subscription for subject %s", subject)
	}
	delete(l.subs, subject)
	return nil
}
