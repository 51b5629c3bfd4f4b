package relay

import (
	"fmt"
	"sync"
)

// Hub tracks which local connections belong to each key (a room or a user)
// and holds exactly one broker subscription per key while the key has local
// members. subscribe runs when a key gains its first member and unsubscribe
// when it loses its last; both run under the hub lock and must not call back
// into the hub.
type Hub struct {
	name        string
	mu          sync.RWMutex
	members     map[string]map[string]*Connection // key -> connID -> conn
	subscribe   func(key string) error
	unsubscribe func(key string) error
}

// NewHub creates an empty hub. name only appears in errors.
func NewHub(name string, subscribe, unsubscribe func(key string) error) *Hub {
	return &Hub{
		name:        name,
		members:     make(map[string]map[string]*Connection),
		subscribe:   subscribe,
		unsubscribe: unsubscribe,
	}
}

// Add makes c a member of key. Adding an existing member is a no-op. If the
// key's subscription cannot be created, c is not added.
func (h *Hub) Add(key string, c *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.members[key]
	if ok {
		set[c.ID] = c
		return nil
	}

	if h.subscribe != nil {
		if err := h.subscribe(key); err != nil {
			return fmt.Errorf("relay: %s %s subscribe: %w", h.name, key, err)
		}
	}
	h.members[key] = map[string]*Connection{c.ID: c}
	return nil
}

// Remove drops connID from key. It reports whether the connection was a
// member. Unsubscribe failures are returned but the membership is dropped
// regardless.
func (h *Hub) Remove(key, connID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.members[key]
	if !ok {
		return false, nil
	}
	if _, ok := set[connID]; !ok {
		return false, nil
	}
	delete(set, connID)
	if len(set) > 0 {
		return true, nil
	}

	delete(h.members, key)
	if h.unsubscribe != nil {
		if err := h.unsubscribe(key); err != nil {
			return true, fmt.Errorf("relay: %s %s unsubscribe: %w", h.name, key, err)
		}
	}
	return true, nil
}

// Members returns a snapshot of key's local connections.
func (h *Hub) Members(key string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.members[key]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Size returns the number of keys with at least one member.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Keys returns every key with at least one member.
func (h *Hub) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.members))
	for k := range h.members {
		out = append(out, k)
	}
	return out
}
