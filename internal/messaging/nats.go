// Package messaging fans room events and notifications out across relay
// instances. Each instance subscribes once per locally present room or user,
// keyed so the subscription can be dropped when the last local member leaves.
package messaging

import (
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the relay.
const (
	SubjectRoom = "room" // + .<room_id>
	SubjectUser = "user" // + .<user_id>.notify
)

// RoomSubject returns the subject carrying events for a room.
func RoomSubject(roomID string) string {
	return SubjectRoom + "." + subjectToken(roomID)
}

// UserNotifySubject returns the subject carrying notifications for a user.
func UserNotifySubject(userID string) string {
	return SubjectUser + "." + subjectToken(userID) + ".notify"
}

// subjectToken makes an id usable as a single subject token. Ids containing
// separators, wildcards or whitespace are base64url-encoded behind a "="
// marker, which never starts a plain token.
func subjectToken(id string) string {
	if id != "" && !strings.HasPrefix(id, "=") && !strings.ContainsAny(id, ".*> \t\r\n") {
		return id
	}
	return "=" + base64.RawURLEncoding.EncodeToString([]byte(id))
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "fitmatch-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] async error on %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishRoom publishes a room event to room.<roomID>.
func (c *NATSClient) PublishRoom(roomID string, data []byte) error {
	return c.publish(RoomSubject(roomID), data)
}

// SubscribeRoom subscribes this instance to room.<roomID>. Subscribing twice
// to the same room replaces the earlier handler.
func (c *NATSClient) SubscribeRoom(roomID string, handler func(data []byte)) error {
	return c.subscribe("room:"+roomID, RoomSubject(roomID), handler)
}

// UnsubscribeRoom drops this instance's room subscription.
func (c *NATSClient) UnsubscribeRoom(roomID string) error {
	return c.unsubscribe("room:" + roomID)
}

// PublishUser publishes a notification to user.<userID>.notify.
func (c *NATSClient) PublishUser(userID string, data []byte) error {
	return c.publish(UserNotifySubject(userID), data)
}

// SubscribeUser subscribes this instance to user.<userID>.notify.
func (c *NATSClient) SubscribeUser(userID string, handler func(data []byte)) error {
	return c.subscribe("user:"+userID, UserNotifySubject(userID), handler)
}

// UnsubscribeUser drops this instance's notification subscription for a user.
func (c *NATSClient) UnsubscribeUser(userID string) error {
	return c.unsubscribe("user:" + userID)
}

// Connected reports whether the underlying connection is currently up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// subscribe registers a handler for subject under key, replacing any
// existing subscription with the same key.
func (c *NATSClient) subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
