// Package presence records which relay connections each user currently holds.
// The relay consults it to decide whether a notification can be delivered
// live or only stored for the next backfill.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for per-user connection sets.
	PresencePrefix = "presence:"

	// PresenceTTL is the time-to-live for a user's presence set. The relay
	// heartbeat refreshes it while any connection is alive.
	PresenceTTL = 2 * time.Minute
)

// Store manages presence sets in Redis. Members are "<server>/<conn_id>".
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient creates a presence store on an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func (s *Store) member(connID string) string {
	return s.serverName + "/" + connID
}

// Add records that connID on this server belongs to userID and refreshes
// the set's TTL.
func (s *Store) Add(ctx context.Context, userID, connID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, s.member(connID))
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add %s: %w", userID, err)
	}
	return nil
}

// Remove drops connID from the user's set.
func (s *Store) Remove(ctx context.Context, userID, connID string) error {
	key := PresencePrefix + userID
	if err := s.client.SRem(ctx, key, s.member(connID)).Err(); err != nil {
		return fmt.Errorf("presence: remove %s: %w", userID, err)
	}
	return nil
}

// Refresh extends the user's presence TTL.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	return s.client.Expire(ctx, key, PresenceTTL).Err()
}

// Online reports whether the user holds at least one connection on any
// relay instance.
func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: online %s: %w", userID, err)
	}
	return n > 0, nil
}

// Connections returns every "<server>/<conn_id>" currently held by userID.
func (s *Store) Connections(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: connections %s: %w", userID, err)
	}
	return members, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
