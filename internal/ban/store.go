// Package ban suspends marketplace users from chat, backed by Redis. A user
// collects strikes for blocked messages and abuse reports; reaching the
// threshold suspends them for a duration that escalates with each
// suspension:
//
//	Key:   ban:<user_id>      Value: <reason>   TTL: suspension duration
//	Key:   strikes:<user_id>  Value: <count>    TTL: StrikesTTL
//	Key:   bans:<user_id>     Value: <count>    TTL: HistoryTTL
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for active suspensions.
	BanPrefix = "ban:"

	// StrikesPrefix is the Redis key prefix for strike counters.
	StrikesPrefix = "strikes:"

	// HistoryPrefix is the Redis key prefix for the number of past
	// suspensions, which drives escalation.
	HistoryPrefix = "bans:"

	// Escalating suspension durations.
	Ban15Min  = 15 * time.Minute // 1st suspension
	Ban1Hour  = 1 * time.Hour    // 2nd suspension
	Ban24Hour = 24 * time.Hour   // 3rd and later

	// StrikesTTL is how long strikes live. After 24h without new strikes
	// the counter resets to zero.
	StrikesTTL = 24 * time.Hour

	// HistoryTTL is how long a past suspension counts towards escalation.
	HistoryTTL = 7 * 24 * time.Hour

	// StrikeThreshold is the number of strikes within StrikesTTL that
	// suspends a user.
	StrikeThreshold = 5
)

// Strike weights.
const (
	StrikeBlockedMessage = 1
	StrikeReport         = 2
)

// Status describes a user's current suspension.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages suspensions in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Status reports whether userID is suspended. Redis errors are returned so
// callers can decide how to handle them; the relay fails open.
func (s *Store) Status(ctx context.Context, userID string) (Status, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: status: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	// The suspension exists even if its TTL cannot be read.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban suspends userID for duration. The suspension expires on its own.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+userID, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a suspension immediately. Strikes and history are kept.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: del: %w", err)
	}
	return nil
}

// escalationDuration returns the suspension duration for the nth suspension.
func escalationDuration(n int) time.Duration {
	switch {
	case n <= 1:
		return Ban15Min
	case n == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Strikes returns the current strike count for userID.
func (s *Store) Strikes(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, StrikesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: strikes: %w", err)
	}
	return val, nil
}

// Strike adds weight strikes to userID. When the counter reaches
// StrikeThreshold the user is suspended, the counter is cleared, and the
// applied duration is returned with banned set.
func (s *Store) Strike(ctx context.Context, userID string, weight int, reason string) (bool, time.Duration, error) {
	key := StrikesPrefix + userID

	count, err := s.client.IncrBy(ctx, key, int64(weight)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: strike incr: %w", err)
	}

	// Set TTL only when the counter is created so the window doesn't slide.
	if count == int64(weight) {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: strike expire: %w", err)
		}
	}

	if count < StrikeThreshold {
		return false, 0, nil
	}

	duration, err := s.escalate(ctx, userID, reason)
	if err != nil {
		return false, 0, err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return true, duration, fmt.Errorf("ban: strike reset: %w", err)
	}
	return true, duration, nil
}

// escalate records a suspension in the user's history and applies a ban
// whose duration grows with that history.
func (s *Store) escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	key := HistoryPrefix + userID

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}

	duration := escalationDuration(int(incr.Val()))
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, err
	}
	return duration, nil
}
