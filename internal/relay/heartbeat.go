package relay

import (
	"context"
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection, closes those that have gone stale (no frame within Interval +
// Timeout) and refreshes presence for registered users. It returns
// immediately; the goroutine exits on Shutdown.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections runs one heartbeat pass at now. Live connections receive
// a protocol-level ping which clients answer with a pong.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	refreshed := make(map[string]struct{})

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("relay: heartbeat timeout conn=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("relay: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			continue
		}

		userID := c.UserID()
		if userID == "" || server.deps.Presence == nil {
			continue
		}
		if _, ok := refreshed[userID]; ok {
			continue
		}
		refreshed[userID] = struct{}{}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := server.deps.Presence.Refresh(ctx, userID); err != nil {
			log.Printf("relay: presence refresh user=%s: %v", userID, err)
		}
		cancel()
	}
}
