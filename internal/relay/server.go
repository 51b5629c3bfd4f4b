// Package relay is the messaging backend chat clients connect to. It
// terminates WebSocket connections, routes client events, fans room events
// and notifications out across relay instances through a broker, and serves
// the HTTP endpoints for history and notifications.
package relay

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fitmatch/realtime/internal/ban"
	"github.com/fitmatch/realtime/internal/metrics"
	"github.com/fitmatch/realtime/internal/moderation"
	"github.com/fitmatch/realtime/internal/protocol"
	"github.com/fitmatch/realtime/internal/ratelimit"
	"github.com/fitmatch/realtime/internal/report"
)

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg protocol.Message) error
	History(ctx context.Context, roomID string, limit int) ([]protocol.Message, error)
}

// NotificationStore persists notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n protocol.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]protocol.Notification, error)
	AckNotification(ctx context.Context, userID, notificationID string) error
}

// Broker carries room events and notifications between relay instances.
type Broker interface {
	PublishRoom(roomID string, data []byte) error
	SubscribeRoom(roomID string, handler func(data []byte)) error
	UnsubscribeRoom(roomID string) error
	PublishUser(userID string, data []byte) error
	SubscribeUser(userID string, handler func(data []byte)) error
	UnsubscribeUser(userID string) error
}

// Authenticator verifies the identity token sent with register_user and
// returns the user id it was issued for. Without one, any user id is
// accepted.
type Authenticator interface {
	Verify(token string) (string, error)
}

// Presence records which users have a live connection on any instance.
type Presence interface {
	Add(ctx context.Context, userID, connID string) error
	Remove(ctx context.Context, userID, connID string) error
	Refresh(ctx context.Context, userID string) error
	Online(ctx context.Context, userID string) (bool, error)
}

// Limiter is a per-identifier rate limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ContentFilter screens message text before delivery.
type ContentFilter interface {
	Check(text string) moderation.FilterResult
}

// Suspensions tracks strikes and suspended users.
type Suspensions interface {
	Status(ctx context.Context, userID string) (ban.Status, error)
	Strike(ctx context.Context, userID string, weight int, reason string) (bool, time.Duration, error)
}

// ReportStore persists abuse reports.
type ReportStore interface {
	Create(ctx context.Context, r *report.Report) (int64, error)
}

// Deps are the collaborators of a Server. Messages, Notifications and
// Broker are required; the rest may be nil, which disables the feature.
type Deps struct {
	Messages      MessageStore
	Notifications NotificationStore
	Broker        Broker
	Auth          Authenticator
	Presence      Presence
	Limiter       Limiter
	Filter        ContentFilter
	Suspensions   Suspensions
	Reports       ReportStore
}

// Config holds tunable parameters for the relay server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	ServerName     string        // instance name used in presence and event origins
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // max wait for the next frame; 0 leaves it to the heartbeat
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		ServerName:     "relay-1",
		MaxConnections: 100000,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// storeTimeout bounds calls to stores, presence and the limiter made on
// behalf of a WebSocket event.
const storeTimeout = 3 * time.Second

// Server is the relay. Each connection is served by its own read goroutine;
// handlers for one connection therefore run serially, and the connection's
// teardown runs on that goroutine after its last handler.
type Server struct {
	config     Config
	deps       Deps
	conns      *ConnectionManager
	rooms      *Hub
	users      *Hub
	dispatcher *MessageDispatcher
	history    singleflight.Group
	mux        *http.ServeMux

	httpServer *http.Server
	wg         sync.WaitGroup // connection goroutines
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server and registers its event handlers and routes.
func NewServer(config Config, deps Deps) (*Server, error) {
	if deps.Messages == nil || deps.Notifications == nil || deps.Broker == nil {
		return nil, fmt.Errorf("relay: message store, notification store and broker are required")
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	s := &Server{
		config:     config,
		deps:       deps,
		conns:      NewConnectionManager(),
		dispatcher: NewMessageDispatcher(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.rooms = NewHub("room", s.subscribeRoom, deps.Broker.UnsubscribeRoom)
	s.users = NewHub("user", s.subscribeUser, deps.Broker.UnsubscribeUser)

	s.dispatcher.Register(protocol.TypeRegisterUser, s.handleRegister)
	s.dispatcher.Register(protocol.TypeJoinRoom, s.handleJoin)
	s.dispatcher.Register(protocol.TypeLeaveRoom, s.handleLeave)
	s.dispatcher.Register(protocol.TypeSendMessage, s.handleSend)
	s.dispatcher.Register(protocol.TypeTyping, s.handleTyping)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /rooms/{id}/messages", s.handleHistory)
	s.mux.HandleFunc("POST /rooms/{id}/reports", s.handleReport)
	s.mux.HandleFunc("GET /users/{id}/notifications", s.handleListNotifications)
	s.mux.HandleFunc("POST /users/{id}/notifications", s.handlePublish)
	s.mux.HandleFunc("POST /users/{id}/notifications/{nid}/ack", s.handleAck)

	return s, nil
}

// Handler returns the HTTP handler serving every relay route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the heartbeat and blocks serving HTTP on ListenAddr until
// Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("relay: server listening on %s (server=%s, max_conns=%d)",
		s.config.ListenAddr, s.config.ServerName, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and starts
// its read goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if !s.allow(r.Context(), ip, ratelimit.RuleConnect) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("relay: upgrade failed ip=%s: %v", ip, err)
		return
	}

	c := newConnection(uuid.NewString(), conn, ip, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()

	s.wg.Add(1)
	go s.serveConn(c)

	log.Printf("relay: new connection conn=%s ip=%s (total=%d)", c.ID, ip, s.conns.Count())
}

// serveConn reads frames until the connection fails or is closed, then tears
// down the connection's rooms, user binding and presence.
func (s *Server) serveConn(c *Connection) {
	defer s.wg.Done()
	defer s.teardown(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatcher.Dispatch(c, data)
	}
}

func (s *Server) teardown(c *Connection) {
	s.conns.Remove(c.ID)
	metrics.ConnectionsActive.Dec()

	for _, roomID := range c.Rooms() {
		s.leaveRoom(c, roomID)
	}
	if userID := c.UserID(); userID != "" {
		s.unbindUser(c, userID)
	}

	log.Printf("relay: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// RemoveConnection closes a connection. Its read goroutine performs the
// teardown.
func (s *Server) RemoveConnection(c *Connection) {
	s.conns.Remove(c.ID)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every live connection and
// waits for their teardown or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("relay: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("relay: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		log.Println("relay: server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}

// origin identifies a connection across relay instances.
func (s *Server) origin(c *Connection) string {
	return s.config.ServerName + "/" + c.ID
}

// allow consults the limiter. It fails open when no limiter is configured or
// the limiter errors.
func (s *Server) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if s.deps.Limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	ok, err := s.deps.Limiter.Allow(ctx, identifier, rule)
	if err != nil {
		return true
	}
	return ok
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
