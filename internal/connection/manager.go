// Package connection owns the single long-lived WebSocket link between a chat
// client and the relay. It dials with gobwas/ws, redials after failures,
// re-registers the user's identity on every connection and dispatches
// inbound events to handlers registered per event type.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fitmatch/realtime/internal/protocol"
)

var (
	// ErrNotConnected is returned by Emit while the link is down. The event
	// is dropped; nothing is queued for replay.
	ErrNotConnected = errors.New("connection: not connected")
)

// Config holds connection tuning parameters.
type Config struct {
	URL           string        // ws://localhost:8080/ws
	ReconnectWait time.Duration // pause between dial attempts
	MaxReconnects int           // consecutive failed attempts before giving up (-1 for infinite)
	DialTimeout   time.Duration // per-attempt dial timeout
	WriteTimeout  time.Duration // per-frame write deadline
	Token         string        // sent with register_user when set
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "ws://localhost:8080/ws",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// Manager is the client's connection to the relay. It is created once per
// application session and shared by every room session and the notification
// feed; only Close tears it down.
type Manager struct {
	config Config

	startOnce sync.Once
	closeOnce sync.Once
	started   bool
	closed    bool
	cancel    context.CancelFunc
	loopDone  chan struct{}

	writeMu sync.Mutex // serializes frames; taken before mu, never after

	mu           sync.Mutex
	conn         net.Conn
	connected    bool
	identity     string
	announced    string   // identity last written on announcedOn
	announcedOn  net.Conn // nil until the first register_user on a link
	handlers     map[string]map[uint64]func(json.RawMessage)
	connHandlers map[uint64]func(bool)
	nextID       uint64
}

// New creates a Manager for the given config. No I/O happens until Connect.
func New(config Config) *Manager {
	return &Manager{
		config:       config,
		loopDone:     make(chan struct{}),
		handlers:     make(map[string]map[uint64]func(json.RawMessage)),
		connHandlers: make(map[uint64]func(bool)),
	}
}

// Connect starts the connection loop in the background. Only the first call
// has an effect. Dial and read failures are never returned; they show up as
// connectivity flips and log lines.
func (m *Manager) Connect(ctx context.Context) {
	m.startOnce.Do(func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		m.started = true
		m.mu.Unlock()

		go m.run(ctx)
	})
}

// Connected reports the current connectivity state.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// OnConnectionChange registers a handler invoked with the new state every
// time connectivity flips. Handlers run on the connection goroutine.
func (m *Manager) OnConnectionChange(handler func(connected bool)) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.connHandlers[id] = handler
	return func() {
		m.mu.Lock()
		delete(m.connHandlers, id)
		m.mu.Unlock()
	}
}

// On registers a handler for one inbound event type. The handler receives the
// full raw JSON of the frame. Handlers run serially on the read goroutine and
// should not block.
func (m *Manager) On(msgType string, handler func(json.RawMessage)) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.handlers[msgType] == nil {
		m.handlers[msgType] = make(map[uint64]func(json.RawMessage))
	}
	m.handlers[msgType][id] = handler
	return func() {
		m.mu.Lock()
		delete(m.handlers[msgType], id)
		m.mu.Unlock()
	}
}

// RegisterIdentity records the authenticated user and announces it to the
// relay. The identity is re-sent on every reconnection, but only once per
// link: a call racing serve's own announcement does not repeat it. An empty
// id is ignored.
func (m *Manager) RegisterIdentity(userID string) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	m.identity = userID
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		m.sendIdentity()
	}
}

// Identity returns the registered user id, or "" before login.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Emit sends a client event. It returns ErrNotConnected while the link is
// down.
func (m *Manager) Emit(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	return m.sendRaw(data)
}

// Send marshals msg as-is and writes it as one frame. msg must carry its own
// "type" field, like the structs in package protocol.
func (m *Manager) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("connection: marshal: %w", err)
	}
	return m.sendRaw(data)
}

func (m *Manager) sendRaw(data []byte) error {
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.write(conn, data)
}

// Close stops the connection loop and closes the link. It is safe to call
// multiple times and before Connect.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		cancel, started := m.cancel, m.started
		m.mu.Unlock()

		if !started {
			return
		}
		cancel()
		<-m.loopDone
	})
	return nil
}

// run dials, serves and redials until ctx is cancelled or MaxReconnects
// consecutive attempts have failed.
func (m *Manager) run(ctx context.Context) {
	defer close(m.loopDone)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Printf("[conn] dial %s failed (attempt %d): %v", m.config.URL, failures, err)
			if m.config.MaxReconnects >= 0 && failures > m.config.MaxReconnects {
				log.Printf("[conn] giving up after %d attempts", failures)
				return
			}
		} else {
			failures = 0
			m.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.ReconnectWait):
		}
	}
}

// dial opens a client WebSocket connection. Bytes the server sent right after
// the handshake are kept in front of the socket.
func (m *Manager) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Timeout: m.config.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, m.config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return conn, nil
}

// serve installs conn as the live link, announces the identity, flips the
// state to connected and reads until the link fails.
func (m *Manager) serve(ctx context.Context, conn net.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// Identity goes out before connectivity handlers run so rooms rejoined
	// from those handlers are already addressable.
	m.sendIdentity()
	m.setConnected(true)
	log.Printf("[conn] connected to %s", m.config.URL)

	err := m.readLoop(conn)

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	_ = conn.Close()
	m.setConnected(false)

	if ctx.Err() == nil {
		log.Printf("[conn] disconnected from %s: %v", m.config.URL, err)
	}
}

func (m *Manager) sendIdentity() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	identity, conn := m.identity, m.conn
	dup := m.announced == identity && m.announcedOn == conn
	m.mu.Unlock()
	if identity == "" || conn == nil || dup {
		return
	}

	data, err := protocol.NewClientMessage(protocol.TypeRegisterUser, protocol.RegisterUserMsg{
		UserID: identity,
		Token:  m.config.Token,
	})
	if err != nil {
		log.Printf("[conn] build register_user: %v", err)
		return
	}
	if err := m.write(conn, data); err != nil {
		log.Printf("[conn] register_user %s failed: %v", identity, err)
		return
	}
	m.mu.Lock()
	m.announced, m.announcedOn = identity, conn
	m.mu.Unlock()
}

// write sends one text frame. Callers hold writeMu.
func (m *Manager) write(conn net.Conn, data []byte) error {
	if m.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	handlers := make([]func(bool), 0, len(m.connHandlers))
	for _, h := range m.connHandlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(connected)
	}
}

// readLoop reads text frames until the connection fails. Control frames are
// answered under writeMu so pongs never interleave with outbound events.
func (m *Manager) readLoop(conn net.Conn) error {
	control := func(h ws.Header, r io.Reader) error {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return wsutil.ControlFrameHandler(conn, ws.StateClientSide)(h, r)
	}
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
		log.Printf("[conn] ignoring malformed frame (%d bytes)", len(data))
		return
	}

	if envelope.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		if err := json.Unmarshal(data, &e); err == nil {
			log.Printf("[conn] relay error code=%s: %s", e.Code, e.Message)
		}
	}

	m.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(m.handlers[envelope.Type]))
	for _, h := range m.handlers[envelope.Type] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(json.RawMessage(data))
	}
}

// bufferedConn reads through the handshake reader before the raw socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
