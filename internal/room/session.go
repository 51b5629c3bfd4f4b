// Package room implements the per-conversation side of the realtime layer:
// the deterministic room id shared by two participants and the Session that
// joins that room, loads its history and layers live message and typing
// events on top of it.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitmatch/realtime/internal/protocol"
)

// TypingTimeout is how long the peer-typing indicator stays on after the
// last typing signal.
const TypingTimeout = 2 * time.Second

var (
	// ErrNotJoined is returned by SendMessage when the session has no joined room.
	ErrNotJoined = errors.New("room: session is not joined")

	// ErrInvalidParticipant is returned for empty participant ids.
	ErrInvalidParticipant = errors.New("room: invalid participant")
)

// Transport is the shared realtime connection a Session talks through. The
// connection manager satisfies it; every registration returns a disposer.
type Transport interface {
	Emit(msgType string, payload interface{}) error
	On(msgType string, handler func(json.RawMessage)) (off func())
	OnConnectionChange(handler func(connected bool)) (off func())
}

// HistoryLoader fetches the stored messages of a room, oldest first.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, roomID string) ([]protocol.Message, error)
}

// Participant is one side of a conversation.
type Participant struct {
	ID   string
	Role protocol.Role
}

// State is the lifecycle state of a Session.
type State int

const (
	StateUnjoined State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Timer is the subset of *time.Timer the typing indicator needs.
type Timer interface {
	Stop() bool
}

// Option configures a Session.
type Option func(*Session)

// WithAfterFunc replaces time.AfterFunc for the typing timeout.
func WithAfterFunc(fn func(d time.Duration, f func()) Timer) Option {
	return func(s *Session) { s.afterFunc = fn }
}

// Session is the conversation between the local user and one peer. Only one
// room is joined at a time: opening a different peer leaves the previous room
// first. Handlers registered on the transport are released by Close.
type Session struct {
	transport Transport
	history   HistoryLoader
	self      Participant
	afterFunc func(d time.Duration, f func()) Timer

	mu         sync.Mutex
	state      State
	peer       Participant
	roomID     string
	token      uint64 // incremented on every room change; stale history is dropped
	messages   []protocol.Message
	seen       map[string]struct{}
	pending    []protocol.Message // live messages received while joining
	typing     bool
	typingSeq  uint64
	typingStop Timer
	disposers  []func()

	msgHandlers    map[uint64]func(protocol.Message)
	typingHandlers map[uint64]func(bool)
	nextHandlerID  uint64
}

// NewSession creates an unjoined Session for self. history may be nil, in
// which case rooms start empty.
func NewSession(transport Transport, history HistoryLoader, self Participant, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		history:   history,
		self:      self,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		seen:           make(map[string]struct{}),
		msgHandlers:    make(map[uint64]func(protocol.Message)),
		typingHandlers: make(map[uint64]func(bool)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open joins the room shared with peer and loads its history. If another room
// is joined it is left first. Opening the peer that is already joined is a
// no-op. Transport and history failures are logged and absorbed; the only
// errors returned are for invalid input.
func (s *Session) Open(ctx context.Context, peer Participant) error {
	if s.self.ID == "" || peer.ID == "" {
		return ErrInvalidParticipant
	}
	roomID := DeriveRoomID(s.self.ID, peer.ID)

	s.mu.Lock()
	if s.roomID == roomID && (s.state == StateJoined || s.state == StateJoining) {
		s.mu.Unlock()
		return nil
	}
	previous := s.leaveLocked()
	if s.disposers == nil {
		s.subscribeLocked()
	}

	s.token++
	token := s.token
	if previous == "" {
		s.state = StateJoining
	}
	s.peer = peer
	s.roomID = roomID
	s.messages = nil
	s.pending = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	if previous != "" {
		s.emitLeave(previous)
	}

	// A Close or another Open may have run while the lock was released. The
	// join is only sent for the current token, and undone if the token moves
	// while the emit is in flight.
	s.mu.Lock()
	if s.token != token {
		s.mu.Unlock()
		return nil
	}
	s.state = StateJoining
	s.mu.Unlock()

	if err := s.transport.Emit(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID}); err != nil {
		log.Printf("[room] join %s failed: %v", roomID, err)
	}

	s.mu.Lock()
	superseded := s.token != token
	s.mu.Unlock()
	if superseded {
		s.emitLeave(roomID)
		return nil
	}

	var history []protocol.Message
	if s.history != nil {
		var err error
		history, err = s.history.LoadHistory(ctx, roomID)
		if err != nil {
			log.Printf("[room] load history %s failed: %v", roomID, err)
			history = nil
		}
	}

	s.mu.Lock()
	if s.token != token {
		// Closed or switched to another peer while the fetch was in flight.
		s.mu.Unlock()
		log.Printf("[room] discarding stale history for %s", roomID)
		return nil
	}
	for _, m := range history {
		if m.RoomID != roomID {
			continue
		}
		s.appendLocked(m)
	}
	var delivered []protocol.Message
	for _, m := range s.pending {
		if s.appendLocked(m) {
			delivered = append(delivered, m)
		}
	}
	s.pending = nil
	s.state = StateJoined
	handlers := s.messageHandlersLocked()
	s.mu.Unlock()

	for _, m := range delivered {
		for _, h := range handlers {
			h(m)
		}
	}
	return nil
}

// Close leaves the joined room, releases every transport handler and drops
// local state. Any history fetch still in flight is discarded. Calling Close
// on an unjoined session is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	previous := s.leaveLocked()
	if previous == "" {
		s.state = StateUnjoined
	}
	s.token++
	token := s.token
	s.messages = nil
	s.pending = nil
	s.seen = make(map[string]struct{})
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	for _, off := range disposers {
		off()
	}
	if previous == "" {
		return
	}
	s.emitLeave(previous)

	s.mu.Lock()
	if s.token == token {
		s.state = StateUnjoined
	}
	s.mu.Unlock()
}

// leaveLocked moves a joined or joining session to leaving and returns the
// room that must be left, or "" if there was none. The leave_room event is
// sent by emitLeave once s.mu is released. Callers hold s.mu.
func (s *Session) leaveLocked() string {
	if s.state != StateJoined && s.state != StateJoining {
		return ""
	}
	roomID := s.roomID
	s.state = StateLeaving
	s.clearTypingLocked()
	s.roomID = ""
	s.peer = Participant{}
	return roomID
}

func (s *Session) emitLeave(roomID string) {
	if roomID == "" {
		return
	}
	if err := s.transport.Emit(protocol.TypeLeaveRoom, protocol.LeaveRoomMsg{RoomID: roomID}); err != nil {
		log.Printf("[room] leave %s failed: %v", roomID, err)
	}
}

func (s *Session) subscribeLocked() {
	s.disposers = []func(){
		s.transport.On(protocol.TypeReceiveMessage, s.handleMessage),
		s.transport.On(protocol.TypeUserTyping, s.handleTyping),
		s.transport.OnConnectionChange(s.handleConnectionChange),
	}
}

// SendMessage appends a message from the local user to the list and emits it.
// The append happens before anything is sent; if the emit fails the message
// stays in the list.
func (s *Session) SendMessage(text string) (protocol.Message, error) {
	if err := protocol.ValidateText(text); err != nil {
		return protocol.Message{}, err
	}

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return protocol.Message{}, ErrNotJoined
	}
	msg := protocol.Message{
		ID:         uuid.NewString(),
		RoomID:     s.roomID,
		SenderID:   s.self.ID,
		SenderRole: s.self.Role,
		Text:       text,
	}
	s.appendLocked(msg)
	s.mu.Unlock()

	if err := s.transport.Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderRole: msg.SenderRole,
		Text:       msg.Text,
	}); err != nil {
		log.Printf("[room] send message %s in %s failed: %v", msg.ID, msg.RoomID, err)
	}
	return msg, nil
}

// SignalTyping tells the peer the local user is composing a message.
func (s *Session) SignalTyping() {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	s.mu.Unlock()

	if err := s.transport.Emit(protocol.TypeTyping, protocol.TypingMsg{RoomID: roomID}); err != nil {
		log.Printf("[room] typing in %s failed: %v", roomID, err)
	}
}

// OnMessage registers a handler invoked once per inbound message applied to
// the joined room.
func (s *Session) OnMessage(handler func(protocol.Message)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandlerID++
	id := s.nextHandlerID
	s.msgHandlers[id] = handler
	return func() {
		s.mu.Lock()
		delete(s.msgHandlers, id)
		s.mu.Unlock()
	}
}

// OnTyping registers a handler invoked whenever the peer-typing indicator
// flips.
func (s *Session) OnTyping(handler func(typing bool)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandlerID++
	id := s.nextHandlerID
	s.typingHandlers[id] = handler
	return func() {
		s.mu.Lock()
		delete(s.typingHandlers, id)
		s.mu.Unlock()
	}
}

// Messages returns a snapshot of the room's messages, oldest first.
func (s *Session) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// PeerTyping reports whether the peer is currently composing a message.
func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// RoomID returns the joined room id, or "" when unjoined.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Peer returns the participant of the current room.
func (s *Session) Peer() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleMessage(raw json.RawMessage) {
	var ev protocol.ReceiveMessageMsg
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("[room] ignoring malformed message event: %v", err)
		return
	}
	msg := ev.Message

	s.mu.Lock()
	if msg.RoomID == "" || msg.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateJoining:
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	case StateJoined:
	default:
		s.mu.Unlock()
		return
	}
	if !s.appendLocked(msg) {
		s.mu.Unlock()
		return
	}
	handlers := s.messageHandlersLocked()
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (s *Session) handleTyping(raw json.RawMessage) {
	var ev protocol.UserTypingMsg
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("[room] ignoring malformed typing event: %v", err)
		return
	}

	s.mu.Lock()
	if s.state != StateJoined || ev.RoomID != s.roomID || ev.UserID == s.self.ID {
		s.mu.Unlock()
		return
	}

	if s.typingStop != nil {
		s.typingStop.Stop()
	}
	s.typingSeq++
	seq := s.typingSeq
	s.typingStop = s.afterFunc(TypingTimeout, func() { s.expireTyping(seq) })

	flipped := !s.typing
	s.typing = true
	var handlers []func(bool)
	if flipped {
		handlers = s.typingHandlersLocked()
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(true)
	}
}

func (s *Session) expireTyping(seq uint64) {
	s.mu.Lock()
	if seq != s.typingSeq || !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.typingStop = nil
	handlers := s.typingHandlersLocked()
	s.mu.Unlock()

	for _, h := range handlers {
		h(false)
	}
}

// clearTypingLocked stops the typing timer without notifying handlers; the
// room the indicator belonged to is going away.
func (s *Session) clearTypingLocked() {
	if s.typingStop != nil {
		s.typingStop.Stop()
		s.typingStop = nil
	}
	s.typingSeq++
	s.typing = false
}

func (s *Session) handleConnectionChange(connected bool) {
	if !connected {
		return
	}
	s.mu.Lock()
	if s.state != StateJoined && s.state != StateJoining {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	s.mu.Unlock()

	if err := s.transport.Emit(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID}); err != nil {
		log.Printf("[room] rejoin %s failed: %v", roomID, err)
		return
	}
	log.Printf("[room] rejoined %s after reconnect", roomID)
}

// appendLocked adds m to the list unless a message with the same id is
// already present. It reports whether m was added.
func (s *Session) appendLocked(m protocol.Message) bool {
	if m.ID != "" {
		if _, dup := s.seen[m.ID]; dup {
			return false
		}
		s.seen[m.ID] = struct{}{}
	}
	s.messages = append(s.messages, m)
	return true
}

func (s *Session) messageHandlersLocked() []func(protocol.Message) {
	out := make([]func(protocol.Message), 0, len(s.msgHandlers))
	for _, h := range s.msgHandlers {
		out = append(out, h)
	}
	return out
}

func (s *Session) typingHandlersLocked() []func(bool) {
	out := make([]func(bool), 0, len(s.typingHandlers))
	for _, h := range s.typingHandlers {
		out = append(out, h)
	}
	return out
}
