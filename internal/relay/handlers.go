package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fitmatch/realtime/internal/ban"
	"github.com/fitmatch/realtime/internal/metrics"
	"github.com/fitmatch/realtime/internal/protocol"
	"github.com/fitmatch/realtime/internal/ratelimit"
	"github.com/fitmatch/realtime/internal/room"
)

// Delivery outcomes of Notify.
const (
	DeliveryLive    = "live"
	DeliveryStored  = "stored"
	DeliveryUnknown = "unknown"
)

// CategoryMessage is the notification category sent to the peer of a room
// when a chat message arrives.
const CategoryMessage = "message"

const previewRunes = 80

// MessagePayload is the payload of a CategoryMessage notification.
type MessagePayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Preview   string `json:"preview"`
}

// -----------------------------------------------------------------------
// register_user
// -----------------------------------------------------------------------

func (s *Server) handleRegister(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.RegisterUserMsg)
	if !ok {
		return
	}
	if m.UserID == "" {
		sendError(c, protocol.CodeInvalidMessage, "user_id is required")
		return
	}

	prev := c.UserID()
	if prev == m.UserID {
		return
	}

	if s.deps.Auth != nil {
		user, err := s.deps.Auth.Verify(m.Token)
		if err != nil || user != m.UserID {
			log.Printf("relay: register rejected conn=%s user=%s token_user=%q err=%v", c.ID, m.UserID, user, err)
			sendError(c, protocol.CodeUnauthorized, "identity token rejected")
			return
		}
	}

	if s.suspended(c, m.UserID) {
		return
	}

	// Rebinding to another user drops the rooms authorised for the old one.
	if prev != "" {
		for _, roomID := range c.Rooms() {
			s.leaveRoom(c, roomID)
		}
		s.unbindUser(c, prev)
	}

	if err := s.users.Add(m.UserID, c); err != nil {
		log.Printf("relay: register conn=%s user=%s: %v", c.ID, m.UserID, err)
		sendError(c, protocol.CodeUnavailable, "notifications unavailable")
		return
	}
	c.setUserID(m.UserID)

	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.deps.Presence.Add(ctx, m.UserID, c.ID); err != nil {
			log.Printf("relay: presence add user=%s conn=%s: %v", m.UserID, c.ID, err)
		}
		cancel()
	}

	log.Printf("relay: registered conn=%s user=%s", c.ID, m.UserID)
}

// unbindUser detaches c from userID's notifications and presence.
func (s *Server) unbindUser(c *Connection, userID string) {
	if _, err := s.users.Remove(userID, c.ID); err != nil {
		log.Printf("relay: unbind conn=%s user=%s: %v", c.ID, userID, err)
	}
	c.setUserID("")

	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.deps.Presence.Remove(ctx, userID, c.ID); err != nil {
			log.Printf("relay: presence remove user=%s conn=%s: %v", userID, c.ID, err)
		}
		cancel()
	}
}

// suspended sends a suspended error and returns true when userID is
// currently suspended. Lookup failures fail open.
func (s *Server) suspended(c *Connection, userID string) bool {
	if s.deps.Suspensions == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	st, err := s.deps.Suspensions.Status(ctx, userID)
	if err != nil {
		log.Printf("relay: suspension lookup user=%s: %v", userID, err)
		return false
	}
	if !st.Banned {
		return false
	}
	sendError(c, protocol.CodeSuspended, suspendedMessage(st))
	return true
}

func suspendedMessage(st ban.Status) string {
	if st.Remaining <= 0 {
		return "chat suspended"
	}
	return fmt.Sprintf("chat suspended for %s", st.Remaining.Round(time.Second))
}

// -----------------------------------------------------------------------
// join_room / leave_room
// -----------------------------------------------------------------------

func (s *Server) handleJoin(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}
	userID := c.UserID()
	if userID == "" {
		sendError(c, protocol.CodeNotRegistered, "register_user before joining a room")
		return
	}
	if !room.IsParticipant(m.RoomID, userID) {
		sendError(c, protocol.CodeForbidden, "not a participant of this room")
		return
	}
	if c.InRoom(m.RoomID) {
		return
	}

	if err := s.rooms.Add(m.RoomID, c); err != nil {
		log.Printf("relay: join conn=%s room=%s: %v", c.ID, m.RoomID, err)
		sendError(c, protocol.CodeUnavailable, "room unavailable")
		return
	}
	c.addRoom(m.RoomID)
	metrics.RoomsActive.Set(float64(s.rooms.Size()))
}

func (s *Server) handleLeave(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveRoomMsg)
	if !ok {
		return
	}
	s.leaveRoom(c, m.RoomID)
}

func (s *Server) leaveRoom(c *Connection, roomID string) {
	if !c.removeRoom(roomID) {
		return
	}
	if _, err := s.rooms.Remove(roomID, c.ID); err != nil {
		log.Printf("relay: leave conn=%s room=%s: %v", c.ID, roomID, err)
	}
	metrics.RoomsActive.Set(float64(s.rooms.Size()))
}

// -----------------------------------------------------------------------
// send_message
// -----------------------------------------------------------------------

func (s *Server) handleSend(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	reject := func(outcome, code, message string) {
		metrics.MessagesTotal.WithLabelValues(outcome).Inc()
		sendError(c, code, message)
	}

	userID := c.UserID()
	switch {
	case userID == "":
		reject("rejected", protocol.CodeNotRegistered, "register_user before sending")
		return
	case m.SenderID != userID:
		reject("rejected", protocol.CodeForbidden, "sender_id does not match the registered user")
		return
	case !c.InRoom(m.RoomID):
		reject("rejected", protocol.CodeNotJoined, "join the room before sending")
		return
	case !m.SenderRole.Valid():
		reject("rejected", protocol.CodeInvalidMessage, "unknown sender_role")
		return
	}
	if err := protocol.ValidateText(m.Text); err != nil {
		reject("rejected", protocol.CodeInvalidMessage, err.Error())
		return
	}

	ctx := context.Background()
	if !s.allow(ctx, userID, ratelimit.RuleMessage) {
		reject("rate_limited", protocol.CodeRateLimited, "too many messages")
		return
	}
	if s.suspended(c, userID) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}
	if s.deps.Filter != nil {
		if res := s.deps.Filter.Check(m.Text); res.Blocked {
			log.Printf("relay: blocked message conn=%s user=%s reason=%s term=%s", c.ID, userID, res.Reason, res.Term)
			reject("blocked", protocol.CodeBlocked, res.Reason)
			s.strike(userID, ban.StrikeBlockedMessage, res.Reason)
			return
		}
	}

	out := protocol.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   userID,
		SenderRole: m.SenderRole,
		Text:       m.Text,
		SentAt:     time.Now().UnixMilli(),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}

	saveCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	if err := s.deps.Messages.SaveMessage(saveCtx, out); err != nil {
		log.Printf("relay: save message id=%s room=%s: %v", out.ID, out.RoomID, err)
	}
	cancel()

	if err := s.publishRoom(RoomEvent{
		Kind:    EventMessage,
		Origin:  s.origin(c),
		RoomID:  out.RoomID,
		Message: &out,
	}); err != nil {
		log.Printf("relay: publish message id=%s room=%s: %v", out.ID, out.RoomID, err)
		reject("rejected", protocol.CodeUnavailable, "message not delivered")
		return
	}
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()

	s.notifyPeer(ctx, out)
}

// notifyPeer sends a CategoryMessage notification to the other participant.
func (s *Server) notifyPeer(ctx context.Context, msg protocol.Message) {
	a, b, err := room.Participants(msg.RoomID)
	if err != nil {
		return
	}
	peer := a
	if peer == msg.SenderID {
		peer = b
	}

	payload, err := json.Marshal(MessagePayload{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Preview:   preview(msg.Text),
	})
	if err != nil {
		return
	}
	if _, _, err := s.Notify(ctx, peer, CategoryMessage, payload); err != nil {
		log.Printf("relay: notify peer=%s room=%s: %v", peer, msg.RoomID, err)
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "…"
}

// strike records a strike against userID. A resulting suspension does not
// drop the connection; the next register or send is refused.
func (s *Server) strike(userID string, weight int, reason string) {
	if s.deps.Suspensions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	banned, d, err := s.deps.Suspensions.Strike(ctx, userID, weight, reason)
	if err != nil {
		log.Printf("relay: strike user=%s: %v", userID, err)
		return
	}
	if banned {
		log.Printf("relay: suspended user=%s for %s reason=%s", userID, d, reason)
	}
}

// -----------------------------------------------------------------------
// typing
// -----------------------------------------------------------------------

func (s *Server) handleTyping(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	userID := c.UserID()
	if userID == "" {
		sendError(c, protocol.CodeNotRegistered, "register_user before typing")
		return
	}
	if !c.InRoom(m.RoomID) {
		sendError(c, protocol.CodeNotJoined, "join the room before typing")
		return
	}
	// Over-limit typing signals are dropped silently.
	if !s.allow(context.Background(), userID, ratelimit.RuleTyping) {
		return
	}

	if err := s.publishRoom(RoomEvent{
		Kind:   EventTyping,
		Origin: s.origin(c),
		RoomID: m.RoomID,
		UserID: userID,
		Ts:     time.Now().UnixMilli(),
	}); err != nil {
		log.Printf("relay: publish typing room=%s: %v", m.RoomID, err)
	}
}

// -----------------------------------------------------------------------
// Fan-out
// -----------------------------------------------------------------------

func (s *Server) publishRoom(ev RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: marshal room event: %w", err)
	}
	return s.deps.Broker.PublishRoom(ev.RoomID, data)
}

func (s *Server) subscribeRoom(roomID string) error {
	return s.deps.Broker.SubscribeRoom(roomID, func(data []byte) {
		s.deliverRoom(roomID, data)
	})
}

func (s *Server) subscribeUser(userID string) error {
	return s.deps.Broker.SubscribeUser(userID, func(data []byte) {
		s.deliverUser(userID, data)
	})
}

// deliverRoom writes a room event to the local members of roomID. A message
// skips the connection that sent it; a typing event skips every connection
// of the typing user.
func (s *Server) deliverRoom(roomID string, data []byte) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("relay: bad room event room=%s: %v", roomID, err)
		return
	}

	switch ev.Kind {
	case EventMessage:
		if ev.Message == nil {
			return
		}
		out := protocol.ReceiveMessageMsg{Message: *ev.Message}
		for _, c := range s.rooms.Members(roomID) {
			if s.origin(c) == ev.Origin {
				continue
			}
			send(c, protocol.TypeReceiveMessage, out)
		}

	case EventTyping:
		out := protocol.UserTypingMsg{RoomID: roomID, UserID: ev.UserID, Ts: ev.Ts}
		for _, c := range s.rooms.Members(roomID) {
			if c.UserID() == ev.UserID {
				continue
			}
			send(c, protocol.TypeUserTyping, out)
		}

	default:
		log.Printf("relay: unknown room event kind=%q room=%s", ev.Kind, roomID)
	}
}

// deliverUser writes a notification to every local connection of userID.
func (s *Server) deliverUser(userID string, data []byte) {
	var n protocol.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Printf("relay: bad notification user=%s: %v", userID, err)
		return
	}
	out := protocol.NotificationMsg{Notification: n}
	for _, c := range s.users.Members(userID) {
		send(c, protocol.TypeNotification, out)
	}
}

// Notify stores a notification for userID and publishes it for live
// delivery. When presence reports the user offline the notification is only
// stored. The delivery outcome is one of DeliveryLive, DeliveryStored or
// DeliveryUnknown (presence lookup failed; published anyway).
func (s *Server) Notify(ctx context.Context, userID, category string, payload json.RawMessage) (protocol.Notification, string, error) {
	n := protocol.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Category:  category,
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.deps.Notifications.SaveNotification(storeCtx, n); err != nil {
		return n, "", fmt.Errorf("relay: save notification: %w", err)
	}

	delivery := DeliveryLive
	if s.deps.Presence != nil {
		online, err := s.deps.Presence.Online(storeCtx, userID)
		switch {
		case err != nil:
			log.Printf("relay: presence lookup user=%s: %v", userID, err)
			delivery = DeliveryUnknown
		case !online:
			delivery = DeliveryStored
		}
	}

	if delivery != DeliveryStored {
		data, err := json.Marshal(n)
		if err != nil {
			return n, "", fmt.Errorf("relay: marshal notification: %w", err)
		}
		if err := s.deps.Broker.PublishUser(userID, data); err != nil {
			log.Printf("relay: publish notification user=%s id=%s: %v", userID, n.ID, err)
		}
	}
	metrics.NotificationsTotal.WithLabelValues(delivery).Inc()
	return n, delivery, nil
}
