package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fitmatch/realtime/internal/auth"
	"github.com/fitmatch/realtime/internal/ban"
	"github.com/fitmatch/realtime/internal/messaging"
	"github.com/fitmatch/realtime/internal/moderation"
	"github.com/fitmatch/realtime/internal/protocol"
	"github.com/fitmatch/realtime/internal/ratelimit"
	"github.com/fitmatch/realtime/internal/report"
	"github.com/fitmatch/realtime/internal/room"
	"github.com/fitmatch/realtime/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeLimiter struct {
	deny map[string]bool // rule key -> deny
}

func (f *fakeLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return !f.deny[rule.Key], nil
}

type fakePresence struct {
	mu      sync.Mutex
	online  bool
	err     error
	added   []string
	removed []string
}

func (f *fakePresence) Add(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	f.added = append(f.added, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakePresence) Remove(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	f.removed = append(f.removed, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakePresence) Refresh(context.Context, string) error { return nil }

func (f *fakePresence) Online(context.Context, string) (bool, error) {
	return f.online, f.err
}

func (f *fakePresence) removedUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type strike struct {
	user   string
	weight int
	reason string
}

type fakeSuspensions struct {
	mu      sync.Mutex
	banned  map[string]ban.Status
	strikes []strike
}

func (f *fakeSuspensions) Status(_ context.Context, userID string) (ban.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[userID], nil
}

func (f *fakeSuspensions) Strike(_ context.Context, userID string, weight int, reason string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strikes = append(f.strikes, strike{userID, weight, reason})
	return false, 0, nil
}

func (f *fakeSuspensions) recorded() []strike {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]strike(nil), f.strikes...)
}

type fakeReports struct {
	mu      sync.Mutex
	reports []*report.Report
}

func (f *fakeReports) Create(_ context.Context, r *report.Report) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return int64(len(f.reports)), nil
}

func (f *fakeReports) all() []*report.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*report.Report(nil), f.reports...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	srv    *Server
	http   *httptest.Server
	store  *store.Memory
	broker *messaging.Local
}

func newHarness(t *testing.T, configure func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemory(0, 0),
		broker: messaging.NewLocal(),
	}
	deps := Deps{
		Messages:      h.store,
		Notifications: h.store,
		Broker:        h.broker,
	}
	if configure != nil {
		configure(&deps)
	}

	cfg := DefaultConfig()
	cfg.ServerName = "test"
	cfg.WriteTimeout = 2 * time.Second

	srv, err := NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h.srv = srv
	h.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		h.http.Close()
	})
	return h
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func (h *harness) dial(t *testing.T) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, br, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, rw: conn}
	if br != nil {
		c.rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}
	return c
}

// connect dials, registers userID and waits until the relay has processed it.
func (h *harness) connect(t *testing.T, userID string) *testClient {
	t.Helper()
	c := h.dial(t)
	c.send(protocol.TypeRegisterUser, protocol.RegisterUserMsg{UserID: userID})
	c.sync()
	return c
}

func (c *testClient) send(msgType string, payload interface{}) {
	c.t.Helper()
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		c.t.Fatalf("build %s: %v", msgType, err)
	}
	c.sendRaw(data)
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next returns the type and body of the next text frame.
func (c *testClient) next() (string, []byte) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if op != ws.OpText {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("bad frame %s: %v", data, err)
		}
		return env.Type, data
	}
}

// expect fails unless the next frame has msgType, and decodes it into out.
func (c *testClient) expect(msgType string, out interface{}) {
	c.t.Helper()
	got, data := c.next()
	if got != msgType {
		c.t.Fatalf("expected %s, got %s: %s", msgType, got, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			c.t.Fatalf("decode %s: %v", msgType, err)
		}
	}
}

func (c *testClient) expectError(code string) {
	c.t.Helper()
	var e protocol.ErrorMsg
	c.expect(protocol.TypeError, &e)
	if e.Code != code {
		c.t.Fatalf("expected error code %q, got %q (%s)", code, e.Code, e.Message)
	}
}

// sync waits until the relay has handled every frame sent so far. Frames on
// one connection are handled in order, so the pong comes last.
func (c *testClient) sync() {
	c.t.Helper()
	c.send(protocol.TypePing, protocol.PingMsg{})
	c.expect(protocol.TypePong, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const (
	clientID = "c1"
	coachID  = "k1"
)

var roomID = room.DeriveRoomID(clientID, coachID)

// joinBoth connects the client and the coach and joins both to their room.
func joinBoth(t *testing.T, h *harness) (client, coach *testClient) {
	t.Helper()
	client = h.connect(t, clientID)
	coach = h.connect(t, coachID)
	for _, c := range []*testClient{client, coach} {
		c.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
		c.sync()
	}
	return client, coach
}

func sendText(c *testClient, id, sender string, role protocol.Role, text string) {
	c.t.Helper()
	c.send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ID:         id,
		RoomID:     roomID,
		SenderID:   sender,
		SenderRole: role,
		Text:       text,
	})
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer_RequiresCoreDeps(t *testing.T) {
	if _, err := NewServer(DefaultConfig(), Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestRelay_Ping(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)
	c.sync()
}

func TestRelay_RejectsMalformedAndUnknown(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.sendRaw([]byte(`{not json`))
	c.expectError(protocol.CodeParseError)

	c.sendRaw([]byte(`{"type":"receive_message"}`))
	c.expectError(protocol.CodeUnsupportedType)

	c.sendRaw([]byte(`{"type":"join_room","room_id":42}`))
	c.expectError(protocol.CodeParseError)
}

func TestRelay_MessageFanOut(t *testing.T) {
	h := newHarness(t, nil)
	client, coach := joinBoth(t, h)

	sendText(client, "m1", clientID, protocol.RoleClient, "hi coach")

	var got protocol.ReceiveMessageMsg
	coach.expect(protocol.TypeReceiveMessage, &got)
	if got.Message.ID != "m1" || got.Message.Text != "hi coach" || got.Message.RoomID != roomID {
		t.Fatalf("unexpected message: %+v", got.Message)
	}
	if got.Message.SentAt == 0 {
		t.Error("expected relay to stamp sent_at")
	}

	// The peer is notified about the new message.
	var n protocol.NotificationMsg
	coach.expect(protocol.TypeNotification, &n)
	if n.Notification.Category != CategoryMessage || n.Notification.UserID != coachID {
		t.Fatalf("unexpected notification: %+v", n.Notification)
	}
	var payload MessagePayload
	if err := json.Unmarshal(n.Notification.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.MessageID != "m1" || payload.SenderID != clientID || payload.Preview != "hi coach" {
		t.Errorf("unexpected payload: %+v", payload)
	}

	// The sender gets no echo.
	client.sync()

	hist, _ := h.store.History(context.Background(), roomID, 10)
	if len(hist) != 1 || hist[0].ID != "m1" {
		t.Fatalf("expected message persisted, got %+v", hist)
	}
	inbox, _ := h.store.ListNotifications(context.Background(), coachID, 10)
	if len(inbox) != 1 {
		t.Fatalf("expected one stored notification, got %d", len(inbox))
	}
}

func TestRelay_SenderOtherConnectionsReceive(t *testing.T) {
	h := newHarness(t, nil)
	client, _ := joinBoth(t, h)

	second := h.connect(t, clientID)
	second.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
	second.sync()

	sendText(client, "m1", clientID, protocol.RoleClient, "from my phone")

	var got protocol.ReceiveMessageMsg
	second.expect(protocol.TypeReceiveMessage, &got)
	if got.Message.ID != "m1" {
		t.Fatalf("unexpected message: %+v", got.Message)
	}
	client.sync()
}

func TestRelay_AssignsMissingMessageID(t *testing.T) {
	h := newHarness(t, nil)
	client, coach := joinBoth(t, h)

	sendText(client, "", clientID, protocol.RoleClient, "no id")

	var got protocol.ReceiveMessageMsg
	coach.expect(protocol.TypeReceiveMessage, &got)
	if got.Message.ID == "" {
		t.Fatal("expected relay to assign an id")
	}
}

func TestRelay_Typing(t *testing.T) {
	h := newHarness(t, nil)
	client, coach := joinBoth(t, h)

	client.send(protocol.TypeTyping, protocol.TypingMsg{RoomID: roomID})

	var got protocol.UserTypingMsg
	coach.expect(protocol.TypeUserTyping, &got)
	if got.UserID != clientID || got.RoomID != roomID || got.Ts == 0 {
		t.Fatalf("unexpected typing event: %+v", got)
	}
	client.sync()
}

func TestRelay_JoinRules(t *testing.T) {
	h := newHarness(t, nil)

	anon := h.dial(t)
	anon.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
	anon.expectError(protocol.CodeNotRegistered)

	outsider := h.connect(t, "x9")
	outsider.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
	outsider.expectError(protocol.CodeForbidden)

	outsider.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: "not a room"})
	outsider.expectError(protocol.CodeForbidden)

	// Joining twice is a no-op.
	client := h.connect(t, clientID)
	client.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
	client.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
	client.sync()
	if n := len(h.srv.rooms.Members(roomID)); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}
}

func TestRelay_SendValidation(t *testing.T) {
	h := newHarness(t, nil)
	client, _ := joinBoth(t, h)

	tests := []struct {
		name string
		msg  protocol.SendMessageMsg
		code string
	}{
		{"impersonation", protocol.SendMessageMsg{RoomID: roomID, SenderID: coachID, SenderRole: protocol.RoleCoach, Text: "hi"}, protocol.CodeForbidden},
		{"not joined", protocol.SendMessageMsg{RoomID: room.DeriveRoomID(clientID, "k2"), SenderID: clientID, SenderRole: protocol.RoleClient, Text: "hi"}, protocol.CodeNotJoined},
		{"empty text", protocol.SendMessageMsg{RoomID: roomID, SenderID: clientID, SenderRole: protocol.RoleClient, Text: ""}, protocol.CodeInvalidMessage},
		{"too long", protocol.SendMessageMsg{RoomID: roomID, SenderID: clientID, SenderRole: protocol.RoleClient, Text: strings.Repeat("a", protocol.MaxTextChars+1)}, protocol.CodeInvalidMessage},
		{"bad role", protocol.SendMessageMsg{RoomID: roomID, SenderID: clientID, SenderRole: "admin", Text: "hi"}, protocol.CodeInvalidMessage},
	}

	for _, tt := range tests {
		client.send(protocol.TypeSendMessage, tt.msg)
		var e protocol.ErrorMsg
		client.expect(protocol.TypeError, &e)
		if e.Code != tt.code {
			t.Errorf("%s: expected code %q, got %q (%s)", tt.name, tt.code, e.Code, e.Message)
		}
	}

	anon := h.dial(t)
	sendText(anon, "m1", clientID, protocol.RoleClient, "hi")
	anon.expectError(protocol.CodeNotRegistered)
}

func TestRelay_LeaveStopsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	client, coach := joinBoth(t, h)

	coach.send(protocol.TypeLeaveRoom, protocol.LeaveRoomMsg{RoomID: roomID})
	coach.send(protocol.TypeLeaveRoom, protocol.LeaveRoomMsg{RoomID: roomID}) // idempotent
	coach.sync()

	sendText(client, "m1", clientID, protocol.RoleClient, "still there?")
	client.sync()

	// Only the notification reaches the coach.
	coach.expect(protocol.TypeNotification, nil)
	coach.sync()
}

func TestRelay_RateLimits(t *testing.T) {
	limiter := &fakeLimiter{deny: map[string]bool{
		ratelimit.RuleMessage.Key: true,
		ratelimit.RuleTyping.Key:  true,
	}}
	h := newHarness(t, func(d *Deps) { d.Limiter = limiter })
	client, coach := joinBoth(t, h)

	sendText(client, "m1", clientID, protocol.RoleClient, "spam")
	client.expectError(protocol.CodeRateLimited)

	// Typing over the limit is dropped without an error.
	client.send(protocol.TypeTyping, protocol.TypingMsg{RoomID: roomID})
	client.sync()
	coach.sync()
}

func TestRelay_ConnectRateLimit(t *testing.T) {
	limiter := &fakeLimiter{deny: map[string]bool{ratelimit.RuleConnect.Key: true}}
	h := newHarness(t, func(d *Deps) { d.Limiter = limiter })

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	if _, _, _, err := ws.Dial(context.Background(), url); err == nil {
		t.Fatal("expected upgrade to be refused")
	}
}

func TestRelay_ModerationBlocksAndStrikes(t *testing.T) {
	susp := &fakeSuspensions{}
	h := newHarness(t, func(d *Deps) {
		d.Filter = moderation.NewFilter()
		d.Suspensions = susp
	})
	client, coach := joinBoth(t, h)

	sendText(client, "m1", clientID, protocol.RoleClient, "text me on 555-123-4567 instead")

	var e protocol.ErrorMsg
	client.expect(protocol.TypeError, &e)
	if e.Code != protocol.CodeBlocked || e.Message != moderation.ReasonContact {
		t.Fatalf("unexpected error %+v", e)
	}
	client.sync()
	coach.sync()

	strikes := susp.recorded()
	if len(strikes) != 1 || strikes[0].user != clientID || strikes[0].weight != ban.StrikeBlockedMessage {
		t.Fatalf("unexpected strikes %+v", strikes)
	}
	if hist, _ := h.store.History(context.Background(), roomID, 10); len(hist) != 0 {
		t.Fatalf("blocked message was stored: %+v", hist)
	}
}

func TestRelay_SuspendedUser(t *testing.T) {
	susp := &fakeSuspensions{banned: map[string]ban.Status{
		"x9": {Banned: true, Remaining: time.Hour, Reason: "spam_pattern"},
	}}
	h := newHarness(t, func(d *Deps) { d.Suspensions = susp })

	c := h.dial(t)
	c.send(protocol.TypeRegisterUser, protocol.RegisterUserMsg{UserID: "x9"})
	c.expectError(protocol.CodeSuspended)

	c.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: room.DeriveRoomID("x9", coachID)})
	c.expectError(protocol.CodeNotRegistered)
}

func TestRelay_TokenRegistration(t *testing.T) {
	cfg := auth.DefaultConfig()
	cfg.Secret = "test-secret"
	tokens, err := auth.NewTokens(cfg)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	h := newHarness(t, func(d *Deps) { d.Auth = tokens })

	c := h.dial(t)
	c.send(protocol.TypeRegisterUser, protocol.RegisterUserMsg{UserID: clientID})
	c.expectError(protocol.CodeUnauthorized)

	// A valid token for someone else is still rejected.
	coachToken, _ := tokens.Issue(coachID, protocol.RoleCoach)
	c.send(protocol.TypeRegisterUser, protocol.RegisterUserMsg{UserID: clientID, Token: coachToken})
	c.expectError(protocol.CodeUnauthorized)

	token, _ := tokens.Issue(clientID, protocol.RoleClient)
	c.send(protocol.TypeRegisterUser, protocol.RegisterUserMsg{UserID: clientID, Token: token})
	c.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
	c.sync()

	if n := len(h.srv.rooms.Members(roomID)); n != 1 {
		t.Fatalf("expected authenticated user to join, got %d members", n)
	}
}

func TestRelay_RebindLeavesRooms(t *testing.T) {
	h := newHarness(t, nil)
	client := h.connect(t, clientID)
	client.send(protocol.TypeJoinRoom, protocol.JoinRoomMsg{RoomID: roomID})
	client.sync()

	client.send(protocol.TypeRegisterUser, protocol.RegisterUserMsg{UserID: "c2"})
	client.sync()

	if n := len(h.srv.rooms.Members(roomID)); n != 0 {
		t.Fatalf("expected room to be left on rebind, got %d members", n)
	}
	if n := len(h.srv.users.Members(clientID)); n != 0 {
		t.Fatalf("expected old user unbound, got %d", n)
	}
	if n := len(h.srv.users.Members("c2")); n != 1 {
		t.Fatalf("expected new user bound, got %d", n)
	}
}

func TestRelay_DisconnectCleansUp(t *testing.T) {
	presence := &fakePresence{online: true}
	h := newHarness(t, func(d *Deps) { d.Presence = presence })
	client, coach := joinBoth(t, h)

	coach.conn.Close()
	waitFor(t, "coach teardown", func() bool {
		return h.srv.Connections().Count() == 1 && len(presence.removedUsers()) == 1
	})

	if n := len(h.srv.rooms.Members(roomID)); n != 1 {
		t.Fatalf("expected only the client left in the room, got %d", n)
	}
	if n := len(h.srv.users.Members(coachID)); n != 0 {
		t.Fatalf("expected coach unbound, got %d connections", n)
	}
	removed := presence.removedUsers()
	if removed[0] != coachID {
		t.Fatalf("expected presence removed for coach, got %v", removed)
	}

	// The user subscription went with the last connection.
	if err := h.broker.UnsubscribeUser(coachID); err == nil {
		t.Fatal("expected no user subscription left for the coach")
	}

	client.conn.Close()
	waitFor(t, "room unsubscribe", func() bool { return h.srv.rooms.Size() == 0 })
	if err := h.broker.UnsubscribeRoom(roomID); err == nil {
		t.Fatal("expected no room subscription left")
	}
}

func TestRelay_HeartbeatDropsIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, clientID)

	cfg := DefaultHeartbeatConfig()
	checkConnections(h.srv, cfg, time.Now())
	if h.srv.Connections().Count() != 1 {
		t.Fatal("active connection dropped")
	}

	checkConnections(h.srv, cfg, time.Now().Add(cfg.Interval+cfg.Timeout+time.Second))
	waitFor(t, "idle connection dropped", func() bool { return h.srv.Connections().Count() == 0 })
}

func TestNotify_Delivery(t *testing.T) {
	presence := &fakePresence{online: false}
	h := newHarness(t, func(d *Deps) { d.Presence = presence })
	coach := h.connect(t, coachID)

	_, delivery, err := h.srv.Notify(context.Background(), coachID, "booking", json.RawMessage(`{"session":"s1"}`))
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if delivery != DeliveryStored {
		t.Fatalf("expected stored delivery, got %s", delivery)
	}
	coach.sync()

	presence.online = true
	n, delivery, err := h.srv.Notify(context.Background(), coachID, "payment", nil)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if delivery != DeliveryLive {
		t.Fatalf("expected live delivery, got %s", delivery)
	}
	var got protocol.NotificationMsg
	coach.expect(protocol.TypeNotification, &got)
	if got.Notification.ID != n.ID || got.Notification.Category != "payment" {
		t.Fatalf("unexpected notification %+v", got.Notification)
	}

	inbox, _ := h.store.ListNotifications(context.Background(), coachID, 10)
	if len(inbox) != 2 || inbox[0].Category != "payment" {
		t.Fatalf("expected both stored newest first, got %+v", inbox)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("short"); got != "short" {
		t.Errorf("preview(short) = %q", got)
	}
	long := strings.Repeat("é", previewRunes+5)
	got := preview(long)
	if !strings.HasSuffix(got, "…") || len([]rune(got)) != previewRunes+1 {
		t.Errorf("unexpected preview %q", got)
	}
}
