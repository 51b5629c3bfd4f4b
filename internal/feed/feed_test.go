package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/fitmatch/realtime/internal/protocol"
)

// fakeSubscriber records handlers and lets tests push frames.
type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]map[int]func(json.RawMessage)
	next     int
	subs     int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]map[int]func(json.RawMessage))}
}

func (s *fakeSubscriber) On(msgType string, h func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.subs++
	id := s.next
	if s.handlers[msgType] == nil {
		s.handlers[msgType] = make(map[int]func(json.RawMessage))
	}
	s.handlers[msgType][id] = h
	return func() {
		s.mu.Lock()
		delete(s.handlers[msgType], id)
		s.mu.Unlock()
	}
}

func (s *fakeSubscriber) push(t *testing.T, n protocol.Notification) {
	t.Helper()
	data, err := protocol.NewServerMessage(protocol.TypeNotification, protocol.NotificationMsg{Notification: n})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}
	s.pushRaw(data)
}

func (s *fakeSubscriber) pushRaw(data []byte) {
	s.mu.Lock()
	var hs []func(json.RawMessage)
	for _, h := range s.handlers[protocol.TypeNotification] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(data))
	}
}

func (s *fakeSubscriber) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[protocol.TypeNotification])
}

type fakeStore struct {
	stored  []protocol.Notification
	listErr error
	ackErr  error
	acked   []string
	limit   int
}

func (s *fakeStore) ListNotifications(_ context.Context, _ string, limit int) ([]protocol.Notification, error) {
	s.limit = limit
	return s.stored, s.listErr
}

func (s *fakeStore) Acknowledge(_ context.Context, _, id string) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, id)
	return nil
}

func ids(items []protocol.Notification) []string {
	out := make([]string, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFeed_PrependsNewestFirst(t *testing.T) {
	sub := newFakeSubscriber()
	f := New(sub, nil, "u1")
	f.Start(context.Background())

	sub.push(t, protocol.Notification{ID: "n1", Category: "booking"})
	sub.push(t, protocol.Notification{ID: "n2", Category: "message"})
	sub.push(t, protocol.Notification{ID: "n3", Category: "payment"})

	if got := ids(f.Items()); !equal(got, []string{"n3", "n2", "n1"}) {
		t.Fatalf("expected [n3 n2 n1], got %v", got)
	}
}

func TestFeed_NoDedup(t *testing.T) {
	sub := newFakeSubscriber()
	f := New(sub, nil, "u1")
	f.Start(context.Background())

	sub.push(t, protocol.Notification{ID: "n1"})
	sub.push(t, protocol.Notification{ID: "n1"})

	if got := len(f.Items()); got != 2 {
		t.Fatalf("expected duplicate delivery to be kept, got %d items", got)
	}
}

func TestFeed_IgnoresMalformed(t *testing.T) {
	sub := newFakeSubscriber()
	f := New(sub, nil, "u1")
	f.Start(context.Background())

	fired := 0
	f.OnNotification(func(protocol.Notification) { fired++ })

	sub.pushRaw([]byte(`{"type":"notification","notification":"oops"}`))
	sub.pushRaw([]byte(`{"type":"notification"}`))
	sub.pushRaw([]byte(`not json`))
	sub.push(t, protocol.Notification{ID: "n1"})

	if got := ids(f.Items()); !equal(got, []string{"n1"}) {
		t.Fatalf("expected only n1, got %v", got)
	}
	if fired != 1 {
		t.Fatalf("expected 1 handler call, got %d", fired)
	}
}

func TestFeed_StartSubscribesOnce(t *testing.T) {
	sub := newFakeSubscriber()
	f := New(sub, nil, "u1")
	f.Start(context.Background())
	f.Start(context.Background())

	if sub.subs != 1 {
		t.Fatalf("expected 1 subscription, got %d", sub.subs)
	}
}

func TestFeed_BackfillBeneathLive(t *testing.T) {
	sub := newFakeSubscriber()
	store := &fakeStore{stored: []protocol.Notification{{ID: "s2"}, {ID: "s1"}}}
	f := New(sub, store, "u1")

	f.Start(context.Background())
	sub.push(t, protocol.Notification{ID: "live"})

	if got := ids(f.Items()); !equal(got, []string{"live", "s2", "s1"}) {
		t.Fatalf("expected [live s2 s1], got %v", got)
	}
	if store.limit != BackfillLimit {
		t.Errorf("expected limit %d, got %d", BackfillLimit, store.limit)
	}
}

// liveDuringBackfill pushes a live notification while ListNotifications runs.
type liveDuringBackfill struct {
	fakeStore
	onList func()
}

func (s *liveDuringBackfill) ListNotifications(ctx context.Context, userID string, limit int) ([]protocol.Notification, error) {
	s.onList()
	return s.fakeStore.ListNotifications(ctx, userID, limit)
}

func TestFeed_LiveDuringBackfillStaysOnTop(t *testing.T) {
	sub := newFakeSubscriber()
	store := &liveDuringBackfill{fakeStore: fakeStore{stored: []protocol.Notification{{ID: "s1"}}}}
	store.onList = func() { sub.push(t, protocol.Notification{ID: "live"}) }

	f := New(sub, store, "u1")
	f.Start(context.Background())

	if got := ids(f.Items()); !equal(got, []string{"live", "s1"}) {
		t.Fatalf("expected [live s1], got %v", got)
	}
}

func TestFeed_BackfillFailureIsSilent(t *testing.T) {
	sub := newFakeSubscriber()
	store := &fakeStore{listErr: errors.New("down")}
	f := New(sub, store, "u1")
	f.Start(context.Background())

	if len(f.Items()) != 0 {
		t.Fatalf("expected empty feed, got %v", ids(f.Items()))
	}
	sub.push(t, protocol.Notification{ID: "n1"})
	if got := ids(f.Items()); !equal(got, []string{"n1"}) {
		t.Fatalf("expected feed to stay live after backfill failure, got %v", got)
	}
}

func TestFeed_OnNotificationDisposer(t *testing.T) {
	sub := newFakeSubscriber()
	f := New(sub, nil, "u1")
	f.Start(context.Background())

	var got []string
	off := f.OnNotification(func(n protocol.Notification) { got = append(got, n.ID) })
	sub.push(t, protocol.Notification{ID: "n1"})
	off()
	sub.push(t, protocol.Notification{ID: "n2"})

	if !equal(got, []string{"n1"}) {
		t.Fatalf("expected handler to see only n1, got %v", got)
	}
}

func TestFeed_Acknowledge(t *testing.T) {
	sub := newFakeSubscriber()
	store := &fakeStore{}
	f := New(sub, store, "u1")
	f.Start(context.Background())
	sub.push(t, protocol.Notification{ID: "n1"})
	sub.push(t, protocol.Notification{ID: "n2"})

	if f.Unread() != 2 {
		t.Fatalf("expected 2 unread, got %d", f.Unread())
	}
	if err := f.Acknowledge(context.Background(), "n1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if f.Unread() != 1 {
		t.Fatalf("expected 1 unread, got %d", f.Unread())
	}
	if !equal(store.acked, []string{"n1"}) {
		t.Errorf("expected store to see n1, got %v", store.acked)
	}

	store.ackErr = errors.New("boom")
	if err := f.Acknowledge(context.Background(), "n2"); err == nil {
		t.Fatal("expected error from failing store")
	}
	if f.Unread() != 1 {
		t.Errorf("expected failed ack to leave n2 unread, got %d unread", f.Unread())
	}
}

func TestFeed_AcknowledgeWithoutStore(t *testing.T) {
	f := New(newFakeSubscriber(), nil, "u1")
	if err := f.Acknowledge(context.Background(), "n1"); !errors.Is(err, ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestFeed_Close(t *testing.T) {
	sub := newFakeSubscriber()
	f := New(sub, nil, "u1")
	f.Start(context.Background())
	sub.push(t, protocol.Notification{ID: "n1"})

	f.Close()
	f.Close()

	if sub.handlerCount() != 0 {
		t.Fatalf("expected handler removed, %d remain", sub.handlerCount())
	}
	sub.push(t, protocol.Notification{ID: "n2"})
	if got := ids(f.Items()); !equal(got, []string{"n1"}) {
		t.Fatalf("expected no items after Close, got %v", got)
	}
}
