package hub

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dmhub/internal/models"
	"dmhub/internal/protocol"
	"dmhub/internal/storage"
)

type fakeRegistry struct {
	mu        sync.Mutex
	entries   map[string]models.PresenceEntry // connID -> entry
	registers int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[string]models.PresenceEntry)}
}

func (r *fakeRegistry) Register(ctx context.Context, entry models.PresenceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers++
	r.entries[entry.ConnID] = entry
	return nil
}

func (r *fakeRegistry) entry(connID string) (models.PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[connID]
	return entry, ok
}

func (r *fakeRegistry) Unregister(ctx context.Context, connID string) (models.PresenceEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[connID]
	if !ok {
		return models.PresenceEntry{}, 0, models.ErrNotFound
	}
	delete(r.entries, connID)
	var remaining int64
	for _, e := range r.entries {
		if e.UserID == entry.UserID {
			remaining++
		}
	}
	return entry, remaining, nil
}

func (r *fakeRegistry) Locate(ctx context.Context, userID string) ([]models.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var locations []models.Location
	for _, e := range r.entries {
		if e.UserID == userID {
			locations = append(locations, models.Location{InstanceID: e.InstanceID, ConnID: e.ConnID})
		}
	}
	return locations, nil
}

func (r *fakeRegistry) Count(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n, nil
}

type delivery struct {
	loc models.Location
	ev  protocol.ServerEvent
}

type broadcast struct {
	ev      protocol.ServerEvent
	exclude string
}

type fakeFanout struct {
	mu         sync.Mutex
	attached   map[string]chan<- protocol.ServerEvent
	deliveries []delivery
	broadcasts []broadcast
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{attached: make(map[string]chan<- protocol.ServerEvent)}
}

func (f *fakeFanout) Attach(connID string, out chan<- protocol.ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[connID] = out
}

func (f *fakeFanout) Detach(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, connID)
}

func (f *fakeFanout) Deliver(ctx context.Context, loc models.Location, ev protocol.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{loc: loc, ev: ev})
	return nil
}

func (f *fakeFanout) Broadcast(ctx context.Context, ev protocol.ServerEvent, excludeConnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcast{ev: ev, exclude: excludeConnID})
	return nil
}

func (f *fakeFanout) deliveredTo(connID string, evType protocol.ServerEventType) []protocol.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []protocol.ServerEvent
	for _, d := range f.deliveries {
		if d.loc.ConnID == connID && d.ev.Type == evType {
			events = append(events, d.ev)
		}
	}
	return events
}

func (f *fakeFanout) broadcastsOf(evType protocol.ServerEventType) []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []broadcast
	for _, b := range f.broadcasts {
		if b.ev.Type == evType {
			result = append(result, b)
		}
	}
	return result
}

type pushCall struct {
	subscription string
	title        string
	body         string
}

type fakeSender struct {
	calls chan pushCall
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(chan pushCall, 8)}
}

func (s *fakeSender) Send(ctx context.Context, subscription, title, body string) error {
	s.calls <- pushCall{subscription: subscription, title: title, body: body}
	return nil
}

type testEnv struct {
	hub      *Hub
	registry *fakeRegistry
	fan      *fakeFanout
	sender   *fakeSender
	store    *storage.BboltStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "hub_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := newFakeRegistry()
	fan := newFakeFanout()
	sender := newFakeSender()
	h := New(ctx, Config{InstanceID: "inst-1"}, registry, fan, store, sender)

	return &testEnv{hub: h, registry: registry, fan: fan, sender: sender, store: store}
}

func (e *testEnv) authenticate(t *testing.T, connID, userID, name string) Client {
	t.Helper()
	client, err := e.hub.Authenticate(context.Background(), connID,
		make(chan protocol.ServerEvent, 8),
		protocol.AuthenticatePayload{DisplayName: name, UserID: userID})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	return client
}

func TestAuthenticate_OnlineBroadcast(t *testing.T) {
	env := newTestEnv(t)

	env.authenticate(t, "c1", "u1", "Alice")

	online := env.fan.broadcastsOf(protocol.ServerUserOnline)
	if len(online) != 1 {
		t.Fatalf("expected 1 userOnline broadcast, got %d", len(online))
	}
	if online[0].exclude != "c1" {
		t.Errorf("broadcast should exclude originating connection, got %q", online[0].exclude)
	}

	// Second device of the same user must not spam another online notice.
	env.authenticate(t, "c2", "u1", "Alice")
	if got := env.fan.broadcastsOf(protocol.ServerUserOnline); len(got) != 1 {
		t.Errorf("expected online broadcast to be suppressed, got %d", len(got))
	}

	// Ack goes back to the session.
	if acks := env.fan.deliveredTo("c1", protocol.ServerAuthenticated); len(acks) != 1 {
		t.Errorf("expected 1 authenticated ack, got %d", len(acks))
	}
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	client := env.authenticate(t, "c1", "u1", "Alice")
	if client.AuthenticatedAt == 0 {
		t.Fatal("expected authentication timestamp on the client")
	}

	env.hub.Heartbeat(ctx, client)

	env.registry.mu.Lock()
	registers := env.registry.registers
	env.registry.mu.Unlock()
	if registers != 2 {
		t.Errorf("expected heartbeat to re-register, got %d registers", registers)
	}

	entry, ok := env.registry.entry("c1")
	if !ok {
		t.Fatal("presence entry gone after heartbeat")
	}
	if entry.AuthenticatedAt != client.AuthenticatedAt {
		t.Errorf("heartbeat must preserve the authentication timestamp, got %d want %d",
			entry.AuthenticatedAt, client.AuthenticatedAt)
	}
	if entry.UserID != "u1" || entry.InstanceID != "inst-1" {
		t.Errorf("unexpected entry after heartbeat: %+v", entry)
	}

	// A session that never authenticated has nothing to refresh.
	env.hub.Heartbeat(ctx, Client{ConnID: "ghost"})
	if _, ok := env.registry.entry("ghost"); ok {
		t.Error("heartbeat must not register an unauthenticated session")
	}
}

func TestDisconnect_LastConnectionGoesOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c1 := env.authenticate(t, "c1", "u1", "Alice")
	c2 := env.authenticate(t, "c2", "u1", "Alice")

	env.hub.Disconnect(ctx, c1)
	if got := env.fan.broadcastsOf(protocol.ServerUserOffline); len(got) != 0 {
		t.Fatalf("offline broadcast before last connection closed: %d", len(got))
	}

	env.hub.Disconnect(ctx, c2)
	if got := env.fan.broadcastsOf(protocol.ServerUserOffline); len(got) != 1 {
		t.Fatalf("expected exactly 1 userOffline broadcast, got %d", len(got))
	}

	locations, err := env.registry.Locate(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(locations) != 0 {
		t.Errorf("expected no live locations after disconnect, got %d", len(locations))
	}

	// Disconnecting an unknown connection is a no-op.
	env.hub.Disconnect(ctx, Client{ConnID: "ghost"})
	if got := env.fan.broadcastsOf(protocol.ServerUserOffline); len(got) != 1 {
		t.Errorf("unexpected extra offline broadcast: %d", len(got))
	}
}

func TestSendDirectMessage_OnlineRecipient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sender := env.authenticate(t, "c1", "u1", "Alice")
	env.authenticate(t, "c2", "u2", "Bob")

	err := env.hub.SendDirectMessage(ctx, sender, protocol.SendMessagePayload{
		RecipientID: "u2",
		Message:     "hi",
		MessageType: "text",
	})
	if err != nil {
		t.Fatalf("SendDirectMessage failed: %v", err)
	}

	incoming := env.fan.deliveredTo("c2", protocol.ServerNewDirectMessage)
	if len(incoming) != 1 {
		t.Fatalf("expected 1 newDirectMessage to recipient, got %d", len(incoming))
	}
	payload := incoming[0].Payload.(protocol.MessagePayload)
	if payload.Status != string(models.MessageStatusDelivered) {
		t.Errorf("recipient copy should carry status delivered, got %s", payload.Status)
	}
	if payload.SenderUsername != "Alice" {
		t.Errorf("unexpected sender username %q", payload.SenderUsername)
	}

	acks := env.fan.deliveredTo("c1", protocol.ServerMessageSent)
	if len(acks) != 1 {
		t.Fatalf("expected 1 messageSent ack, got %d", len(acks))
	}
	ack := acks[0].Payload.(protocol.MessagePayload)
	if ack.Status != string(models.MessageStatusDelivered) {
		t.Errorf("ack should carry final status delivered, got %s", ack.Status)
	}

	// Persisted copy advanced to delivered.
	msg, err := env.store.Get(ctx, ack.ID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.MessageStatusDelivered {
		t.Errorf("persisted status = %s, want delivered", msg.Status)
	}

	// Both directions resolve to the same conversation.
	conv, err := env.store.FindOrCreate(ctx, "u2", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != msg.ConversationID {
		t.Errorf("message conversation %s != canonical conversation %s", msg.ConversationID, conv.ID)
	}

	// No push for a reachable recipient.
	select {
	case call := <-env.sender.calls:
		t.Errorf("unexpected push notification: %+v", call)
	default:
	}
}

func TestSendDirectMessage_OfflineRecipientPush(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.store.UpsertIdentity(ctx, models.Identity{
		ID:          "u2",
		DisplayName: "Bob",
		PushSub:     `{"endpoint":"https://push.example/u2"}`,
	}); err != nil {
		t.Fatal(err)
	}

	sender := env.authenticate(t, "c1", "u1", "Alice")

	err := env.hub.SendDirectMessage(ctx, sender, protocol.SendMessagePayload{
		RecipientID: "u2",
		Message:     "hello?",
		MessageType: "text",
	})
	if err != nil {
		t.Fatalf("SendDirectMessage failed: %v", err)
	}

	select {
	case call := <-env.sender.calls:
		if call.title != "Alice" || call.body != "hello?" {
			t.Errorf("unexpected push call: %+v", call)
		}
	case <-time.After(time.Second):
		t.Fatal("expected exactly one push notification")
	}
	select {
	case call := <-env.sender.calls:
		t.Errorf("push sent more than once: %+v", call)
	case <-time.After(50 * time.Millisecond):
	}

	acks := env.fan.deliveredTo("c1", protocol.ServerMessageSent)
	if len(acks) != 1 {
		t.Fatalf("expected 1 messageSent ack, got %d", len(acks))
	}
	ack := acks[0].Payload.(protocol.MessagePayload)
	if ack.Status != string(models.MessageStatusSent) {
		t.Errorf("ack for offline recipient should stay sent, got %s", ack.Status)
	}

	msg, err := env.store.Get(ctx, ack.ID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.MessageStatusSent {
		t.Errorf("persisted status = %s, want sent", msg.Status)
	}
}

func TestSendDirectMessage_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	anonymous := Client{ConnID: "c0", DisplayName: "Ghost"}
	err := env.hub.SendDirectMessage(ctx, anonymous, protocol.SendMessagePayload{
		RecipientID: "u2", Message: "hi",
	})
	if !errors.Is(err, models.ErrAuthenticationRequired) {
		t.Errorf("expected ErrAuthenticationRequired, got %v", err)
	}

	sender := env.authenticate(t, "c1", "u1", "Alice")
	err = env.hub.SendDirectMessage(ctx, sender, protocol.SendMessagePayload{
		RecipientID: "u1", Message: "hi me",
	})
	if !errors.Is(err, models.ErrSelfMessage) {
		t.Errorf("expected ErrSelfMessage, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sender := env.authenticate(t, "c1", "u1", "Alice")
	reader := env.authenticate(t, "c2", "u2", "Bob")

	if err := env.hub.SendDirectMessage(ctx, sender, protocol.SendMessagePayload{
		RecipientID: "u2", Message: "hi", MessageType: "text",
	}); err != nil {
		t.Fatal(err)
	}
	ack := env.fan.deliveredTo("c1", protocol.ServerMessageSent)[0].Payload.(protocol.MessagePayload)

	if err := env.hub.MarkRead(ctx, reader, protocol.MarkAsReadPayload{
		MessageID: ack.ID, SenderID: "u1",
	}); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	notices := env.fan.deliveredTo("c1", protocol.ServerMessageRead)
	if len(notices) != 1 {
		t.Fatalf("expected 1 messageRead notice to sender, got %d", len(notices))
	}
	notice := notices[0].Payload.(protocol.ReadNotice)
	if notice.MessageID != ack.ID || notice.ReadBy != "u2" {
		t.Errorf("unexpected read notice: %+v", notice)
	}

	msg, err := env.store.Get(ctx, ack.ID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.MessageStatusSeen {
		t.Errorf("persisted status = %s, want seen", msg.Status)
	}

	// Re-reading is a no-op: no second notice.
	if err := env.hub.MarkRead(ctx, reader, protocol.MarkAsReadPayload{
		MessageID: ack.ID, SenderID: "u1",
	}); err != nil {
		t.Fatal(err)
	}
	if got := env.fan.deliveredTo("c1", protocol.ServerMessageRead); len(got) != 1 {
		t.Errorf("expected no extra messageRead notice, got %d", len(got))
	}

	// Only the recipient may mark a message read.
	err = env.hub.MarkRead(ctx, sender, protocol.MarkAsReadPayload{
		MessageID: ack.ID, SenderID: "u2",
	})
	if !errors.Is(err, models.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestTyping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sender := env.authenticate(t, "c1", "u1", "Alice")
	env.authenticate(t, "c2", "u2", "Bob")

	if err := env.hub.Typing(ctx, sender, protocol.TypingPayload{
		RecipientID: "u2", IsTyping: true,
	}); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}

	notices := env.fan.deliveredTo("c2", protocol.ServerUserTyping)
	if len(notices) != 1 {
		t.Fatalf("expected 1 userTyping notice, got %d", len(notices))
	}
	notice := notices[0].Payload.(protocol.TypingNotice)
	if notice.SenderID != "u1" || !notice.IsTyping {
		t.Errorf("unexpected typing notice: %+v", notice)
	}

	// Unreachable target: signal is silently dropped.
	before := len(env.fan.deliveries)
	if err := env.hub.Typing(ctx, sender, protocol.TypingPayload{
		RecipientID: "nobody", IsTyping: true,
	}); err != nil {
		t.Fatal(err)
	}
	if len(env.fan.deliveries) != before {
		t.Error("typing signal for offline user should be dropped")
	}
}
