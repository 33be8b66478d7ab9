package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matterdocs/collab-server/internal/protocol"
	"github.com/matterdocs/collab-server/internal/storage"
)

// fakeRelay records every send per connection and can simulate dead
// connections.
type fakeRelay struct {
	mu   sync.Mutex
	sent map[string][][]byte
	dead map[string]bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		sent: make(map[string][][]byte),
		dead: make(map[string]bool),
	}
}

func (r *fakeRelay) Send(connectionID string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead[connectionID] {
		return false
	}
	r.sent[connectionID] = append(r.sent[connectionID], data)
	return true
}

func (r *fakeRelay) kill(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead[connectionID] = true
}

// messagesOfType decodes everything sent to a connection and filters by
// message type.
func (r *fakeRelay) messagesOfType(t *testing.T, connectionID, messageType string) []*protocol.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*protocol.Message
	for _, data := range r.sent[connectionID] {
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("relay carried undecodable message: %v", err)
		}
		if msg.Type == messageType {
			out = append(out, msg)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *fakeRelay, *storage.MemoryStore) {
	t.Helper()
	relay := newFakeRelay()
	store := storage.NewMemoryStore()
	mgr := NewManager(ManagerConfig{Store: store, Relay: relay})
	return mgr, relay, store
}

func intPtr(v int) *int { return &v }

func TestConnect_Idempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-1", "user-a", "matter-1")

	if stats := mgr.GetStats(); stats.Connections != 1 {
		t.Errorf("Connections = %d, want 1", stats.Connections)
	}
}

func TestJoin_SendsSnapshotToJoinerOnly(t *testing.T) {
	mgr, relay, store := newTestManager(t)
	ctx := context.Background()

	store.SaveCheckpoint(ctx, &storage.Snapshot{DocumentID: "doc-1", Content: "Hello", Version: 3})

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	if err := mgr.Join(ctx, "conn-1", "doc-1", "matter-1"); err != nil {
		t.Fatalf("Join(conn-1) error = %v", err)
	}
	if err := mgr.Join(ctx, "conn-2", "doc-1", "matter-1"); err != nil {
		t.Fatalf("Join(conn-2) error = %v", err)
	}

	snaps := relay.messagesOfType(t, "conn-2", protocol.TypeSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("conn-2 received %d snapshots, want 1", len(snaps))
	}
	var payload protocol.SnapshotPayload
	if err := snaps[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Content != "Hello" || payload.Version != 3 {
		t.Errorf("snapshot = {%q, v%d}, want {%q, v3}", payload.Content, payload.Version, "Hello")
	}

	// The earlier participant learns about the newcomer, not vice versa.
	joined := relay.messagesOfType(t, "conn-1", protocol.TypePresenceBroadcast)
	if len(joined) != 1 {
		t.Fatalf("conn-1 received %d presence broadcasts, want 1", len(joined))
	}
	var presence protocol.PresenceBroadcastPayload
	if err := joined[0].DecodePayload(&presence); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if presence.UserID != "user-b" || presence.Event != protocol.PresenceJoined {
		t.Errorf("presence broadcast = %+v", presence)
	}
	if got := relay.messagesOfType(t, "conn-2", protocol.TypePresenceBroadcast); len(got) != 0 {
		t.Errorf("joiner received %d presence broadcasts about itself", len(got))
	}
}

func TestJoin_UnknownConnection(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	if err := mgr.Join(context.Background(), "ghost", "doc-1", "matter-1"); err != ErrUnknownConnection {
		t.Errorf("Join() error = %v, want ErrUnknownConnection", err)
	}
}

func TestJoinLeaveLifecycle(t *testing.T) {
	mgr, _, store := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")

	if err := mgr.Leave(ctx, "conn-1", "doc-1"); err != nil {
		t.Fatalf("Leave(conn-1) error = %v", err)
	}
	if !mgr.HasSession("doc-1") {
		t.Fatal("session torn down while a participant remains")
	}
	if users := mgr.ActiveUsers("doc-1"); len(users) != 1 || users[0].UserID != "user-b" {
		t.Errorf("ActiveUsers = %+v, want only user-b", users)
	}
	if store.CheckpointCount("doc-1") != 0 {
		t.Error("checkpoint saved before the session ended")
	}

	if err := mgr.Leave(ctx, "conn-2", "doc-1"); err != nil {
		t.Fatalf("Leave(conn-2) error = %v", err)
	}
	if mgr.HasSession("doc-1") {
		t.Error("session still alive after last participant left")
	}
	if store.CheckpointCount("doc-1") != 1 {
		t.Errorf("CheckpointCount = %d, want 1", store.CheckpointCount("doc-1"))
	}
}

func TestMultiTab_PresenceSurvivesUntilLastConnection(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	// Same user, two tabs.
	mgr.Connect("tab-1", "user-a", "matter-1")
	mgr.Connect("tab-2", "user-a", "matter-1")
	mgr.Join(ctx, "tab-1", "doc-1", "matter-1")
	mgr.Join(ctx, "tab-2", "doc-1", "matter-1")

	mgr.Leave(ctx, "tab-1", "doc-1")
	if users := mgr.ActiveUsers("doc-1"); len(users) != 1 {
		t.Fatalf("presence dropped while user still has a tab open: %+v", users)
	}

	mgr.Leave(ctx, "tab-2", "doc-1")
	if mgr.HasSession("doc-1") {
		t.Error("session still alive after the user's last tab left")
	}
}

func TestDisconnect_CleansEverySession(t *testing.T) {
	mgr, _, store := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-2", "matter-1")

	mgr.Disconnect(ctx, "conn-1")

	if mgr.HasSession("doc-1") || mgr.HasSession("doc-2") {
		t.Error("sessions survived their only participant disconnecting")
	}
	if store.CheckpointCount("doc-1") != 1 || store.CheckpointCount("doc-2") != 1 {
		t.Error("expected one final checkpoint per torn-down session")
	}
	if stats := mgr.GetStats(); stats.Connections != 0 {
		t.Errorf("Connections = %d, want 0", stats.Connections)
	}
}

func TestHandleEdit_BroadcastsResolvedOperation(t *testing.T) {
	mgr, relay, store := newTestManager(t)
	ctx := context.Background()

	store.SaveCheckpoint(ctx, &storage.Snapshot{DocumentID: "doc-1", Content: "Hello World", Version: 7})
	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")

	err := mgr.HandleEdit(ctx, "conn-1", protocol.EditPayload{
		DocumentID: "doc-1",
		Operation:  "insert",
		Position:   5,
		Content:    " there",
	})
	if err != nil {
		t.Fatalf("HandleEdit() error = %v", err)
	}

	broadcasts := relay.messagesOfType(t, "conn-2", protocol.TypeEditBroadcast)
	if len(broadcasts) != 1 {
		t.Fatalf("conn-2 received %d edit broadcasts, want 1", len(broadcasts))
	}
	var payload protocol.EditBroadcastPayload
	if err := broadcasts[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload.Version != 8 {
		t.Errorf("broadcast version = %d, want 8", payload.Version)
	}
	if payload.Operation.Content != " there" || payload.Operation.UserID != "user-a" {
		t.Errorf("broadcast operation = %+v", payload.Operation)
	}
	if got := relay.messagesOfType(t, "conn-1", protocol.TypeEditBroadcast); len(got) != 0 {
		t.Errorf("sender received its own edit broadcast %d times", len(got))
	}

	records, err := store.GetOperations(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("GetOperations() error = %v", err)
	}
	if len(records) != 1 || records[0].Kind != "insert" || records[0].Version != 8 {
		t.Errorf("audit trail = %+v", records)
	}
}

func TestHandleEdit_MalformedRejectedWithoutStateChange(t *testing.T) {
	mgr, relay, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")

	tests := []struct {
		name    string
		payload protocol.EditPayload
	}{
		{"unrecognized kind", protocol.EditPayload{DocumentID: "doc-1", Operation: "replace", Position: 0}},
		{"insert without content", protocol.EditPayload{DocumentID: "doc-1", Operation: "insert", Position: 0}},
		{"delete without length", protocol.EditPayload{DocumentID: "doc-1", Operation: "delete", Position: 0}},
		{"missing document id", protocol.EditPayload{Operation: "insert", Position: 0, Content: "x"}},
		{"negative position", protocol.EditPayload{DocumentID: "doc-1", Operation: "insert", Position: -1, Content: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mgr.HandleEdit(ctx, "conn-1", tt.payload)
			if err == nil {
				t.Fatal("HandleEdit() accepted a malformed payload")
			}
		})
	}

	if got := relay.messagesOfType(t, "conn-2", protocol.TypeEditBroadcast); len(got) != 0 {
		t.Errorf("malformed edits produced %d broadcasts", len(got))
	}
}

func TestHandleEdit_UnknownSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.Connect("conn-1", "user-a", "matter-1")

	err := mgr.HandleEdit(context.Background(), "conn-1", protocol.EditPayload{
		DocumentID: "doc-missing",
		Operation:  "insert",
		Position:   0,
		Content:    "x",
	})
	if err != ErrUnknownSession {
		t.Errorf("HandleEdit() error = %v, want ErrUnknownSession", err)
	}
}

func TestHandlePresence_BroadcastsToOthers(t *testing.T) {
	mgr, relay, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")

	err := mgr.HandlePresence(ctx, "conn-1", protocol.PresencePayload{
		DocumentID:     "doc-1",
		CursorPosition: 42,
		SelectionStart: 40,
		SelectionEnd:   42,
	})
	if err != nil {
		t.Fatalf("HandlePresence() error = %v", err)
	}

	moves := relay.messagesOfType(t, "conn-2", protocol.TypePresenceBroadcast)
	var found bool
	for _, msg := range moves {
		var payload protocol.PresenceBroadcastPayload
		if err := msg.DecodePayload(&payload); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if payload.Event == protocol.PresenceMoved {
			found = true
			if payload.CursorPosition != 42 || payload.UserID != "user-a" {
				t.Errorf("moved broadcast = %+v", payload)
			}
		}
	}
	if !found {
		t.Error("conn-2 never received the cursor movement")
	}

	users := mgr.ActiveUsers("doc-1")
	for _, u := range users {
		if u.UserID == "user-a" && u.CursorPosition != 42 {
			t.Errorf("stored cursor = %d, want 42", u.CursorPosition)
		}
	}
}

func TestLock_MutualExclusion(t *testing.T) {
	mgr, relay, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")

	if err := mgr.Lock(ctx, "conn-1", "doc-1", intPtr(30)); err != nil {
		t.Fatalf("first Lock() error = %v", err)
	}
	if err := mgr.Lock(ctx, "conn-2", "doc-1", intPtr(30)); err != ErrLockHeld {
		t.Errorf("second Lock() error = %v, want ErrLockHeld", err)
	}
	if err := mgr.Unlock(ctx, "conn-2", "doc-1"); err != ErrNotLockHolder {
		t.Errorf("Unlock() by non-holder error = %v, want ErrNotLockHolder", err)
	}

	holder, _, held := mgr.LockState("doc-1")
	if !held || holder != "user-a" {
		t.Errorf("LockState = (%q, held=%v), want user-a held", holder, held)
	}

	if err := mgr.Unlock(ctx, "conn-1", "doc-1"); err != nil {
		t.Fatalf("Unlock() by holder error = %v", err)
	}
	if _, _, held := mgr.LockState("doc-1"); held {
		t.Error("lock still held after holder released it")
	}

	// Both participants hear every lock transition.
	for _, conn := range []string{"conn-1", "conn-2"} {
		states := relay.messagesOfType(t, conn, protocol.TypeLockState)
		if len(states) != 2 {
			t.Errorf("%s received %d lock_state broadcasts, want 2", conn, len(states))
		}
	}
}

func TestLock_ZeroTTLExpiresImmediately(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")

	if err := mgr.Lock(ctx, "conn-1", "doc-1", intPtr(0)); err != nil {
		t.Fatalf("zero-ttl Lock() error = %v", err)
	}
	// The expired lock must not stand in the next user's way.
	if err := mgr.Lock(ctx, "conn-2", "doc-1", intPtr(30)); err != nil {
		t.Fatalf("Lock() after expiry error = %v", err)
	}
	holder, _, held := mgr.LockState("doc-1")
	if !held || holder != "user-b" {
		t.Errorf("LockState = (%q, held=%v), want user-b held", holder, held)
	}
}

func TestLock_ReleasedOnExpiredUnlockByAnyone(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")

	mgr.Lock(ctx, "conn-1", "doc-1", intPtr(0))
	if err := mgr.Unlock(ctx, "conn-2", "doc-1"); err != nil {
		t.Errorf("Unlock() of expired lock error = %v", err)
	}
}

func TestDispatch_DeadConnectionDoesNotBlockFanout(t *testing.T) {
	mgr, relay, _ := newTestManager(t)
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Connect("conn-2", "user-b", "matter-1")
	mgr.Connect("conn-3", "user-c", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-2", "doc-1", "matter-1")
	mgr.Join(ctx, "conn-3", "doc-1", "matter-1")

	relay.kill("conn-2")

	err := mgr.HandleEdit(ctx, "conn-1", protocol.EditPayload{
		DocumentID: "doc-1",
		Operation:  "insert",
		Position:   0,
		Content:    "x",
	})
	if err != nil {
		t.Fatalf("HandleEdit() error = %v", err)
	}

	if got := relay.messagesOfType(t, "conn-3", protocol.TypeEditBroadcast); len(got) != 1 {
		t.Errorf("conn-3 received %d edit broadcasts, want 1", len(got))
	}

	// The dead connection is cleaned up asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.GetStats().Connections == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("dead connection never cleaned up: %d connections", mgr.GetStats().Connections)
}

// fakeBridge records pub/sub traffic and lets tests inject remote messages.
type fakeBridge struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]func([]byte)
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		published: make(map[string][][]byte),
		handlers:  make(map[string]func([]byte)),
	}
}

func (b *fakeBridge) Publish(ctx context.Context, documentID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[documentID] = append(b.published[documentID], data)
	return nil
}

func (b *fakeBridge) Subscribe(ctx context.Context, documentID string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[documentID] = handler
	return nil
}

func (b *fakeBridge) Unsubscribe(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, documentID)
	return nil
}

func (b *fakeBridge) deliver(documentID string, data []byte) {
	b.mu.Lock()
	handler := b.handlers[documentID]
	b.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func TestBridge_MirrorsBroadcastsAcrossInstances(t *testing.T) {
	relay := newFakeRelay()
	bridge := newFakeBridge()
	mgr := NewManager(ManagerConfig{Relay: relay, Bridge: bridge})
	ctx := context.Background()

	mgr.Connect("conn-1", "user-a", "matter-1")
	mgr.Join(ctx, "conn-1", "doc-1", "matter-1")

	bridge.mu.Lock()
	_, subscribed := bridge.handlers["doc-1"]
	bridge.mu.Unlock()
	if !subscribed {
		t.Fatal("session creation did not subscribe to the bridge")
	}

	mgr.HandleEdit(ctx, "conn-1", protocol.EditPayload{
		DocumentID: "doc-1",
		Operation:  "insert",
		Position:   0,
		Content:    "hi",
	})
	bridge.mu.Lock()
	publishes := len(bridge.published["doc-1"])
	bridge.mu.Unlock()
	if publishes == 0 {
		t.Error("edit broadcast was not mirrored to the bridge")
	}

	// A message from another instance reaches local participants.
	remote, _ := protocol.NewMessage(protocol.TypeEditBroadcast, protocol.EditBroadcastPayload{DocumentID: "doc-1"})
	data, _ := remote.Encode()
	bridge.deliver("doc-1", data)
	if got := relay.messagesOfType(t, "conn-1", protocol.TypeEditBroadcast); len(got) != 1 {
		t.Errorf("local participant received %d remote broadcasts, want 1", len(got))
	}

	mgr.Leave(ctx, "conn-1", "doc-1")
	bridge.mu.Lock()
	_, stillSubscribed := bridge.handlers["doc-1"]
	bridge.mu.Unlock()
	if stillSubscribed {
		t.Error("session teardown did not unsubscribe from the bridge")
	}
}
