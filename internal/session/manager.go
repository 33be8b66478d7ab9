package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matterdocs/collab-server/internal/ot"
	"github.com/matterdocs/collab-server/internal/protocol"
	"github.com/matterdocs/collab-server/internal/storage"
)

// Relay delivers one outbound message to one connection. A false return
// means the connection is dead; it must never block on a slow receiver.
type Relay interface {
	Send(connectionID string, data []byte) bool
}

// Bridge mirrors document broadcasts between server instances. Session
// state itself stays in one process; the bridge only fans encoded messages
// out to participants connected elsewhere.
type Bridge interface {
	Publish(ctx context.Context, documentID string, data []byte) error
	Subscribe(ctx context.Context, documentID string, handler func(data []byte)) error
	Unsubscribe(ctx context.Context, documentID string) error
}

// Connection is one registry entry: a live relay connection resolved to a
// user and matter by the auth layer before the core ever sees it.
type Connection struct {
	ID          string
	UserID      string
	MatterID    string
	ConnectedAt time.Time
}

// Handler errors
var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrUnknownSession    = errors.New("no active session for document")
	ErrInvalidEdit       = errors.New("invalid edit payload")
	ErrLockHeld          = errors.New("lock held by another user")
	ErrNotLockHolder     = errors.New("lock can only be released by its holder")
)

// ManagerConfig holds the manager's collaborators.
type ManagerConfig struct {
	Resolver       *ot.Resolver
	Store          storage.DocumentStore
	Relay          Relay
	Bridge         Bridge // optional
	DefaultLockTTL time.Duration
}

// Manager owns the connection registry and every live DocumentSession. All
// session and registry state is mutated only here, under one lock, and
// never across a storage or relay call: handlers mutate first, then perform
// I/O with the lock released.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	userConns   map[string]map[string]struct{}
	sessions    map[string]*DocumentSession

	resolver       *ot.Resolver
	store          storage.DocumentStore
	relay          Relay
	bridge         Bridge
	defaultLockTTL time.Duration
}

// NewManager creates a session manager. A nil resolver or store falls back
// to a fresh resolver and an in-memory store.
func NewManager(cfg ManagerConfig) *Manager {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = ot.NewResolver(nil)
	}
	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	lockTTL := cfg.DefaultLockTTL
	if lockTTL == 0 {
		lockTTL = 5 * time.Minute
	}
	return &Manager{
		connections:    make(map[string]*Connection),
		userConns:      make(map[string]map[string]struct{}),
		sessions:       make(map[string]*DocumentSession),
		resolver:       resolver,
		store:          store,
		relay:          cfg.Relay,
		bridge:         cfg.Bridge,
		defaultLockTTL: lockTTL,
	}
}

// outbound is a broadcast staged under the lock and sent after release.
type outbound struct {
	documentID string
	connIDs    []string
	data       []byte
	mirror     bool // also publish to the bridge
}

// Connect registers a connection in the forward and reverse indices.
// Idempotent per connection ID.
func (m *Manager) Connect(connectionID, userID, matterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[connectionID]; ok {
		return
	}
	m.connections[connectionID] = &Connection{
		ID:          connectionID,
		UserID:      userID,
		MatterID:    matterID,
		ConnectedAt: time.Now(),
	}
	if m.userConns[userID] == nil {
		m.userConns[userID] = make(map[string]struct{})
	}
	m.userConns[userID][connectionID] = struct{}{}
}

// Disconnect removes a connection from the registry and from every document
// session it had joined. Sessions left empty are finalized: a checkpoint is
// saved and the in-memory state torn down.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: disconnect for unknown connection %s", connectionID)
		return
	}
	delete(m.connections, connectionID)
	if conns := m.userConns[conn.UserID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(m.userConns, conn.UserID)
		}
	}

	var events []outbound
	var finals []*ot.Snapshot
	var closed []string
	for _, sess := range m.sessions {
		if _, joined := sess.joinedConns[connectionID]; joined {
			m.removeFromSessionLocked(sess, connectionID, conn.UserID, &events, &finals, &closed)
		}
	}
	m.mu.Unlock()

	m.dispatch(ctx, events)
	m.finalize(ctx, finals, closed)
}

// Join adds a connection to a document session, creating the session (and
// seeding its state from the document store) on first join. Existing
// participants learn about the newcomer through a presence broadcast; the
// joiner alone receives the authoritative snapshot.
func (m *Manager) Join(ctx context.Context, connectionID, documentID, matterID string) error {
	m.mu.RLock()
	conn, ok := m.connections[connectionID]
	_, sessionExists := m.sessions[documentID]
	m.mu.RUnlock()

	if !ok {
		log.Printf("session: join from unknown connection %s", connectionID)
		return ErrUnknownConnection
	}

	// Load the seed snapshot before touching session state, so the store
	// call never runs under the lock. Load failure degrades to an empty
	// document rather than refusing the session.
	var seed *storage.Snapshot
	if !sessionExists {
		snap, err := m.store.LoadSnapshot(ctx, documentID)
		if err != nil {
			log.Printf("session: snapshot load failed for document %s: %v", documentID, err)
		} else {
			seed = snap
		}
	}

	m.mu.Lock()
	sess, ok := m.sessions[documentID]
	created := false
	if !ok {
		var content string
		var version int64
		if seed != nil {
			content, version = seed.Content, seed.Version
		}
		m.resolver.Seed(documentID, content, version)
		sess = newDocumentSession(documentID, matterID, version)
		m.sessions[documentID] = sess
		created = true
	}

	var events []outbound
	sess.joinedConns[connectionID] = conn.UserID
	if presence, ok := sess.ActiveUsers[conn.UserID]; ok {
		// Another tab of an already-present user.
		presence.LastSeen = time.Now()
	} else {
		sess.ActiveUsers[conn.UserID] = &UserPresence{
			UserID:       conn.UserID,
			ConnectionID: connectionID,
			DocumentID:   documentID,
			LastSeen:     time.Now(),
		}
		if data, err := encodeMessage(protocol.TypePresenceBroadcast, protocol.PresenceBroadcastPayload{
			DocumentID: documentID,
			UserID:     conn.UserID,
			Event:      protocol.PresenceJoined,
		}); err == nil {
			events = append(events, outbound{
				documentID: documentID,
				connIDs:    sess.recipients(connectionID),
				data:       data,
				mirror:     true,
			})
		}
	}

	doc, ok := m.resolver.Document(documentID)
	if !ok {
		doc = m.resolver.Seed(documentID, "", sess.DocumentVersion)
	}
	if data, err := encodeMessage(protocol.TypeSnapshot, protocol.SnapshotPayload{
		DocumentID: documentID,
		Content:    doc.Content,
		Version:    doc.Version,
	}); err == nil {
		events = append(events, outbound{
			documentID: documentID,
			connIDs:    []string{connectionID},
			data:       data,
		})
	}
	m.mu.Unlock()

	m.dispatch(ctx, events)

	if created && m.bridge != nil {
		if err := m.bridge.Subscribe(ctx, documentID, func(data []byte) {
			m.deliverRemote(documentID, data)
		}); err != nil {
			log.Printf("session: bridge subscribe failed for document %s: %v", documentID, err)
		}
	}
	return nil
}

// Leave removes a connection from one document session, mirroring the
// cleanup Disconnect performs across all of them.
func (m *Manager) Leave(ctx context.Context, connectionID, documentID string) error {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: leave from unknown connection %s", connectionID)
		return ErrUnknownConnection
	}
	sess, ok := m.sessions[documentID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: leave for document %s with no active session", documentID)
		return ErrUnknownSession
	}
	if _, joined := sess.joinedConns[connectionID]; !joined {
		m.mu.Unlock()
		return nil
	}

	var events []outbound
	var finals []*ot.Snapshot
	var closed []string
	m.removeFromSessionLocked(sess, connectionID, conn.UserID, &events, &finals, &closed)
	m.mu.Unlock()

	m.dispatch(ctx, events)
	m.finalize(ctx, finals, closed)
	return nil
}

// HandleEdit turns an edit payload into an Operation, resolves it against
// the document state, and broadcasts the resolved operation to the other
// participants. A malformed payload is rejected without any state change;
// the caller relays the error back to the sender alone.
func (m *Manager) HandleEdit(ctx context.Context, connectionID string, payload protocol.EditPayload) error {
	m.mu.RLock()
	conn, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if !ok {
		log.Printf("session: edit from unknown connection %s", connectionID)
		return ErrUnknownConnection
	}

	op, err := buildOperation(conn.UserID, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
	}

	m.mu.Lock()
	sess, ok := m.sessions[payload.DocumentID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: edit for document %s with no active session", payload.DocumentID)
		return ErrUnknownSession
	}

	doc, resolved := m.resolver.ApplyWithResolution(payload.DocumentID, []ot.Operation{op}, "")
	applied := resolved[len(resolved)-1]
	sess.DocumentVersion = doc.Version
	sess.LastSync = time.Now()
	if presence, ok := sess.ActiveUsers[conn.UserID]; ok {
		presence.LastSeen = time.Now()
	}

	var events []outbound
	if data, err := encodeMessage(protocol.TypeEditBroadcast, protocol.EditBroadcastPayload{
		DocumentID: payload.DocumentID,
		Operation:  applied,
		Version:    doc.Version,
	}); err == nil {
		events = append(events, outbound{
			documentID: payload.DocumentID,
			connIDs:    sess.recipients(connectionID),
			data:       data,
			mirror:     true,
		})
	}
	record := &storage.OperationRecord{
		ID:         applied.ID,
		DocumentID: payload.DocumentID,
		UserID:     applied.UserID,
		Kind:       string(applied.Kind),
		Position:   applied.Position,
		Content:    applied.Content,
		Length:     applied.Length,
		Version:    doc.Version,
		Timestamp:  time.Now(),
	}
	m.mu.Unlock()

	m.dispatch(ctx, events)

	// Single attempt; the audit trail is best-effort and never blocks the
	// edit path.
	if err := m.store.SaveOperation(ctx, record); err != nil {
		log.Printf("session: audit record failed for document %s: %v", payload.DocumentID, err)
	}
	return nil
}

// HandlePresence updates the sender's cursor and selection and broadcasts
// the movement to the other participants.
func (m *Manager) HandlePresence(ctx context.Context, connectionID string, payload protocol.PresencePayload) error {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: presence from unknown connection %s", connectionID)
		return ErrUnknownConnection
	}
	sess, ok := m.sessions[payload.DocumentID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: presence for document %s with no active session", payload.DocumentID)
		return ErrUnknownSession
	}
	presence, ok := sess.ActiveUsers[conn.UserID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}

	presence.CursorPosition = payload.CursorPosition
	presence.SelectionStart = payload.SelectionStart
	presence.SelectionEnd = payload.SelectionEnd
	presence.LastSeen = time.Now()

	var events []outbound
	if data, err := encodeMessage(protocol.TypePresenceBroadcast, protocol.PresenceBroadcastPayload{
		DocumentID:     payload.DocumentID,
		UserID:         conn.UserID,
		CursorPosition: payload.CursorPosition,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
		Event:          protocol.PresenceMoved,
	}); err == nil {
		events = append(events, outbound{
			documentID: payload.DocumentID,
			connIDs:    sess.recipients(connectionID),
			data:       data,
			mirror:     true,
		})
	}
	m.mu.Unlock()

	m.dispatch(ctx, events)
	return nil
}

// Lock grants the advisory edit lock if it is free or expired. The lock is
// cooperative: edits from non-holders are still accepted, the broadcast
// exists so clients can steer around each other. A nil ttlSeconds uses the
// configured default; an explicit zero grants a lock that is already
// expired on the next access.
func (m *Manager) Lock(ctx context.Context, connectionID, documentID string, ttlSeconds *int) error {
	ttl := m.defaultLockTTL
	if ttlSeconds != nil {
		ttl = time.Duration(*ttlSeconds) * time.Second
	}

	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: lock from unknown connection %s", connectionID)
		return ErrUnknownConnection
	}
	sess, ok := m.sessions[documentID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if !sess.tryLock(conn.UserID, ttl, time.Now()) {
		m.mu.Unlock()
		return ErrLockHeld
	}
	events := m.lockStateEventLocked(sess)
	m.mu.Unlock()

	m.dispatch(ctx, events)
	return nil
}

// Unlock releases the advisory lock. Only the holder may release an
// unexpired lock.
func (m *Manager) Unlock(ctx context.Context, connectionID, documentID string) error {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		log.Printf("session: unlock from unknown connection %s", connectionID)
		return ErrUnknownConnection
	}
	sess, ok := m.sessions[documentID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if !sess.unlock(conn.UserID, time.Now()) {
		m.mu.Unlock()
		return ErrNotLockHolder
	}
	events := m.lockStateEventLocked(sess)
	m.mu.Unlock()

	m.dispatch(ctx, events)
	return nil
}

// ActiveUsers returns a copy of the presence entries for a document.
func (m *Manager) ActiveUsers(documentID string) []UserPresence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[documentID]
	if !ok {
		return nil
	}
	users := make([]UserPresence, 0, len(sess.ActiveUsers))
	for _, p := range sess.ActiveUsers {
		users = append(users, *p)
	}
	return users
}

// LockState reports the advisory lock holder for a document, treating an
// expired lock as absent.
func (m *Manager) LockState(documentID string) (holder string, expires time.Time, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, found := m.sessions[documentID]
	if !found || !sess.lockHeldAt(time.Now()) {
		return "", time.Time{}, false
	}
	return sess.LockHolder, sess.LockExpires, true
}

// Stats summarizes registry and session counts for the health endpoint.
type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
}

// GetStats returns current registry and session counts.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Connections: len(m.connections), Sessions: len(m.sessions)}
}

// HasSession reports whether a document currently has an active session.
func (m *Manager) HasSession(documentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[documentID]
	return ok
}

// removeFromSessionLocked drops one connection from a session, removes the
// user's presence once their last connection is gone, and stages session
// finalization when nobody is left. Caller holds m.mu.
func (m *Manager) removeFromSessionLocked(sess *DocumentSession, connectionID, userID string, events *[]outbound, finals *[]*ot.Snapshot, closed *[]string) {
	delete(sess.joinedConns, connectionID)

	if sess.connsForUser(userID) == 0 {
		if _, present := sess.ActiveUsers[userID]; present {
			delete(sess.ActiveUsers, userID)
			if data, err := encodeMessage(protocol.TypePresenceBroadcast, protocol.PresenceBroadcastPayload{
				DocumentID: sess.DocumentID,
				UserID:     userID,
				Event:      protocol.PresenceLeft,
			}); err == nil {
				*events = append(*events, outbound{
					documentID: sess.DocumentID,
					connIDs:    sess.recipients(""),
					data:       data,
					mirror:     true,
				})
			}
		}
	}

	if len(sess.joinedConns) == 0 {
		if snap, err := m.resolver.Checkpoint(sess.DocumentID); err == nil {
			*finals = append(*finals, snap)
		}
		m.resolver.Remove(sess.DocumentID)
		delete(m.sessions, sess.DocumentID)
		*closed = append(*closed, sess.DocumentID)
	}
}

// lockStateEventLocked stages a lock_state broadcast to every participant,
// including the requester. Caller holds m.mu.
func (m *Manager) lockStateEventLocked(sess *DocumentSession) []outbound {
	payload := protocol.LockStatePayload{DocumentID: sess.DocumentID}
	if sess.lockHeldAt(time.Now()) {
		payload.LockHolder = sess.LockHolder
		payload.LockExpires = sess.LockExpires.UnixMilli()
	}
	data, err := encodeMessage(protocol.TypeLockState, payload)
	if err != nil {
		return nil
	}
	return []outbound{{
		documentID: sess.DocumentID,
		connIDs:    sess.recipients(""),
		data:       data,
		mirror:     true,
	}}
}

// dispatch delivers staged broadcasts. Each recipient is isolated: a failed
// send is treated as a dead connection and cleaned up asynchronously while
// the remaining fan-out continues.
func (m *Manager) dispatch(ctx context.Context, events []outbound) {
	for _, ev := range events {
		for _, connID := range ev.connIDs {
			if m.relay == nil {
				continue
			}
			if !m.relay.Send(connID, ev.data) {
				log.Printf("session: send to connection %s failed, scheduling cleanup", connID)
				go m.Disconnect(context.Background(), connID)
			}
		}
		if ev.mirror && m.bridge != nil {
			if err := m.bridge.Publish(ctx, ev.documentID, ev.data); err != nil {
				log.Printf("session: bridge publish failed for document %s: %v", ev.documentID, err)
			}
		}
	}
}

// finalize persists checkpoints for torn-down sessions. A single attempt;
// persistence failure is logged and teardown proceeds regardless.
func (m *Manager) finalize(ctx context.Context, finals []*ot.Snapshot, closed []string) {
	for _, snap := range finals {
		err := m.store.SaveCheckpoint(ctx, &storage.Snapshot{
			DocumentID: snap.DocumentID,
			Content:    snap.Content,
			Version:    snap.Version,
			UpdatedAt:  snap.LastModified,
		})
		if err != nil {
			log.Printf("session: checkpoint failed for document %s: %v", snap.DocumentID, err)
		}
	}
	if m.bridge != nil {
		for _, documentID := range closed {
			if err := m.bridge.Unsubscribe(ctx, documentID); err != nil {
				log.Printf("session: bridge unsubscribe failed for document %s: %v", documentID, err)
			}
		}
	}
}

// deliverRemote fans a bridge-delivered message out to every local
// participant of the document.
func (m *Manager) deliverRemote(documentID string, data []byte) {
	m.mu.RLock()
	sess, ok := m.sessions[documentID]
	var connIDs []string
	if ok {
		connIDs = sess.recipients("")
	}
	m.mu.RUnlock()

	for _, connID := range connIDs {
		if m.relay != nil && !m.relay.Send(connID, data) {
			go m.Disconnect(context.Background(), connID)
		}
	}
}

// recipients returns the session's joined connections, excluding one.
func (s *DocumentSession) recipients(exceptConnID string) []string {
	out := make([]string, 0, len(s.joinedConns))
	for connID := range s.joinedConns {
		if connID != exceptConnID {
			out = append(out, connID)
		}
	}
	return out
}

// buildOperation validates an edit payload and produces the Operation to
// resolve.
func buildOperation(userID string, payload protocol.EditPayload) (ot.Operation, error) {
	if payload.DocumentID == "" {
		return ot.Operation{}, errors.New("missing document id")
	}

	op := ot.Operation{
		ID:        uuid.NewString(),
		Position:  payload.Position,
		Content:   payload.Content,
		Length:    payload.Length,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
	switch payload.Operation {
	case string(ot.KindInsert):
		op.Kind = ot.KindInsert
		if payload.Content == "" {
			return ot.Operation{}, errors.New("insert requires content")
		}
	case string(ot.KindDelete):
		op.Kind = ot.KindDelete
	default:
		return ot.Operation{}, fmt.Errorf("unrecognized operation %q", payload.Operation)
	}
	return op.Normalize()
}

// encodeMessage wraps a payload in an envelope and serializes it.
func encodeMessage(messageType string, payload interface{}) ([]byte, error) {
	msg, err := protocol.NewMessage(messageType, payload)
	if err != nil {
		return nil, err
	}
	return msg.Encode()
}
