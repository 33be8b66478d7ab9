// Package websocket is the connection gateway: it upgrades authenticated
// clients, pumps frames, and routes decoded protocol messages into the
// collaboration session manager.
package websocket

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/matterdocs/collab-server/internal/auth"
	"github.com/matterdocs/collab-server/internal/protocol"
	"github.com/matterdocs/collab-server/internal/security"
	"github.com/matterdocs/collab-server/internal/session"
)

// Hub maintains active connections and routes their messages to the
// session manager. It is the manager's Relay: broadcasts come back through
// Send and are queued on the recipient's write pump.
type Hub struct {
	manager  *session.Manager
	security *security.SecurityManager

	connections map[string]*Connection
	mu          sync.RWMutex

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent
}

// MessageEvent represents a decoded message from a connection.
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

// NewHub creates a hub. Bind the session manager with BindManager before
// calling Run.
func NewHub(sec *security.SecurityManager) *Hub {
	return &Hub{
		security:      sec,
		connections:   make(map[string]*Connection),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
	}
}

// BindManager wires the session manager. Separate from NewHub because the
// manager needs the hub as its relay.
func (h *Hub) BindManager(m *session.Manager) {
	h.manager = m
}

// Send implements session.Relay. A false return marks the connection dead.
func (h *Hub) Send(connectionID string, data []byte) bool {
	h.mu.RLock()
	conn := h.connections[connectionID]
	h.mu.RUnlock()

	if conn == nil {
		return false
	}
	return conn.enqueue(data)
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Run starts the hub loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.manager.Connect(conn.ID, conn.UserID, "")

		case conn := <-h.Unregister:
			h.mu.Lock()
			_, ok := h.connections[conn.ID]
			delete(h.connections, conn.ID)
			h.mu.Unlock()
			if ok {
				conn.close()
				h.manager.Disconnect(context.Background(), conn.ID)
			}

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)
		}
	}
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	ctx := context.Background()

	switch msg.Type {
	case protocol.TypeJoin:
		var payload protocol.JoinPayload
		if err := msg.DecodePayload(&payload); err != nil {
			conn.SendError("Invalid join payload", protocol.CodeInvalidRequest)
			return
		}
		if ok, reason := security.ValidateDocumentID(payload.DocumentID); !ok {
			conn.SendError(reason, protocol.CodeInvalidRequest)
			return
		}
		if !auth.CanViewMatter(conn.TokenPayload, payload.MatterID) {
			conn.SendError("No access to this matter", protocol.CodeAccessDenied)
			return
		}
		if err := h.manager.Join(ctx, conn.ID, payload.DocumentID, payload.MatterID); err != nil {
			h.sendManagerError(conn, err)
			return
		}
		conn.joinedMatters[payload.DocumentID] = payload.MatterID

	case protocol.TypeLeave:
		var payload protocol.LeavePayload
		if err := msg.DecodePayload(&payload); err != nil {
			conn.SendError("Invalid leave payload", protocol.CodeInvalidRequest)
			return
		}
		if err := h.manager.Leave(ctx, conn.ID, payload.DocumentID); err != nil {
			h.sendManagerError(conn, err)
			return
		}
		delete(conn.joinedMatters, payload.DocumentID)

	case protocol.TypeEdit:
		var payload protocol.EditPayload
		if err := msg.DecodePayload(&payload); err != nil {
			conn.SendError("Invalid edit payload", protocol.CodeInvalidRequest)
			return
		}
		if ok, reason := security.ValidateEditContent(payload.Content); !ok {
			conn.SendError(reason, protocol.CodeInvalidRequest)
			return
		}
		if !h.canEditDocument(conn, payload.DocumentID) {
			conn.SendError("No edit access to this matter", protocol.CodeAccessDenied)
			return
		}
		if err := h.manager.HandleEdit(ctx, conn.ID, payload); err != nil {
			h.sendManagerError(conn, err)
		}

	case protocol.TypePresence:
		var payload protocol.PresencePayload
		if err := msg.DecodePayload(&payload); err != nil {
			conn.SendError("Invalid presence payload", protocol.CodeInvalidRequest)
			return
		}
		if err := h.manager.HandlePresence(ctx, conn.ID, payload); err != nil {
			h.sendManagerError(conn, err)
		}

	case protocol.TypeLock:
		var payload protocol.LockPayload
		if err := msg.DecodePayload(&payload); err != nil {
			conn.SendError("Invalid lock payload", protocol.CodeInvalidRequest)
			return
		}
		if !h.canEditDocument(conn, payload.DocumentID) {
			conn.SendError("No edit access to this matter", protocol.CodeAccessDenied)
			return
		}
		if err := h.manager.Lock(ctx, conn.ID, payload.DocumentID, payload.TTLSeconds); err != nil {
			h.sendManagerError(conn, err)
		}

	case protocol.TypeUnlock:
		var payload protocol.UnlockPayload
		if err := msg.DecodePayload(&payload); err != nil {
			conn.SendError("Invalid unlock payload", protocol.CodeInvalidRequest)
			return
		}
		if err := h.manager.Unlock(ctx, conn.ID, payload.DocumentID); err != nil {
			h.sendManagerError(conn, err)
		}

	default:
		conn.SendError("Unsupported message type: "+msg.Type, protocol.CodeInvalidMessage)
	}
}

// canEditDocument checks matter edit permission for a document this
// connection has joined.
func (h *Hub) canEditDocument(conn *Connection, documentID string) bool {
	matterID, ok := conn.joinedMatters[documentID]
	if !ok {
		return false
	}
	return auth.CanEditMatter(conn.TokenPayload, matterID)
}

// sendManagerError relays a session manager error back to the sender with
// the matching protocol code.
func (h *Hub) sendManagerError(conn *Connection, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownConnection):
		conn.SendError(err.Error(), protocol.CodeUnknownConnection)
	case errors.Is(err, session.ErrUnknownSession):
		conn.SendError(err.Error(), protocol.CodeUnknownSession)
	case errors.Is(err, session.ErrInvalidEdit):
		conn.SendError(err.Error(), protocol.CodeInvalidRequest)
	case errors.Is(err, session.ErrLockHeld), errors.Is(err, session.ErrNotLockHolder):
		conn.SendError(err.Error(), protocol.CodeInvalidRequest)
	default:
		log.Printf("websocket: handler error on connection %s: %v", conn.ID, err)
		conn.SendError("Internal error", protocol.CodeInvalidRequest)
	}
}
