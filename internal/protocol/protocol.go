// Package protocol defines the JSON message schema spoken over the
// connection relay. Every concern has its own message type with a fixed
// payload struct, so malformed fields surface at decode time instead of
// deep inside a handler.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matterdocs/collab-server/internal/ot"
)

// Inbound message types (client -> server)
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeEdit     = "edit"
	TypePresence = "presence"
	TypeLock     = "lock"
	TypeUnlock   = "unlock"
)

// Outbound message types (server -> client)
const (
	TypeSnapshot          = "snapshot"
	TypeEditBroadcast     = "edit_broadcast"
	TypePresenceBroadcast = "presence_broadcast"
	TypeLockState         = "lock_state"
	TypeError             = "error"
)

// validTypes lists every message type the server will decode.
var validTypes = map[string]bool{
	TypeJoin:              true,
	TypeLeave:             true,
	TypeEdit:              true,
	TypePresence:          true,
	TypeLock:              true,
	TypeUnlock:            true,
	TypeSnapshot:          true,
	TypeEditBroadcast:     true,
	TypePresenceBroadcast: true,
	TypeLockState:         true,
	TypeError:             true,
}

// Message is the wire envelope: a type tag plus the type's payload.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload asks to join a document session within a matter.
type JoinPayload struct {
	DocumentID string `json:"documentId"`
	MatterID   string `json:"matterId"`
}

// LeavePayload leaves a document session.
type LeavePayload struct {
	DocumentID string `json:"documentId"`
}

// EditPayload carries one edit primitive. Operation is "insert" or
// "delete"; Length may be omitted where it is derivable from Content.
type EditPayload struct {
	DocumentID string `json:"documentId"`
	Operation  string `json:"operation"`
	Position   int    `json:"position"`
	Content    string `json:"content,omitempty"`
	Length     int    `json:"length,omitempty"`
}

// PresencePayload reports the sender's live cursor and selection.
type PresencePayload struct {
	DocumentID     string `json:"documentId"`
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

// LockPayload requests the advisory edit lock. A nil TTLSeconds picks the
// server default; zero is honored literally and grants an already-expired
// lock.
type LockPayload struct {
	DocumentID string `json:"documentId"`
	TTLSeconds *int   `json:"ttlSeconds,omitempty"`
}

// UnlockPayload releases the advisory edit lock.
type UnlockPayload struct {
	DocumentID string `json:"documentId"`
}

// SnapshotPayload delivers the authoritative document state to a joining
// connection.
type SnapshotPayload struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
}

// EditBroadcastPayload fans a resolved operation out to the other session
// participants. The operation is the post-transform one, not necessarily
// what the sender submitted.
type EditBroadcastPayload struct {
	DocumentID string       `json:"documentId"`
	Operation  ot.Operation `json:"operation"`
	Version    int64        `json:"version"`
}

// PresenceBroadcastPayload announces a participant's presence change.
// Event is "joined", "left", or "moved".
type PresenceBroadcastPayload struct {
	DocumentID     string `json:"documentId"`
	UserID         string `json:"userId"`
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
	Event          string `json:"event"`
}

// Presence broadcast events
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
	PresenceMoved  = "moved"
)

// LockStatePayload announces the advisory lock holder. An empty LockHolder
// means the document is unlocked; LockExpires is unix milliseconds.
type LockStatePayload struct {
	DocumentID  string `json:"documentId"`
	LockHolder  string `json:"lockHolder,omitempty"`
	LockExpires int64  `json:"lockExpires,omitempty"`
}

// ErrorPayload is sent to a single connection when its message was rejected.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes returned to clients
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeUnknownConnection = "UNKNOWN_CONNECTION"
	CodeUnknownSession    = "UNKNOWN_SESSION"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeAccessDenied      = "ACCESS_DENIED"
)

// NewMessage builds an envelope around a payload struct, stamping an ID and
// timestamp.
func NewMessage(messageType string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
	}
	return &Message{
		Type:      messageType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses an envelope and checks the type is one we speak.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	if !validTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// DecodePayload unmarshals the envelope's payload into a typed struct.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}
