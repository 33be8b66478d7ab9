// Package session tracks who is collaborating on which document: the
// connection registry, per-document sessions with live presence and the
// advisory edit lock, and the manager that routes inbound messages through
// the OT engine and fans resolved changes back out.
package session

import (
	"time"
)

// UserPresence is one participant's live state inside a document session.
type UserPresence struct {
	UserID         string    `json:"userId"`
	ConnectionID   string    `json:"connectionId"`
	DocumentID     string    `json:"documentId"`
	CursorPosition int       `json:"cursorPosition"`
	SelectionStart int       `json:"selectionStart"`
	SelectionEnd   int       `json:"selectionEnd"`
	LastSeen       time.Time `json:"lastSeen"`
}

// DocumentSession is the set of participants currently editing one document,
// plus the advisory lock state. A session exists only while at least one
// connection has joined it.
type DocumentSession struct {
	DocumentID      string
	MatterID        string
	ActiveUsers     map[string]*UserPresence // userID -> presence
	DocumentVersion int64
	LockHolder      string
	LockExpires     time.Time
	LastSync        time.Time

	// joinedConns maps every joined connection to its user, so a user with
	// two tabs open keeps presence until the last tab leaves.
	joinedConns map[string]string
}

func newDocumentSession(documentID, matterID string, version int64) *DocumentSession {
	return &DocumentSession{
		DocumentID:      documentID,
		MatterID:        matterID,
		ActiveUsers:     make(map[string]*UserPresence),
		DocumentVersion: version,
		LastSync:        time.Now(),
		joinedConns:     make(map[string]string),
	}
}

// lockHeldAt reports whether the advisory lock is held at now. An expired
// lock is treated as absent; expiry is evaluated lazily on access, never by
// a timer.
func (s *DocumentSession) lockHeldAt(now time.Time) bool {
	return s.LockHolder != "" && now.Before(s.LockExpires)
}

// tryLock grants the advisory lock to userID for ttl if it is free or
// expired. Re-locking by the current holder refreshes the expiry.
func (s *DocumentSession) tryLock(userID string, ttl time.Duration, now time.Time) bool {
	if s.lockHeldAt(now) && s.LockHolder != userID {
		return false
	}
	s.LockHolder = userID
	s.LockExpires = now.Add(ttl)
	return true
}

// unlock releases the advisory lock. Only the holder may release an
// unexpired lock; anyone may clear an expired one.
func (s *DocumentSession) unlock(userID string, now time.Time) bool {
	if s.LockHolder == "" {
		return true
	}
	if s.lockHeldAt(now) && s.LockHolder != userID {
		return false
	}
	s.LockHolder = ""
	s.LockExpires = time.Time{}
	return true
}

// connsForUser counts how many joined connections belong to userID.
func (s *DocumentSession) connsForUser(userID string) int {
	n := 0
	for _, uid := range s.joinedConns {
		if uid == userID {
			n++
		}
	}
	return n
}
