package ot

import (
	"time"
)

// DocumentState is the in-memory authoritative text of one document: current
// content, a monotonically increasing version, and the history of operations
// applied since the state was seeded. The version increments by exactly one
// per applied operation, so Version == seed version + len(History).
type DocumentState struct {
	DocumentID   string      `json:"documentId"`
	Content      string      `json:"content"`
	Version      int64       `json:"version"`
	History      []Operation `json:"operations"`
	LastModified time.Time   `json:"lastModified"`

	seedVersion int64
}

// NewDocumentState creates a document state seeded with content at version.
// A fresh document starts from empty content at version 0.
func NewDocumentState(documentID, content string, version int64) *DocumentState {
	return &DocumentState{
		DocumentID:   documentID,
		Content:      content,
		Version:      version,
		History:      make([]Operation, 0),
		LastModified: time.Now(),
		seedVersion:  version,
	}
}

// Snapshot captures the persistable view of a DocumentState. Operation
// history is not part of a snapshot; restore resets the history baseline.
type Snapshot struct {
	DocumentID     string    `json:"documentId"`
	Content        string    `json:"content"`
	Version        int64     `json:"version"`
	LastModified   time.Time `json:"lastModified"`
	OperationCount int       `json:"operationCount"`
}

// Snapshot captures the current content and version for external persistence.
func (d *DocumentState) Snapshot() *Snapshot {
	return &Snapshot{
		DocumentID:     d.DocumentID,
		Content:        d.Content,
		Version:        d.Version,
		LastModified:   d.LastModified,
		OperationCount: len(d.History),
	}
}

// apply splices one resolved operation into the content. Out-of-range
// positions are clamped to the current content bounds instead of rejected so
// a slightly stale client cannot wedge the session; the caller logs clamping
// as a recoverable anomaly. Returns whether clamping occurred.
func (d *DocumentState) apply(op Operation) bool {
	clamped := false

	pos := op.Position
	if pos < 0 {
		pos = 0
		clamped = true
	}
	if pos > len(d.Content) {
		pos = len(d.Content)
		clamped = true
	}

	switch op.Kind {
	case KindInsert:
		d.Content = d.Content[:pos] + op.Content + d.Content[pos:]
	case KindDelete:
		end := pos + op.Length
		if end > len(d.Content) {
			end = len(d.Content)
			clamped = true
		}
		d.Content = d.Content[:pos] + d.Content[end:]
	case KindRetain:
		// No content change.
	}

	d.Version++
	d.History = append(d.History, op)
	d.LastModified = time.Now()
	return clamped
}
