// Package ot implements operational transformation for plain-text documents:
// edit primitives, per-document state, and the conflict resolution engine
// that lets concurrent edits converge to one deterministic result.
package ot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the edit primitive an Operation performs.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindRetain Kind = "retain"
)

// Operation is an immutable description of one edit: an insert or delete at
// a character offset, as seen against the document version the author had
// when the edit was made. Operations are freely shared once created.
type Operation struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Position  int    `json:"position"`
	Content   string `json:"content,omitempty"`
	Length    int    `json:"length"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds, tie-breaking only
}

// Validation errors
var (
	ErrUnknownKind      = errors.New("unknown operation kind")
	ErrNegativePosition = errors.New("operation position must be >= 0")
	ErrNegativeLength   = errors.New("operation length must be >= 0")
	ErrMissingLength    = errors.New("delete operation requires a length")
)

// NewInsert creates an insert operation. Length is derived from the content.
func NewInsert(userID string, position int, content string) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Kind:      KindInsert,
		Position:  position,
		Content:   content,
		Length:    len(content),
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewDelete creates a delete operation covering length characters.
func NewDelete(userID string, position, length int) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Kind:      KindDelete,
		Position:  position,
		Length:    length,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Normalize fills in derivable fields: an insert's length comes from its
// content, and a delete with content but no length covers that content.
func (op Operation) Normalize() (Operation, error) {
	if err := op.Validate(); err != nil {
		return op, err
	}
	switch op.Kind {
	case KindInsert:
		op.Length = len(op.Content)
	case KindDelete:
		if op.Length == 0 {
			if op.Content == "" {
				return op, ErrMissingLength
			}
			op.Length = len(op.Content)
			if op.Length < 1 {
				op.Length = 1
			}
		}
	}
	return op, nil
}

// Validate checks the structural invariants of an operation.
func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert, KindDelete, KindRetain:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if op.Position < 0 {
		return ErrNegativePosition
	}
	if op.Length < 0 {
		return ErrNegativeLength
	}
	return nil
}

// IsNoop reports whether the operation changes nothing when applied. A delete
// whose range was fully spent by a concurrent delete transforms into a noop
// but is still carried through resolution.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Content == ""
	case KindDelete:
		return op.Length == 0
	default:
		return true
	}
}

// end returns the exclusive end of the range a delete covers.
func (op Operation) end() int {
	return op.Position + op.Length
}
