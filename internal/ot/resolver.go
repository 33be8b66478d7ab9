package ot

import (
	"errors"
	"log"
	"sort"
	"sync"
)

// TieBreak decides placement priority when two concurrent inserts target the
// same position: it reports whether a keeps its position and b shifts. The
// exact convention is a policy choice, so it is pluggable; every resolver in
// a deployment must use the same one or clients will not converge.
type TieBreak func(a, b Operation) bool

// DefaultTieBreak gives placement priority to the earlier timestamp, falling
// back to the smaller operation ID for identical timestamps.
func DefaultTieBreak(a, b Operation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// ErrUnknownDocument is returned when a checkpoint is requested for a
// document the resolver has never seen.
var ErrUnknownDocument = errors.New("unknown document")

// Resolver is the OT engine. It owns the in-memory DocumentState for every
// live document and rewrites concurrent operations so that sequential
// application reaches the same content regardless of arrival order.
type Resolver struct {
	mu        sync.RWMutex
	documents map[string]*DocumentState
	tieBreak  TieBreak
}

// NewResolver creates a resolver. A nil tieBreak selects DefaultTieBreak.
func NewResolver(tieBreak TieBreak) *Resolver {
	if tieBreak == nil {
		tieBreak = DefaultTieBreak
	}
	return &Resolver{
		documents: make(map[string]*DocumentState),
		tieBreak:  tieBreak,
	}
}

// Transform rewrites two operations that were created concurrently against
// the same document version. It returns (a', b') where a' is a adjusted to
// apply after b, and b' is b adjusted to apply after a. For well-formed
// inputs it never fails; zero-length results are returned as noops.
func (r *Resolver) Transform(a, b Operation) (Operation, Operation) {
	return r.transformAgainst(a, b), r.transformAgainst(b, a)
}

// transformAgainst adjusts op so it can be applied after applied has
// already changed the document.
func (r *Resolver) transformAgainst(op, applied Operation) Operation {
	switch {
	case op.Kind == KindInsert && applied.Kind == KindInsert:
		return transformInsertInsert(op, applied, r.tieBreak)
	case op.Kind == KindInsert && applied.Kind == KindDelete:
		return transformInsertDelete(op, applied)
	case op.Kind == KindDelete && applied.Kind == KindInsert:
		return transformDeleteInsert(op, applied)
	case op.Kind == KindDelete && applied.Kind == KindDelete:
		return transformDeleteDelete(op, applied)
	default:
		// Retain operations carry no positional effect either way.
		return op
	}
}

func transformInsertInsert(op, applied Operation, tieBreak TieBreak) Operation {
	if op.Position < applied.Position {
		return op
	}
	if op.Position == applied.Position && tieBreak(op, applied) {
		return op
	}
	op.Position += applied.Length
	return op
}

func transformInsertDelete(op, applied Operation) Operation {
	switch {
	case op.Position <= applied.Position:
		// Insert lands before the deleted range.
		return op
	case op.Position >= applied.end():
		op.Position -= applied.Length
	default:
		// Insert falls inside the deleted range: clamp to the delete's
		// start so the inserted content survives rather than vanishing.
		op.Position = applied.Position
	}
	return op
}

func transformDeleteInsert(op, applied Operation) Operation {
	switch {
	case applied.Position <= op.Position:
		op.Position += applied.Length
	case applied.Position >= op.end():
		// Insert lands after the deleted range.
	default:
		// Insert falls inside the range being deleted. A single
		// contiguous delete cannot skip over it, so the range is kept
		// as-is. The concurrent insert clamps to the range start (see
		// transformInsertDelete), which keeps the content from being
		// dropped at the cost of exact interleaving.
	}
	return op
}

func transformDeleteDelete(op, applied Operation) Operation {
	switch {
	case op.end() <= applied.Position:
		// Disjoint, op entirely before.
		return op
	case op.Position >= applied.end():
		// Disjoint, op entirely after: shift left by the removed span.
		op.Position -= applied.Length
		return op
	}

	// Overlapping ranges: the overlap is only spent once. op keeps the part
	// of its range the applied delete did not already remove; a fully
	// covered delete reduces to a zero-length noop.
	overlap := min(op.end(), applied.end()) - max(op.Position, applied.Position)
	op.Length -= overlap
	if op.Position >= applied.Position {
		op.Position = applied.Position
	}
	return op
}

// ResolveConcurrent orders and mutually transforms a batch of operations all
// created against the same base version. The batch is first sorted by
// (timestamp, id) for a deterministic base order; each subsequent operation
// is then transformed against every already-resolved one, so applying the
// returned sequence in order yields one final state no matter how the batch
// originally arrived. Batches of zero or one operation pass through as-is.
func (r *Resolver) ResolveConcurrent(operations []Operation) []Operation {
	if len(operations) <= 1 {
		return operations
	}

	resolved := make([]Operation, len(operations))
	copy(resolved, operations)
	sort.Slice(resolved, func(i, j int) bool {
		if resolved[i].Timestamp != resolved[j].Timestamp {
			return resolved[i].Timestamp < resolved[j].Timestamp
		}
		return resolved[i].ID < resolved[j].ID
	})

	for i := 1; i < len(resolved); i++ {
		candidate := resolved[i]
		for j := 0; j < i; j++ {
			candidate = r.transformAgainst(candidate, resolved[j])
		}
		resolved[i] = candidate
	}
	return resolved
}

// ApplyWithResolution resolves a batch of concurrent operations and applies
// them to the document's state in order. The DocumentState is created on
// first use, seeded with seedContent at version 0; the seed is ignored for
// a document that already exists. Returns the updated state and the resolved
// operations actually applied, in application order.
func (r *Resolver) ApplyWithResolution(documentID string, operations []Operation, seedContent string) (*DocumentState, []Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[documentID]
	if !ok {
		doc = NewDocumentState(documentID, seedContent, 0)
		r.documents[documentID] = doc
	}

	resolved := r.ResolveConcurrent(operations)
	for _, op := range resolved {
		if doc.apply(op) {
			log.Printf("ot: clamped out-of-range %s op %s on document %s", op.Kind, op.ID, documentID)
		}
	}
	return doc, resolved
}

// Seed registers a DocumentState loaded from an external snapshot. It is a
// no-op if the document already has live state, and returns the state either
// way.
func (r *Resolver) Seed(documentID, content string, version int64) *DocumentState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if doc, ok := r.documents[documentID]; ok {
		return doc
	}
	doc := NewDocumentState(documentID, content, version)
	r.documents[documentID] = doc
	return doc
}

// Document returns the live state for a document, if any.
func (r *Resolver) Document(documentID string) (*DocumentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.documents[documentID]
	return doc, ok
}

// Remove discards the in-memory state for a document after its session has
// been torn down.
func (r *Resolver) Remove(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.documents, documentID)
}

// Checkpoint captures the current content and version of a document for
// external persistence.
func (r *Resolver) Checkpoint(documentID string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.documents[documentID]
	if !ok {
		return nil, ErrUnknownDocument
	}
	return doc.Snapshot(), nil
}

// Restore replaces the in-memory state for a document wholesale from a
// snapshot. Operation history is not restored; the snapshot becomes the new
// replay baseline. Restoring a stale snapshot over newer state is allowed
// and discards the intervening history — that policy call belongs to the
// caller. Returns false only for a nil or incomplete snapshot.
func (r *Resolver) Restore(snapshot *Snapshot) bool {
	if snapshot == nil || snapshot.DocumentID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents[snapshot.DocumentID] = NewDocumentState(snapshot.DocumentID, snapshot.Content, snapshot.Version)
	return true
}

// GenerateDiff produces insert/delete operations that transform oldText into
// newText, for clients that report whole-document content instead of
// discrete edits. It matches the common prefix with a forward scan and emits
// one delete plus one insert for the remainder. This is deliberately not a
// full LCS diff: the operations are correct but not minimal, which is an
// accepted trade-off for a fallback path.
func (r *Resolver) GenerateDiff(userID, oldText, newText string) []Operation {
	if oldText == newText {
		return nil
	}

	prefix := 0
	for prefix < len(oldText) && prefix < len(newText) && oldText[prefix] == newText[prefix] {
		prefix++
	}

	ops := make([]Operation, 0, 2)
	if prefix < len(oldText) {
		ops = append(ops, NewDelete(userID, prefix, len(oldText)-prefix))
	}
	if prefix < len(newText) {
		ops = append(ops, NewInsert(userID, prefix, newText[prefix:]))
	}
	return ops
}
