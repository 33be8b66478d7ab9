// Package storage provides the document store collaborators: snapshot
// persistence, the per-document operation audit trail, and the Redis
// pub/sub bridge used to mirror broadcasts between server instances.
package storage

import (
	"context"
	"time"
)

// Snapshot is the persisted view of a document: current content and the
// version it was checkpointed at.
type Snapshot struct {
	DocumentID string    `json:"documentId"`
	Content    string    `json:"content"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// OperationRecord is one applied operation in the audit trail.
type OperationRecord struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Kind       string    `json:"kind"`
	Position   int       `json:"position"`
	Content    string    `json:"content,omitempty"`
	Length     int       `json:"length"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// DocumentStore is the persistence collaborator for the collaboration core.
// The core loads one snapshot when a session starts and saves one checkpoint
// when it ends; everything in between lives in memory.
type DocumentStore interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// LoadSnapshot returns the stored snapshot, or (nil, nil) for a
	// document that has never been checkpointed.
	LoadSnapshot(ctx context.Context, documentID string) (*Snapshot, error)
	SaveCheckpoint(ctx context.Context, snapshot *Snapshot) error

	// Audit trail
	SaveOperation(ctx context.Context, record *OperationRecord) error
	GetOperations(ctx context.Context, documentID string, limit int) ([]*OperationRecord, error)
}

// StorageConfig holds connection settings for storage adapters.
type StorageConfig struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultStorageConfig returns sensible defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}
