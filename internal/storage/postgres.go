package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements DocumentStore on PostgreSQL. Snapshots live in
// the documents table, one row per document; the audit trail appends to
// document_operations.
type PostgresStore struct {
	config    *StorageConfig
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresStore creates a PostgreSQL document store.
func NewPostgresStore(config *StorageConfig) *PostgresStore {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &PostgresStore{
		config: config,
	}
}

// Connect establishes the connection pool.
func (p *PostgresStore) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the connection pool.
func (p *PostgresStore) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status.
func (p *PostgresStore) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity.
func (p *PostgresStore) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// LoadSnapshot retrieves the stored snapshot for a document. A document
// that has never been checkpointed returns (nil, nil).
func (p *PostgresStore) LoadSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT document_id, content, version, updated_at FROM documents WHERE document_id = $1`
	row := p.pool.QueryRow(ctx, query, documentID)

	var snap Snapshot
	err := row.Scan(&snap.DocumentID, &snap.Content, &snap.Version, &snap.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to load snapshot", err)
	}

	return &snap, nil
}

// SaveCheckpoint creates or replaces the stored snapshot for a document.
func (p *PostgresStore) SaveCheckpoint(ctx context.Context, snapshot *Snapshot) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	query := `
		INSERT INTO documents (document_id, content, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id) DO UPDATE
		SET content = $2, version = $3, updated_at = NOW()
	`

	_, err := p.pool.Exec(ctx, query, snapshot.DocumentID, snapshot.Content, snapshot.Version)
	if err != nil {
		return NewQueryError("failed to save checkpoint", err)
	}

	return nil
}

// SaveOperation appends one applied operation to the audit trail.
func (p *PostgresStore) SaveOperation(ctx context.Context, record *OperationRecord) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	query := `
		INSERT INTO document_operations (id, document_id, user_id, kind, position, content, length, version, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := p.pool.Exec(ctx, query,
		record.ID, record.DocumentID, record.UserID, record.Kind,
		record.Position, record.Content, record.Length, record.Version, record.Timestamp)
	if err != nil {
		return NewQueryError("failed to save operation", err)
	}

	return nil
}

// GetOperations retrieves the most recent audit trail entries for a
// document, oldest first.
func (p *PostgresStore) GetOperations(ctx context.Context, documentID string, limit int) ([]*OperationRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, document_id, user_id, kind, position, content, length, version, applied_at
		FROM (
			SELECT id, document_id, user_id, kind, position, content, length, version, applied_at
			FROM document_operations
			WHERE document_id = $1
			ORDER BY version DESC
			LIMIT $2
		) recent
		ORDER BY version ASC
	`

	rows, err := p.pool.Query(ctx, query, documentID, limit)
	if err != nil {
		return nil, NewQueryError("failed to get operations", err)
	}
	defer rows.Close()

	var records []*OperationRecord
	for rows.Next() {
		var record OperationRecord
		if err := rows.Scan(&record.ID, &record.DocumentID, &record.UserID, &record.Kind,
			&record.Position, &record.Content, &record.Length, &record.Version, &record.Timestamp); err != nil {
			return nil, NewQueryError("failed to scan operation", err)
		}
		records = append(records, &record)
	}

	return records, nil
}
