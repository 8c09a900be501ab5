// Package postgres provides a CheckpointStore backed by PostgreSQL: one row
// per thread id holding the serialized history blob, upserted on every Put.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steve0801/agentgraph/store"
)

// DBPool is the subset of pgxpool.Pool the store needs. Tests substitute a
// pgxmock pool here.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresCheckpointStore implements store.CheckpointStore using PostgreSQL.
type PostgresCheckpointStore struct {
	pool      DBPool
	tableName string
	codecs    *store.CodecRegistry
}

var _ store.CheckpointStore = (*PostgresCheckpointStore)(nil)

// PostgresOptions configures the Postgres connection.
type PostgresOptions struct {
	ConnString string
	TableName  string // default "checkpoints"
	Codecs     *store.CodecRegistry
}

// NewPostgresCheckpointStore creates a store with a fresh connection pool.
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresCheckpointStoreWithPool(pool, opts.TableName, opts.Codecs), nil
}

// NewPostgresCheckpointStoreWithPool creates a store with an existing pool.
// Useful for testing with mocks.
func NewPostgresCheckpointStoreWithPool(pool DBPool, tableName string, codecs *store.CodecRegistry) *PostgresCheckpointStore {
	if tableName == "" {
		tableName = "checkpoints"
	}
	if codecs == nil {
		codecs = store.Codecs()
	}
	return &PostgresCheckpointStore{
		pool:      pool,
		tableName: tableName,
		codecs:    codecs,
	}
}

// InitSchema creates the live and archive tables if they don't exist.
func (s *PostgresCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT PRIMARY KEY,
			history BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %s_archive (
			thread_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			history BYTEA NOT NULL,
			released_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (thread_id, version)
		);
	`, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresCheckpointStore) Close() {
	s.pool.Close()
}

// List returns the thread's history, newest first.
func (s *PostgresCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	return s.loadHistory(ctx, threadID)
}

// Get returns one checkpoint; an empty checkpointID selects the newest.
func (s *PostgresCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	history, err := s.List(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if checkpointID == "" {
		return history[0], nil
	}
	for _, cp := range history {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("thread %s checkpoint %s: %w", threadID, checkpointID, store.ErrNotFound)
}

// Put upserts the thread row with cp prepended to (or replaced within) the
// stored history.
func (s *PostgresCheckpointStore) Put(ctx context.Context, threadID string, cp *store.Checkpoint) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}

	history, err := s.loadHistory(ctx, threadID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range history {
		if existing.ID == cp.ID {
			history[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		history = append([]*store.Checkpoint{cp}, history...)
	}

	blob, err := s.codecs.MarshalHistory(history)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, history, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (thread_id) DO UPDATE SET
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at
	`, s.tableName)
	if _, err := s.pool.Exec(ctx, query, threadID, blob); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Clear removes the thread row.
func (s *PostgresCheckpointStore) Clear(ctx context.Context, threadID string) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.tableName)
	if _, err := s.pool.Exec(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Release moves the thread row into the archive table under the next
// version number and returns the detached history.
func (s *PostgresCheckpointStore) Release(ctx context.Context, threadID string) (*store.Archive, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}

	var blob []byte
	selectQuery := fmt.Sprintf("SELECT history FROM %s WHERE thread_id = $1", s.tableName)
	if err := s.pool.QueryRow(ctx, selectQuery, threadID).Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history, err := s.codecs.UnmarshalHistory(blob)
	if err != nil {
		return nil, err
	}

	var version int
	versionQuery := fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) + 1 FROM %s_archive WHERE thread_id = $1", s.tableName)
	if err := s.pool.QueryRow(ctx, versionQuery, threadID).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to compute archive version: %w", err)
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s_archive (thread_id, version, history) VALUES ($1, $2, $3)", s.tableName)
	if _, err := s.pool.Exec(ctx, insert, threadID, version, blob); err != nil {
		return nil, fmt.Errorf("failed to archive history: %w", err)
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.tableName)
	if _, err := s.pool.Exec(ctx, del, threadID); err != nil {
		return nil, fmt.Errorf("failed to detach history: %w", err)
	}

	return &store.Archive{
		Tag:         fmt.Sprintf("%s-v%d", threadID, version),
		Checkpoints: history,
	}, nil
}

func (s *PostgresCheckpointStore) loadHistory(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	var blob []byte
	query := fmt.Sprintf("SELECT history FROM %s WHERE thread_id = $1", s.tableName)
	err := s.pool.QueryRow(ctx, query, threadID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return s.codecs.UnmarshalHistory(blob)
}
