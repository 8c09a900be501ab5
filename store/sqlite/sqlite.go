// Package sqlite provides a CheckpointStore backed by SQLite: one row per
// thread id holding the serialized history blob, upserted on every Put.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/steve0801/agentgraph/store"
)

// SqliteCheckpointStore implements store.CheckpointStore using SQLite.
type SqliteCheckpointStore struct {
	db        *sql.DB
	tableName string
	codecs    *store.CodecRegistry
}

var _ store.CheckpointStore = (*SqliteCheckpointStore)(nil)

// SqliteOptions configures the SQLite connection.
type SqliteOptions struct {
	Path      string
	TableName string // default "checkpoints"
	Codecs    *store.CodecRegistry
}

// NewSqliteCheckpointStore opens (or creates) the database at opts.Path and
// ensures the schema exists.
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "checkpoints"
	}
	codecs := opts.Codecs
	if codecs == nil {
		codecs = store.Codecs()
	}

	s := &SqliteCheckpointStore{
		db:        db,
		tableName: tableName,
		codecs:    codecs,
	}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the live and archive tables if they don't exist.
func (s *SqliteCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT PRIMARY KEY,
			history BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS %s_archive (
			thread_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			history BLOB NOT NULL,
			released_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, version)
		);
	`, s.tableName, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SqliteCheckpointStore) Close() error {
	return s.db.Close()
}

// List returns the thread's history, newest first.
func (s *SqliteCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	return s.loadHistory(ctx, threadID)
}

// Get returns one checkpoint; an empty checkpointID selects the newest.
func (s *SqliteCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
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
// stored history. The read-modify-write runs in one transaction so
// concurrent writers to the same thread serialize on the row.
func (s *SqliteCheckpointStore) Put(ctx context.Context, threadID string, cp *store.Checkpoint) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	history, err := s.loadHistoryTx(ctx, tx, threadID)
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
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(thread_id) DO UPDATE SET
			history = excluded.history,
			updated_at = excluded.updated_at
	`, s.tableName)
	if _, err := tx.ExecContext(ctx, query, threadID, blob); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return tx.Commit()
}

// Clear removes the thread row.
func (s *SqliteCheckpointStore) Clear(ctx context.Context, threadID string) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Release moves the thread row into the archive table under the next
// version number and returns the detached history.
func (s *SqliteCheckpointStore) Release(ctx context.Context, threadID string) (*store.Archive, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	var blob []byte
	query := fmt.Sprintf("SELECT history FROM %s WHERE thread_id = ?", s.tableName)
	if err := tx.QueryRowContext(ctx, query, threadID).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		"SELECT COALESCE(MAX(version), 0) + 1 FROM %s_archive WHERE thread_id = ?", s.tableName)
	if err := tx.QueryRowContext(ctx, versionQuery, threadID).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to compute archive version: %w", err)
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s_archive (thread_id, version, history) VALUES (?, ?, ?)", s.tableName)
	if _, err := tx.ExecContext(ctx, insert, threadID, version, blob); err != nil {
		return nil, fmt.Errorf("failed to archive history: %w", err)
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName)
	if _, err := tx.ExecContext(ctx, del, threadID); err != nil {
		return nil, fmt.Errorf("failed to detach history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}

	return &store.Archive{
		Tag:         fmt.Sprintf("%s-v%d", threadID, version),
		Checkpoints: history,
	}, nil
}

func (s *SqliteCheckpointStore) loadHistory(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	var blob []byte
	query := fmt.Sprintf("SELECT history FROM %s WHERE thread_id = ?", s.tableName)
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return s.codecs.UnmarshalHistory(blob)
}

func (s *SqliteCheckpointStore) loadHistoryTx(ctx context.Context, tx *sql.Tx, threadID string) ([]*store.Checkpoint, error) {
	var blob []byte
	query := fmt.Sprintf("SELECT history FROM %s WHERE thread_id = ?", s.tableName)
	err := tx.QueryRowContext(ctx, query, threadID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return s.codecs.UnmarshalHistory(blob)
}
