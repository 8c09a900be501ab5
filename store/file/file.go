// Package file provides a filesystem checkpoint store: one serialized file
// per thread id, plus numbered backup files written at release time.
package file

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/steve0801/agentgraph/store"
)

const liveExt = ".ckpt"

// FileCheckpointStore persists each thread's history as a single file of
// length-prefixed checkpoint records, newest first. Writes go through a
// temp file and rename so a crash never leaves a half-written live file.
type FileCheckpointStore struct {
	dir    string
	codecs *store.CodecRegistry

	mu      sync.Mutex
	threads map[string]*sync.Mutex // per-thread write locks
}

var _ store.CheckpointStore = (*FileCheckpointStore)(nil)

// NewFileCheckpointStore creates a store rooted at dir, creating it if
// needed. The global codec registry is used for state serialization.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	return NewFileCheckpointStoreWithCodecs(dir, store.Codecs())
}

// NewFileCheckpointStoreWithCodecs creates a store using a specific codec
// registry.
func NewFileCheckpointStoreWithCodecs(dir string, codecs *store.CodecRegistry) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileCheckpointStore{
		dir:     dir,
		codecs:  codecs,
		threads: make(map[string]*sync.Mutex),
	}, nil
}

// threadLock returns the mutex for one thread id, creating it on first use.
// Locking is per thread so distinct threads never contend on I/O.
func (s *FileCheckpointStore) threadLock(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.threads[threadID] = lock
	}
	return lock
}

// livePath maps a thread id to its live file. Thread ids may contain path
// separators (subgraph namespacing), so the id is escaped first.
func (s *FileCheckpointStore) livePath(threadID string) string {
	return filepath.Join(s.dir, url.PathEscape(threadID)+liveExt)
}

func (s *FileCheckpointStore) backupPath(threadID string, version int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-v%d%s", url.PathEscape(threadID), version, liveExt))
}

// List returns the thread's history, newest first.
func (s *FileCheckpointStore) List(_ context.Context, threadID string) ([]*store.Checkpoint, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()
	return s.readHistory(threadID)
}

// Get returns one checkpoint; an empty checkpointID selects the newest.
func (s *FileCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
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

// Put writes the thread file with cp prepended, or with the matching entry
// replaced in place. The whole file is rewritten atomically; there are no
// partial writes.
func (s *FileCheckpointStore) Put(_ context.Context, threadID string, cp *store.Checkpoint) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.readHistory(threadID)
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
	return s.writeHistory(threadID, history)
}

// Clear removes the thread's live file.
func (s *FileCheckpointStore) Clear(_ context.Context, threadID string) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.livePath(threadID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear thread %s: %w", threadID, err)
	}
	return nil
}

// Release copies the live file to the next numbered backup
// (<thread>-vN.ckpt, N = previous max + 1), removes the live file and
// returns the archived history.
func (s *FileCheckpointStore) Release(_ context.Context, threadID string) (*store.Archive, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.readHistory(threadID)
	if err != nil {
		return nil, err
	}
	live := s.livePath(threadID)
	if _, err := os.Stat(live); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}

	version := s.nextBackupVersion(threadID)
	backup := s.backupPath(threadID, version)
	if err := copyFile(live, backup); err != nil {
		return nil, fmt.Errorf("archive thread %s: %w", threadID, err)
	}
	if err := os.Remove(live); err != nil {
		return nil, fmt.Errorf("remove live file for thread %s: %w", threadID, err)
	}
	return &store.Archive{Tag: backup, Checkpoints: history}, nil
}

// nextBackupVersion scans existing backups for the highest N.
func (s *FileCheckpointStore) nextBackupVersion(threadID string) int {
	version := 1
	for {
		if _, err := os.Stat(s.backupPath(threadID, version)); errors.Is(err, os.ErrNotExist) {
			return version
		}
		version++
	}
}

func (s *FileCheckpointStore) readHistory(threadID string) ([]*store.Checkpoint, error) {
	data, err := os.ReadFile(s.livePath(threadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read thread %s: %w", threadID, err)
	}

	var history []*store.Checkpoint
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("thread %s: truncated record header", threadID)
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("thread %s: truncated record body", threadID)
		}
		cp, err := s.codecs.UnmarshalCheckpoint(data[:n])
		if err != nil {
			return nil, fmt.Errorf("thread %s: %w", threadID, err)
		}
		history = append(history, cp)
		data = data[n:]
	}
	return history, nil
}

func (s *FileCheckpointStore) writeHistory(threadID string, history []*store.Checkpoint) error {
	var buf []byte
	for _, cp := range history {
		record, err := s.codecs.MarshalCheckpoint(cp)
		if err != nil {
			return fmt.Errorf("thread %s: %w", threadID, err)
		}
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(record)))
		buf = append(buf, header[:]...)
		buf = append(buf, record...)
	}

	live := s.livePath(threadID)
	tmp := live + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write thread %s: %w", threadID, err)
	}
	if err := os.Rename(tmp, live); err != nil {
		return fmt.Errorf("commit thread %s: %w", threadID, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
