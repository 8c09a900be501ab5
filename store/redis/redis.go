// Package redis provides a CheckpointStore backed by Redis: one key per
// thread id holding the serialized history blob, with released histories
// moved to versioned archive keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steve0801/agentgraph/store"
)

// RedisCheckpointStore implements store.CheckpointStore using Redis.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	codecs *store.CodecRegistry
}

var _ store.CheckpointStore = (*RedisCheckpointStore)(nil)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key prefix, default "agentgraph:"
	TTL      time.Duration // expiration for live histories, default 0 (none)
	Codecs   *store.CodecRegistry
}

// NewRedisCheckpointStore creates a new Redis checkpoint store.
func NewRedisCheckpointStore(opts RedisOptions) *RedisCheckpointStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisCheckpointStoreWithClient(client, opts)
}

// NewRedisCheckpointStoreWithClient creates a store with an existing client.
// Useful for testing with miniredis.
func NewRedisCheckpointStoreWithClient(client *redis.Client, opts RedisOptions) *RedisCheckpointStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "agentgraph:"
	}
	codecs := opts.Codecs
	if codecs == nil {
		codecs = store.Codecs()
	}
	return &RedisCheckpointStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		codecs: codecs,
	}
}

func (s *RedisCheckpointStore) threadKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s", s.prefix, threadID)
}

func (s *RedisCheckpointStore) archiveKey(threadID string, version int64) string {
	return fmt.Sprintf("%sarchive:%s:v%d", s.prefix, threadID, version)
}

func (s *RedisCheckpointStore) releaseCounterKey(threadID string) string {
	return fmt.Sprintf("%sreleases:%s", s.prefix, threadID)
}

// List returns the thread's history, newest first.
func (s *RedisCheckpointStore) List(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}
	return s.loadHistory(ctx, threadID)
}

// Get returns one checkpoint; an empty checkpointID selects the newest.
func (s *RedisCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
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

// Put rewrites the thread key with cp prepended to (or replaced within) the
// stored history. The read-modify-write runs inside a WATCH transaction so
// concurrent writers to the same thread serialize.
func (s *RedisCheckpointStore) Put(ctx context.Context, threadID string, cp *store.Checkpoint) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}

	key := s.threadKey(threadID)
	txn := func(tx *redis.Tx) error {
		history, err := s.historyFromReply(tx.Get(ctx, key))
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, blob, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to save checkpoint to redis: %w", err)
		}
	}
	return fmt.Errorf("failed to save checkpoint to redis: too many write conflicts on thread %s", threadID)
}

// Clear removes the thread key.
func (s *RedisCheckpointStore) Clear(ctx context.Context, threadID string) error {
	if threadID == "" {
		return store.ErrEmptyThread
	}
	if err := s.client.Del(ctx, s.threadKey(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Release moves the live history to a versioned archive key and returns it.
func (s *RedisCheckpointStore) Release(ctx context.Context, threadID string) (*store.Archive, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThread
	}

	key := s.threadKey(threadID)
	blob, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load history from redis: %w", err)
	}
	history, err := s.codecs.UnmarshalHistory(blob)
	if err != nil {
		return nil, err
	}

	version, err := s.client.Incr(ctx, s.releaseCounterKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to compute archive version: %w", err)
	}
	archive := s.archiveKey(threadID, version)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, archive, blob, 0)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to archive history: %w", err)
	}

	return &store.Archive{
		Tag:         archive,
		Checkpoints: history,
	}, nil
}

func (s *RedisCheckpointStore) loadHistory(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	return s.historyFromReply(s.client.Get(ctx, s.threadKey(threadID)))
}

func (s *RedisCheckpointStore) historyFromReply(reply *redis.StringCmd) ([]*store.Checkpoint, error) {
	blob, err := reply.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history from redis: %w", err)
	}
	return s.codecs.UnmarshalHistory(blob)
}
