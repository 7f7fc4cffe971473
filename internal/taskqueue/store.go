package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildguard/backend/internal/faults"
)

// DefaultResultTTL is how long task results stay queryable after the last
// state change.
const DefaultResultTTL = 3600 * time.Second

// ErrGone is returned when a result has expired or never existed.
var ErrGone = faults.New(faults.KindValidation, "task result gone")

// ResultStore persists task statuses for later querying. Implementations
// must evict entries after their TTL.
type ResultStore interface {
	Put(ctx context.Context, status Status, ttl time.Duration) error
	Get(ctx context.Context, taskID string) (Status, error)
}

// ============================================================================
// In-memory store
// ============================================================================

type memoryEntry struct {
	status    Status
	expiresAt time.Time
}

// MemoryStore keeps results in a map with lazy TTL eviction. Suitable for
// single-process deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time // test hook
}

// NewMemoryStore creates an empty in-memory result store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, status Status, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[status.TaskID] = memoryEntry{
		status:    status,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (Status, error) {
	s.mu.RLock()
	e, ok := s.entries[taskID]
	s.mu.RUnlock()
	if !ok {
		return Status{}, ErrGone
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, taskID)
		s.mu.Unlock()
		return Status{}, ErrGone
	}
	return e.status, nil
}

// ============================================================================
// Redis-backed store
// ============================================================================

// RedisStore keeps results in Redis with native TTL expiry, so results
// survive process restarts and are visible across instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies connectivity with a ping.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisStore{rdb: rdb, prefix: "task:result:"}, nil
}

func (s *RedisStore) Put(ctx context.Context, status Status, ttl time.Duration) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal task status: %w", err)
	}
	return s.rdb.Set(ctx, s.prefix+status.TaskID, payload, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (Status, error) {
	val, err := s.rdb.Get(ctx, s.prefix+taskID).Bytes()
	if err == redis.Nil {
		return Status{}, ErrGone
	}
	if err != nil {
		return Status{}, faults.Wrap(faults.KindTransientIO, err, "redis get")
	}
	var status Status
	if err := json.Unmarshal(val, &status); err != nil {
		return Status{}, fmt.Errorf("unmarshal task status: %w", err)
	}
	return status, nil
}

// Close shuts down the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
