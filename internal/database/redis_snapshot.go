package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"topstepx-trading-bot/internal/position"
)

const (
	// snapshotKeyPrefix is the prefix for per-account open position snapshots.
	// Format: bot:positions:{accountID}
	snapshotKeyPrefix = "bot:positions"

	// snapshotTTL bounds how long a stale snapshot survives a dead runner.
	snapshotTTL = 24 * time.Hour
)

// RedisSnapshotRepository mirrors each account's open positions into Redis so
// a restarted runner (or an operator's inspection tooling) can see live state
// without touching PostgreSQL. When Redis is unavailable it falls back to an
// in-memory map and keeps trading uninterrupted.
type RedisSnapshotRepository struct {
	client         *redis.Client
	inMemoryCache  map[string][]position.ManagedPosition // account id -> open positions
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisSnapshotRepository creates a snapshot repository. A nil client
// means memory-only mode.
func NewRedisSnapshotRepository(client *redis.Client) *RedisSnapshotRepository {
	repo := &RedisSnapshotRepository{
		client:        client,
		inMemoryCache: make(map[string][]position.ManagedPosition),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-SNAPSHOT] Redis unavailable at startup: %v, using in-memory cache", err)
			repo.redisAvailable.Store(false)
		} else {
			log.Printf("[REDIS-SNAPSHOT] Redis connected successfully")
			repo.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[REDIS-SNAPSHOT] No Redis client provided, using in-memory cache only")
		repo.redisAvailable.Store(false)
	}

	return repo
}

func (r *RedisSnapshotRepository) snapshotKey(accountID string) string {
	return fmt.Sprintf("%s:%s", snapshotKeyPrefix, accountID)
}

// SaveSnapshot stores the account's current open positions.
func (r *RedisSnapshotRepository) SaveSnapshot(ctx context.Context, accountID string, positions []position.ManagedPosition) error {
	r.cacheMu.Lock()
	r.inMemoryCache[accountID] = append([]position.ManagedPosition(nil), positions...)
	r.cacheMu.Unlock()

	if r.client == nil {
		return nil
	}

	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := r.client.Set(ctx, r.snapshotKey(accountID), data, snapshotTTL).Err(); err != nil {
		if r.redisAvailable.Swap(false) {
			log.Printf("[REDIS-SNAPSHOT] Redis write failed: %v, in-memory cache remains current", err)
		}
		return nil // cache holds the data; not an error for callers
	}
	if !r.redisAvailable.Swap(true) {
		log.Printf("[REDIS-SNAPSHOT] Redis connection recovered")
	}
	return nil
}

// LoadSnapshot returns the last stored open positions for an account,
// preferring Redis and falling back to the in-memory cache.
func (r *RedisSnapshotRepository) LoadSnapshot(ctx context.Context, accountID string) ([]position.ManagedPosition, error) {
	if r.client != nil {
		data, err := r.client.Get(ctx, r.snapshotKey(accountID)).Bytes()
		switch {
		case err == nil:
			var positions []position.ManagedPosition
			if err := json.Unmarshal(data, &positions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
			}
			return positions, nil
		case err == redis.Nil:
			return nil, nil
		default:
			if r.redisAvailable.Swap(false) {
				log.Printf("[REDIS-SNAPSHOT] Redis read failed: %v, falling back to in-memory cache", err)
			}
		}
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return append([]position.ManagedPosition(nil), r.inMemoryCache[accountID]...), nil
}

// ClearSnapshot removes an account's snapshot.
func (r *RedisSnapshotRepository) ClearSnapshot(ctx context.Context, accountID string) error {
	r.cacheMu.Lock()
	delete(r.inMemoryCache, accountID)
	r.cacheMu.Unlock()

	if r.client == nil {
		return nil
	}
	return r.client.Del(ctx, r.snapshotKey(accountID)).Err()
}

// IsRedisAvailable reports whether the last Redis operation succeeded.
func (r *RedisSnapshotRepository) IsRedisAvailable() bool {
	return r.redisAvailable.Load()
}
