package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/acecore/pkg/types"
)

// RedisStore is the optional distributed Backend, grounded on
// evalgo-org-eve's db/repository/redis.go SetCache/GetCache (SET ... EX
// TTL) — matching ace/system/remote/caching.py's intent that the cache be
// a swappable remote interface in the original implementation too.
//
// DeleteForModule and Size require a full SCAN since Redis has no native
// secondary index by AMT name; this is acceptable because both are
// maintenance-path operations (registry cascade, diagnostics), never on
// the Get/Put hot path.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

const redisCacheKeyPrefix = "ace:cache:"

// NewRedisStore connects to url (a redis:// connection string).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client, ctx: ctx}, nil
}

func (r *RedisStore) Get(cacheKey string) (*types.CacheEntry, error) {
	data, err := r.client.Get(r.ctx, redisCacheKeyPrefix+cacheKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *RedisStore) Put(entry *types.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := time.Until(entry.Expiration)
	if ttl <= 0 {
		ttl = time.Second
	}
	return r.client.Set(r.ctx, redisCacheKeyPrefix+entry.CacheKey, data, ttl).Err()
}

func (r *RedisStore) Delete(cacheKey string) error {
	return r.client.Del(r.ctx, redisCacheKeyPrefix+cacheKey).Err()
}

// DeleteExpired is a no-op: Redis's own TTL already evicts expired keys,
// so the sweeper calling this has nothing left to do.
func (r *RedisStore) DeleteExpired(now time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) DeleteForModule(amt string) (int, error) {
	keys, err := r.scanKeys()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		entry, err := r.entryAt(key)
		if err != nil || entry == nil {
			continue
		}
		if entry.AnalysisModule == amt {
			if err := r.client.Del(r.ctx, key).Err(); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

func (r *RedisStore) Size(amt string) (int, error) {
	keys, err := r.scanKeys()
	if err != nil {
		return 0, err
	}
	if amt == "" {
		return len(keys), nil
	}
	count := 0
	for _, key := range keys {
		entry, err := r.entryAt(key)
		if err != nil || entry == nil {
			continue
		}
		if entry.AnalysisModule == amt {
			count++
		}
	}
	return count, nil
}

func (r *RedisStore) scanKeys() ([]string, error) {
	var keys []string
	iter := r.client.Scan(r.ctx, 0, redisCacheKeyPrefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *RedisStore) entryAt(key string) (*types.CacheEntry, error) {
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
