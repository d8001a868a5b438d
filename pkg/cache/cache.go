// Package cache implements the Result Cache (C4): a cache-key fingerprint
// derived from an observable and its AMT, mapped to a previously produced
// AnalysisRequest with TTL and lazy expiry. The default backend is
// bbolt; an optional Redis backend gives the same contract across
// processes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/types"
)

var bucketCache = []byte("analysis_result_cache")

// Key derives the deterministic cache-key fingerprint of §4.3: stable over
// (observable.type, observable.value, amt.name, amt.version) plus a
// canonical serialization of amt.additional_cache_keys and
// amt.extended_version. Ordering of the extra keys is significant; empty
// lists canonicalize identically to absent ones.
func Key(obsType, obsValue string, amt *types.AnalysisModuleType) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", obsType, obsValue, amt.Name, amt.Version)
	fmt.Fprintf(h, "%s\x00", strings.Join(amt.AdditionalCacheKeys, "\x01"))
	fmt.Fprintf(h, "%s\x00", strings.Join(amt.ExtendedVersion, "\x01"))
	return hex.EncodeToString(h.Sum(nil))
}

// Backend is the storage contract a Cache delegates to; Store implements
// it with bbolt, RedisStore with Redis.
type Backend interface {
	Get(cacheKey string) (*types.CacheEntry, error)
	Put(entry *types.CacheEntry) error
	Delete(cacheKey string) error
	DeleteExpired(now time.Time) (int, error)
	DeleteForModule(amt string) (int, error)
	Size(amt string) (int, error)
}

// Cache is the C4 Result Cache, wrapping a pluggable Backend with the
// event-firing and TTL-gating semantics of §4.3.
type Cache struct {
	backend Backend
	bus     *events.Broker
}

// New wraps backend with the Cache's event semantics.
func New(backend Backend, bus *events.Broker) *Cache {
	return &Cache{backend: backend, bus: bus}
}

// Get resolves a previously cached result for (obsType, obsValue, amt).
// Returns nil, nil on a miss or an expired entry (lazy expiry, §4.3). A
// hit fires CACHE_HIT.
func (c *Cache) Get(obsType, obsValue string, amt *types.AnalysisModuleType) (*types.AnalysisRequest, error) {
	if !amt.Cacheable() {
		return nil, nil
	}
	key := Key(obsType, obsValue, amt)
	entry, err := c.backend.Get(key)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Expired(time.Now()) {
		return nil, nil
	}

	c.bus.Fire(events.Event{Name: events.CacheHit, AMT: amt.Name, Data: map[string]string{"cache_key": key}})
	return entry.Request, nil
}

// Put stores req's result under its cache key, keyed by (obsType,
// obsValue, amt). A no-op when amt has no cache_ttl. Duplicate puts
// replace the prior entry and fire CACHE_NEW again (§4.3).
func (c *Cache) Put(obsType, obsValue string, amt *types.AnalysisModuleType, req *types.AnalysisRequest) (string, error) {
	if !amt.Cacheable() {
		return "", nil
	}
	key := Key(obsType, obsValue, amt)
	entry := &types.CacheEntry{
		CacheKey:       key,
		AnalysisModule: amt.Name,
		Expiration:     time.Now().Add(amt.CacheTTLDuration()),
		Request:        req,
	}
	if err := c.backend.Put(entry); err != nil {
		return "", err
	}

	c.bus.Fire(events.Event{Name: events.CacheNew, AMT: amt.Name, Data: map[string]string{"cache_key": key}})
	return key, nil
}

// DeleteExpired sweeps every backend entry whose expiration has passed.
func (c *Cache) DeleteExpired() (int, error) {
	return c.backend.DeleteExpired(time.Now())
}

// DeleteForModule purges every cache entry belonging to amt, used by the
// Module Registry's cascading delete (§4.1).
func (c *Cache) DeleteForModule(amt string) error {
	_, err := c.backend.DeleteForModule(amt)
	return err
}

// Size reports the number of cache entries, optionally restricted to one
// AMT (empty string means all AMTs).
func (c *Cache) Size(amt string) (int, error) {
	return c.backend.Size(amt)
}

// Store is the default bbolt-backed Backend.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if absent) the cache bucket in db.
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(cacheKey string) (*types.CacheEntry, error) {
	var entry *types.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCache).Get([]byte(cacheKey))
		if data == nil {
			return nil
		}
		entry = &types.CacheEntry{}
		return json.Unmarshal(data, entry)
	})
	return entry, err
}

func (s *Store) Put(entry *types.CacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCache).Put([]byte(entry.CacheKey), data)
	})
}

func (s *Store) Delete(cacheKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Delete([]byte(cacheKey))
	})
}

func (s *Store) DeleteExpired(now time.Time) (int, error) {
	var toDelete [][]byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		err := b.ForEach(func(k, v []byte) error {
			var entry types.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Expired(now) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

func (s *Store) DeleteForModule(amt string) (int, error) {
	var toDelete [][]byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		err := b.ForEach(func(k, v []byte) error {
			var entry types.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.AnalysisModule == amt {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

func (s *Store) Size(amt string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).ForEach(func(k, v []byte) error {
			if amt == "" {
				count++
				return nil
			}
			var entry types.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.AnalysisModule == amt {
				count++
			}
			return nil
		})
	})
	return count, err
}
