package cache

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheableAMT() *types.AnalysisModuleType {
	ttl := 3600
	return &types.AnalysisModuleType{Name: "hash_lookup", Version: "1.0", CacheTTL: &ttl}
}

func newTestCache(t *testing.T) (*Cache, *events.Broker) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)

	bus := events.NewBroker()
	return New(store, bus), bus
}

func TestKeyIsDeterministic(t *testing.T) {
	amt := cacheableAMT()
	a := Key("ipv4", "1.2.3.4", amt)
	b := Key("ipv4", "1.2.3.4", amt)
	assert.Equal(t, a, b)

	c := Key("ipv4", "5.6.7.8", amt)
	assert.NotEqual(t, a, c)
}

func TestKeyVariesWithAdditionalCacheKeys(t *testing.T) {
	amt := cacheableAMT()
	before := Key("ipv4", "1.2.3.4", amt)

	amt.AdditionalCacheKeys = []string{"v2"}
	after := Key("ipv4", "1.2.3.4", amt)

	assert.NotEqual(t, before, after, "rotating additional cache keys invalidates prior entries")
}

func TestPutThenGetHit(t *testing.T) {
	c, bus := newTestCache(t)
	var fired []events.Name
	bus.OnFire(func(e events.Event) { fired = append(fired, e.Name) })

	amt := cacheableAMT()
	req := &types.AnalysisRequest{ID: "req-1", Status: types.RequestStatusCompleted}

	_, err := c.Put("ipv4", "1.2.3.4", amt, req)
	require.NoError(t, err)

	got, err := c.Get("ipv4", "1.2.3.4", amt)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "req-1", got.ID)

	assert.Contains(t, fired, events.CacheNew)
	assert.Contains(t, fired, events.CacheHit)
}

func TestGetMissReturnsNilNil(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.Get("ipv4", "9.9.9.9", cacheableAMT())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNonCacheableAMTNeverStores(t *testing.T) {
	c, _ := newTestCache(t)
	amt := &types.AnalysisModuleType{Name: "no_cache_amt"}

	key, err := c.Put("ipv4", "1.2.3.4", amt, &types.AnalysisRequest{ID: "req-1"})
	require.NoError(t, err)
	assert.Empty(t, key)

	got, err := c.Get("ipv4", "1.2.3.4", amt)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetExpiredEntryIsLazyMiss(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	store, err := NewStore(db)
	require.NoError(t, err)
	c := New(store, events.NewBroker())

	amt := cacheableAMT()
	key := Key("ipv4", "1.2.3.4", amt)
	require.NoError(t, store.Put(&types.CacheEntry{
		CacheKey:       key,
		AnalysisModule: amt.Name,
		Expiration:     time.Now().Add(-time.Minute),
		Request:        &types.AnalysisRequest{ID: "stale"},
	}))

	got, err := c.Get("ipv4", "1.2.3.4", amt)
	require.NoError(t, err)
	assert.Nil(t, got, "expired entries miss even though still present in the backend")
}

func TestDeleteExpired(t *testing.T) {
	c, _ := newTestCache(t)
	amt := cacheableAMT()

	_, err := c.Put("ipv4", "1.2.3.4", amt, &types.AnalysisRequest{ID: "fresh"})
	require.NoError(t, err)

	staleKey := Key("ipv4", "9.9.9.9", amt)
	store := c.backend.(*Store)
	require.NoError(t, store.Put(&types.CacheEntry{
		CacheKey:       staleKey,
		AnalysisModule: amt.Name,
		Expiration:     time.Now().Add(-time.Hour),
		Request:        &types.AnalysisRequest{ID: "stale"},
	}))

	n, err := c.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := c.Size("")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestDeleteForModule(t *testing.T) {
	c, _ := newTestCache(t)
	amtA := cacheableAMT()
	amtB := cacheableAMT()
	amtB.Name = "other_amt"

	_, err := c.Put("ipv4", "1.2.3.4", amtA, &types.AnalysisRequest{ID: "a"})
	require.NoError(t, err)
	_, err = c.Put("ipv4", "1.2.3.4", amtB, &types.AnalysisRequest{ID: "b"})
	require.NoError(t, err)

	require.NoError(t, c.DeleteForModule("hash_lookup"))

	sizeA, err := c.Size("hash_lookup")
	require.NoError(t, err)
	assert.Equal(t, 0, sizeA)

	sizeB, err := c.Size("other_amt")
	require.NoError(t, err)
	assert.Equal(t, 1, sizeB)
}
