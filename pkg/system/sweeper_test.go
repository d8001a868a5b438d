package system

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/acecore/pkg/config"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRequeuesExpiredRequest(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.Registry.Register(&types.AnalysisModuleType{Name: "hash_lookup", Version: "1.0", Timeout: 60}))

	past := time.Now().Add(-time.Minute)
	req := types.NewObservableRequest("root-1", "v1", "obs-1", "hash_lookup", "key-1")
	req.Status = types.RequestStatusAnalyzing
	req.ExpirationDate = &past
	require.NoError(t, sys.Tracker.Track(req))

	require.NoError(t, sys.sweeper.sweep())

	assert.Equal(t, 1, sys.Queues.QueueSize("hash_lookup"))

	got, err := sys.Tracker.GetByID(req.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.RequestStatusNew, got.Status)
}

func TestSweepDeletesExpiredRequestForRemovedAMT(t *testing.T) {
	sys := newTestSystem(t)
	require.NoError(t, sys.Registry.Register(&types.AnalysisModuleType{Name: "hash_lookup", Version: "1.0", Timeout: 60}))

	past := time.Now().Add(-time.Minute)
	req := types.NewObservableRequest("root-1", "v1", "obs-1", "hash_lookup", "key-1")
	req.Status = types.RequestStatusAnalyzing
	req.ExpirationDate = &past
	require.NoError(t, sys.Tracker.Track(req))

	require.NoError(t, sys.Registry.Delete("hash_lookup"))

	require.NoError(t, sys.sweeper.sweep())

	got, err := sys.Tracker.GetByID(req.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSweepLeavesFreshCacheEntriesAndBlobsAlone(t *testing.T) {
	sys := newTestSystem(t)
	ttl := 3600
	amt := &types.AnalysisModuleType{Name: "hash_lookup", Version: "1.0", CacheTTL: &ttl}
	require.NoError(t, sys.Registry.Register(amt))

	_, err := sys.Cache.Put("ipv4", "1.2.3.4", amt, &types.AnalysisRequest{ID: "fresh"})
	require.NoError(t, err)

	require.NoError(t, sys.sweeper.sweep())

	hit, err := sys.Cache.Get("ipv4", "1.2.3.4", amt)
	require.NoError(t, err)
	assert.NotNil(t, hit, "a sweep cycle must not purge a still-fresh cache entry")
}

func TestStartAndStopSweeperLifecycle(t *testing.T) {
	cfg, err := config.New("")
	require.NoError(t, err)

	dir := t.TempDir()
	sys, err := New(cfg, Options{
		DataDir:       dir,
		BlobRoot:      filepath.Join(dir, "blobs"),
		SweepInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	sys.Start()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, sys.Stop())
}
