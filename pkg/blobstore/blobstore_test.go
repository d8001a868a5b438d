package blobstore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *events.Broker) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend, err := NewLocalBackend(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	bus := events.NewBroker()
	s, err := New(db, backend, bus)
	require.NoError(t, err)
	return s, bus
}

func TestStoreContentAndRoundTrip(t *testing.T) {
	s, bus := newTestStore(t)
	var fired []events.Name
	bus.OnFire(func(e events.Event) { fired = append(fired, e.Name) })

	meta, err := s.StoreContent("sample.bin", bytes.NewReader([]byte("hello world")), map[string]string{"source": "test"}, nil)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.NotEmpty(t, meta.SHA256)
	assert.Equal(t, int64(len("hello world")), meta.Size)
	assert.Contains(t, fired, events.StorageNew)

	rc, err := s.GetContentBytes(meta.SHA256)
	require.NoError(t, err)
	defer rc.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
}

func TestStoreContentDeduplicatesByDigest(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.StoreContent("a.bin", bytes.NewReader([]byte("same bytes")), nil, nil)
	require.NoError(t, err)

	second, err := s.StoreContent("b.bin", bytes.NewReader([]byte("same bytes")), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, "a.bin", second.Name, "a duplicate store keeps the original record, not the new name")
}

func TestGetContentMetaMissing(t *testing.T) {
	s, _ := newTestStore(t)
	meta, err := s.GetContentMeta("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestTrackAndUntrackContentRoot(t *testing.T) {
	s, _ := newTestStore(t)
	meta, err := s.StoreContent("a.bin", bytes.NewReader([]byte("data")), nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.TrackContentRoot(meta.SHA256, "root-1"))
	require.NoError(t, s.TrackContentRoot(meta.SHA256, "root-1")) // idempotent

	got, err := s.GetContentMeta(meta.SHA256)
	require.NoError(t, err)
	assert.Equal(t, []string{"root-1"}, got.ReferringRoots)

	require.NoError(t, s.UntrackContentRoot("root-1"))

	got, err = s.GetContentMeta(meta.SHA256)
	require.NoError(t, err)
	assert.Empty(t, got.ReferringRoots)
}

func TestDeleteExpiredContentSkipsReferencedBlobs(t *testing.T) {
	s, bus := newTestStore(t)
	var fired []events.Name
	bus.OnFire(func(e events.Event) { fired = append(fired, e.Name) })

	past := -time.Hour
	expiredUnreferenced, err := s.StoreContent("gone.bin", bytes.NewReader([]byte("gone")), nil, &past)
	require.NoError(t, err)

	expiredReferenced, err := s.StoreContent("kept.bin", bytes.NewReader([]byte("kept")), nil, &past)
	require.NoError(t, err)
	require.NoError(t, s.TrackContentRoot(expiredReferenced.SHA256, "root-1"))

	future := time.Hour
	notExpired, err := s.StoreContent("fresh.bin", bytes.NewReader([]byte("fresh")), nil, &future)
	require.NoError(t, err)

	n, err := s.DeleteExpiredContent()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := s.GetContentMeta(expiredUnreferenced.SHA256)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := s.GetContentMeta(expiredReferenced.SHA256)
	require.NoError(t, err)
	assert.NotNil(t, kept, "a referenced blob survives GC even when past expiration")

	fresh, err := s.GetContentMeta(notExpired.SHA256)
	require.NoError(t, err)
	assert.NotNil(t, fresh)

	assert.Contains(t, fired, events.StorageDeleted)
}

func TestLoadFileHardlinksFromLocalBackend(t *testing.T) {
	s, _ := newTestStore(t)
	meta, err := s.StoreContent("a.bin", bytes.NewReader([]byte("payload")), nil, nil)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, s.LoadFile(meta.SHA256, dest))
}

func TestIterContentVisitsAll(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.StoreContent("a.bin", bytes.NewReader([]byte("a")), nil, nil)
	require.NoError(t, err)
	_, err = s.StoreContent("b.bin", bytes.NewReader([]byte("b")), nil, nil)
	require.NoError(t, err)

	seen := map[string]bool{}
	require.NoError(t, s.IterContent(func(m *types.ContentMetadata) error {
		seen[m.SHA256] = true
		return nil
	}))
	assert.Len(t, seen, 2)
}

func TestDeleteContentIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	meta, err := s.StoreContent("a.bin", bytes.NewReader([]byte("a")), nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteContent(meta.SHA256))
	require.NoError(t, s.DeleteContent(meta.SHA256)) // deleting an absent digest is a no-op
}
