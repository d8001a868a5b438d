// Package blobstore implements the Blob Store (C8): content-addressed
// storage of opaque analysis byproducts (PCAPs, sample files, screenshots)
// keyed by sha256, with expiration and reference-counted garbage
// collection, per spec §4.8. The default Backend is local disk, sharded by
// hash prefix; an optional S3 Backend is grounded on evalgo-org-eve's
// aws-sdk-go-v2 client construction in storage/s3aws.go, generalized from
// that file's bucket-oriented helpers to a single content-addressed
// Get/Put/Delete contract.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/metrics"
	"github.com/cuemby/acecore/pkg/types"
)

var (
	bucketContent       = []byte("content_metadata")
	bucketContentByRoot = []byte("content_by_root")
)

// Backend stores and retrieves blob bytes by sha256 digest; Store uses it
// purely for placement, keeping all metadata in bbolt regardless of
// backend.
type Backend interface {
	// Save writes r's content under digest, returning the backend-specific
	// Location to record in ContentMetadata.
	Save(digest string, r io.Reader) (location string, err error)
	// Open returns a reader for the blob at location.
	Open(location string) (io.ReadCloser, error)
	// Remove deletes the blob at location.
	Remove(location string) error
}

// Store is the C8 Blob Store: bbolt metadata plus a pluggable Backend.
type Store struct {
	db      *bolt.DB
	backend Backend
	bus     *events.Broker
}

// New opens (creating if absent) the blob store's buckets in db.
func New(db *bolt.DB, backend Backend, bus *events.Broker) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketContent, bucketContentByRoot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating blobstore buckets: %w", err)
	}
	return &Store{db: db, backend: backend, bus: bus}, nil
}

// StoreContent persists r's bytes, deduplicating by sha256: a digest
// already on record is left untouched (the new name/metadata are
// discarded in favor of the existing record) and returned as-is, matching
// the content-addressed identity invariant of §3 "Content (Blob)".
func (s *Store) StoreContent(name string, r io.Reader, customMetadata map[string]string, ttl *time.Duration) (*types.ContentMetadata, error) {
	tmp, err := os.CreateTemp("", "ace-blob-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return nil, fmt.Errorf("staging content: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if existing, err := s.GetContentMeta(digest); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	location, err := s.backend.Save(digest, tmp)
	if err != nil {
		return nil, fmt.Errorf("saving blob %s: %w", digest, err)
	}

	meta := &types.ContentMetadata{
		SHA256:         digest,
		Name:           name,
		Size:           size,
		Location:       location,
		InsertDate:     time.Now(),
		CustomMetadata: customMetadata,
	}
	if ttl != nil {
		exp := time.Now().Add(*ttl)
		meta.ExpirationDate = &exp
	}

	if err := s.putMeta(meta); err != nil {
		return nil, err
	}
	metrics.BlobsStored.Inc()
	s.bus.Fire(events.Event{Name: events.StorageNew, Data: map[string]string{"sha256": digest}})
	return meta, nil
}

// SaveFile is a convenience wrapper around StoreContent for a local file
// path rather than an arbitrary reader.
func (s *Store) SaveFile(path string, customMetadata map[string]string, ttl *time.Duration) (*types.ContentMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return s.StoreContent(filepath.Base(path), f, customMetadata, ttl)
}

// GetContentMeta returns the metadata record for digest, or nil if absent.
func (s *Store) GetContentMeta(digest string) (*types.ContentMetadata, error) {
	var meta *types.ContentMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContent).Get([]byte(digest))
		if data == nil {
			return nil
		}
		meta = &types.ContentMetadata{}
		return json.Unmarshal(data, meta)
	})
	return meta, err
}

// GetContentBytes opens a reader onto digest's blob content.
func (s *Store) GetContentBytes(digest string) (io.ReadCloser, error) {
	meta, err := s.GetContentMeta(digest)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("blobstore: no content for digest %s", digest)
	}
	return s.backend.Open(meta.Location)
}

// LoadFile materializes digest's blob at destPath, hardlinking when the
// backend supports it (LocalBackend) and falling back to a full copy
// otherwise (a remote backend, or a hardlink across filesystems).
func (s *Store) LoadFile(digest, destPath string) error {
	meta, err := s.GetContentMeta(digest)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("blobstore: no content for digest %s", digest)
	}

	if local, ok := s.backend.(*LocalBackend); ok {
		if err := os.Link(local.path(meta.Location), destPath); err == nil {
			return nil
		}
		// Cross-device or unsupported: fall through to a copy.
	}

	src, err := s.backend.Open(meta.Location)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// IterContent calls visit for every tracked content record.
func (s *Store) IterContent(visit func(*types.ContentMetadata) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContent).ForEach(func(k, v []byte) error {
			var meta types.ContentMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			return visit(&meta)
		})
	})
}

// TrackContentRoot adds rootUUID to digest's ReferringRoots, pinning it
// against garbage collection, and maintains the by-root secondary index
// used to unpin on root deletion.
func (s *Store) TrackContentRoot(digest, rootUUID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContent)
		data := b.Get([]byte(digest))
		if data == nil {
			return fmt.Errorf("blobstore: no content for digest %s", digest)
		}
		var meta types.ContentMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		if !contains(meta.ReferringRoots, rootUUID) {
			meta.ReferringRoots = append(meta.ReferringRoots, rootUUID)
			newData, err := json.Marshal(&meta)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(digest), newData); err != nil {
				return err
			}
		}
		return addToRootIndex(tx.Bucket(bucketContentByRoot), rootUUID, digest)
	})
}

// UntrackContentRoot removes rootUUID from the ReferringRoots of every
// digest indexed under it (§4.2 cascading unref). Root deletion and
// expiration in pkg/rootstore do not call it.
func (s *Store) UntrackContentRoot(rootUUID string) error {
	var digests []string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContentByRoot).Get([]byte(rootUUID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &digests)
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContent)
		for _, digest := range digests {
			data := b.Get([]byte(digest))
			if data == nil {
				continue
			}
			var meta types.ContentMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				return err
			}
			meta.ReferringRoots = removeString(meta.ReferringRoots, rootUUID)
			newData, err := json.Marshal(&meta)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(digest), newData); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketContentByRoot).Delete([]byte(rootUUID))
	})
}

// DeleteContent removes digest's blob bytes and metadata unconditionally
// (the caller must have already checked EligibleForGC, or intends a
// forced delete).
func (s *Store) DeleteContent(digest string) error {
	meta, err := s.GetContentMeta(digest)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil
	}
	if err := s.backend.Remove(meta.Location); err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContent).Delete([]byte(digest))
	}); err != nil {
		return err
	}
	s.bus.Fire(events.Event{Name: events.StorageDeleted, Data: map[string]string{"sha256": digest}})
	return nil
}

// IterExpiredContent calls visit for every tracked record eligible for
// garbage collection as of now (§8 property 6: expired and unreferenced).
func (s *Store) IterExpiredContent(visit func(*types.ContentMetadata) error) error {
	now := time.Now()
	return s.IterContent(func(meta *types.ContentMetadata) error {
		if meta.EligibleForGC(now) {
			return visit(meta)
		}
		return nil
	})
}

// DeleteExpiredContent sweeps every GC-eligible blob and returns the count
// removed.
func (s *Store) DeleteExpiredContent() (int, error) {
	var digests []string
	if err := s.IterExpiredContent(func(meta *types.ContentMetadata) error {
		digests = append(digests, meta.SHA256)
		return nil
	}); err != nil {
		return 0, err
	}
	removed := 0
	for _, digest := range digests {
		if err := s.DeleteContent(digest); err != nil {
			return removed, err
		}
		removed++
		metrics.BlobsGarbageCollectedTotal.Inc()
	}
	return removed, nil
}

func (s *Store) putMeta(meta *types.ContentMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContent).Put([]byte(meta.SHA256), data)
	})
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func removeString(haystack []string, needle string) []string {
	out := haystack[:0]
	for _, v := range haystack {
		if v != needle {
			out = append(out, v)
		}
	}
	return out
}

func addToRootIndex(b *bolt.Bucket, key, value string) error {
	var existing []string
	if data := b.Get([]byte(key)); data != nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
	}
	if contains(existing, value) {
		return nil
	}
	existing = append(existing, value)
	data, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
