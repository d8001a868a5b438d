// Package rootstore implements the Root & Details Store (C2): bbolt-backed
// persistence of RootAnalysis records with optimistic-concurrency
// versioning, and a sibling bucket for large analysis details payloads
// keyed by UUID.
package rootstore

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/aceerr"
	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/types"
)

var (
	bucketRoots   = []byte("root_analysis_tracking")
	bucketDetails = []byte("analysis_details_tracking")
	// detailsByRoot indexes root_uuid -> set of details UUIDs, so deleting
	// a root can cascade to its details (§4.2 "Deleting a root cascades to
	// its details") without a full bucket scan.
	bucketDetailsByRoot = []byte("analysis_details_by_root")
)

// Store is the C2 Root & Details Store.
type Store struct {
	db  *bolt.DB
	bus *events.Broker
}

// New opens (creating if absent) the root/details buckets in db.
func New(db *bolt.DB, bus *events.Broker) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRoots, bucketDetails, bucketDetailsByRoot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating root/details buckets: %w", err)
	}
	return &Store{db: db, bus: bus}, nil
}

// TrackRoot inserts root, returning false if a root with the same UUID is
// already tracked (§4.2). A version token is minted on success.
func (s *Store) TrackRoot(root *types.RootAnalysis) (bool, error) {
	if root.UUID == "" {
		root.UUID = uuid.NewString()
	}
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		if b.Get([]byte(root.UUID)) != nil {
			return nil
		}
		root.Version = uuid.NewString()
		data, err := json.Marshal(root)
		if err != nil {
			return err
		}
		inserted = true
		return b.Put([]byte(root.UUID), data)
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.bus.Fire(events.Event{Name: events.RootNew, RootUUID: root.UUID})
	}
	return inserted, nil
}

// GetRoot returns the tracked root by UUID, or nil if absent.
func (s *Store) GetRoot(rootUUID string) (*types.RootAnalysis, error) {
	var root *types.RootAnalysis
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoots).Get([]byte(rootUUID))
		if data == nil {
			return nil
		}
		root = &types.RootAnalysis{}
		return json.Unmarshal(data, root)
	})
	return root, err
}

// RootExists reports whether rootUUID is currently tracked.
func (s *Store) RootExists(rootUUID string) (bool, error) {
	root, err := s.GetRoot(rootUUID)
	return root != nil, err
}

// UpdateRoot persists root iff its Version matches the currently stored
// version (§4.2, §8 property 3). On success a fresh version is minted,
// stored, and written back into root.Version; on conflict it returns false
// and leaves the stored record untouched — the caller must re-read,
// re-apply its delta, and retry.
func (s *Store) UpdateRoot(root *types.RootAnalysis) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoots)
		data := b.Get([]byte(root.UUID))
		if data == nil {
			return aceerr.UnknownRootAnalysis(root.UUID)
		}
		var stored types.RootAnalysis
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != root.Version {
			return nil // conflict: caller must retry
		}

		root.Version = uuid.NewString()
		newData, err := json.Marshal(root)
		if err != nil {
			return err
		}
		updated = true
		return b.Put([]byte(root.UUID), newData)
	})
	if err != nil {
		return false, err
	}
	if updated {
		s.bus.Fire(events.Event{Name: events.RootModified, RootUUID: root.UUID})
	}
	return updated, nil
}

// DeleteRoot removes root and cascades to its tracked details (§4.2).
func (s *Store) DeleteRoot(rootUUID string) error {
	var detailUUIDs []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		roots := tx.Bucket(bucketRoots)
		if roots.Get([]byte(rootUUID)) == nil {
			return nil
		}
		if err := roots.Delete([]byte(rootUUID)); err != nil {
			return err
		}

		byRoot := tx.Bucket(bucketDetailsByRoot)
		data := byRoot.Get([]byte(rootUUID))
		if data != nil {
			if err := json.Unmarshal(data, &detailUUIDs); err != nil {
				return err
			}
		}
		if err := byRoot.Delete([]byte(rootUUID)); err != nil {
			return err
		}

		details := tx.Bucket(bucketDetails)
		for _, uuidStr := range detailUUIDs {
			if err := details.Delete([]byte(uuidStr)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.bus.Fire(events.Event{Name: events.RootDeleted, RootUUID: rootUUID})
	for range detailUUIDs {
		s.bus.Fire(events.Event{Name: events.DetailsDeleted, RootUUID: rootUUID})
	}
	return nil
}

// ExpireRoot fires ROOT_EXPIRED and deletes root, used when root.Expires
// is true and no tracked request references it any longer (§4.6 step 9).
func (s *Store) ExpireRoot(rootUUID string) error {
	if err := s.DeleteRoot(rootUUID); err != nil {
		return err
	}
	s.bus.Fire(events.Event{Name: events.RootExpired, RootUUID: rootUUID})
	return nil
}

// TrackDetails writes an opaque details payload for analysisUUID, owned by
// rootUUID. The JSON stored in the root record deliberately excludes
// details payloads (§4.2) — they live here, addressed by analysis UUID.
func (s *Store) TrackDetails(rootUUID, analysisUUID string, value []byte) error {
	fire := events.DetailsNew
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRoots).Get([]byte(rootUUID)) == nil {
			return aceerr.UnknownRootAnalysis(rootUUID)
		}

		details := tx.Bucket(bucketDetails)
		if details.Get([]byte(analysisUUID)) != nil {
			fire = events.DetailsModified
		}
		if err := details.Put([]byte(analysisUUID), value); err != nil {
			return err
		}

		byRoot := tx.Bucket(bucketDetailsByRoot)
		var existing []string
		if data := byRoot.Get([]byte(rootUUID)); data != nil {
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
		}
		if !contains(existing, analysisUUID) {
			existing = append(existing, analysisUUID)
		}
		indexData, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return byRoot.Put([]byte(rootUUID), indexData)
	})
	if err != nil {
		return err
	}
	s.bus.Fire(events.Event{Name: fire, RootUUID: rootUUID})
	return nil
}

// GetDetails returns the raw payload for analysisUUID, or nil if absent.
func (s *Store) GetDetails(analysisUUID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDetails).Get([]byte(analysisUUID))
		if data != nil {
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

// DeleteDetails removes the details payload for analysisUUID.
func (s *Store) DeleteDetails(analysisUUID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDetails).Delete([]byte(analysisUUID))
	})
	if err != nil {
		return err
	}
	s.bus.Fire(events.Event{Name: events.DetailsDeleted})
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
