// Package tracker implements the Request Tracker (C3): tracking, lock/
// unlock, request linking (deduplication), and expiration sweeping for
// in-flight AnalysisRequests. Grounded almost line-for-line on
// request_tracking.py's atomic "WHERE lock IS NULL" semantics, translated
// into bbolt's single-writer Update transaction, which gives the same
// atomic-iff guarantee a conditional SQL UPDATE does.
package tracker

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/types"
)

var (
	bucketRequests = []byte("analysis_request_tracking")
	// bucketLinks stores, per source request ID, the ordered list of dest
	// request IDs linked to it — analysis_request_links in §6's schema.
	bucketLinks = []byte("analysis_request_links")
	// bucketByCacheKey and bucketByRoot are secondary indexes so
	// GetByCacheKey/GetByRoot don't require a full bucket scan.
	bucketByCacheKey = []byte("analysis_request_by_cache_key")
	bucketByRoot     = []byte("analysis_request_by_root")
)

// Tracker is the C3 Request Tracker.
type Tracker struct {
	db  *bolt.DB
	bus *events.Broker
}

// New opens (creating if absent) the tracker's buckets in db.
func New(db *bolt.DB, bus *events.Broker) (*Tracker, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRequests, bucketLinks, bucketByCacheKey, bucketByRoot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating tracker buckets: %w", err)
	}
	return &Tracker{db: db, bus: bus}, nil
}

// Track inserts or replaces req. If req.Status is ANALYZING, the
// expiration timer is implicitly already set on req by the caller (Work
// Queues' get_next, §4.5); Track itself does not stamp it.
func (t *Tracker) Track(req *types.AnalysisRequest) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRequests).Put([]byte(req.ID), data); err != nil {
			return err
		}
		if req.CacheKey != "" {
			if err := tx.Bucket(bucketByCacheKey).Put([]byte(req.CacheKey), []byte(req.ID)); err != nil {
				return err
			}
		}
		return addToIndex(tx.Bucket(bucketByRoot), req.RootUUID, req.ID)
	})
	if err != nil {
		return err
	}
	t.bus.Fire(events.Event{Name: events.ARNew, RootUUID: req.RootUUID, RequestID: req.ID, AMT: req.Type})
	return nil
}

// GetByID returns the tracked request by ID, or nil if absent.
func (t *Tracker) GetByID(id string) (*types.AnalysisRequest, error) {
	var req *types.AnalysisRequest
	err := t.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return nil
		}
		req = &types.AnalysisRequest{}
		return json.Unmarshal(data, req)
	})
	return req, err
}

// GetByCacheKey returns the tracked request sharing cacheKey, or nil.
func (t *Tracker) GetByCacheKey(cacheKey string) (*types.AnalysisRequest, error) {
	var id []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(bucketByCacheKey).Get([]byte(cacheKey))
		return nil
	})
	if err != nil || id == nil {
		return nil, err
	}
	return t.GetByID(string(id))
}

// GetByRoot returns every tracked request belonging to rootUUID.
func (t *Tracker) GetByRoot(rootUUID string) ([]*types.AnalysisRequest, error) {
	var ids []string
	err := t.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketByRoot).Get([]byte(rootUUID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ids)
	})
	if err != nil {
		return nil, err
	}
	var out []*types.AnalysisRequest
	for _, id := range ids {
		req, err := t.GetByID(id)
		if err != nil {
			return nil, err
		}
		if req != nil {
			out = append(out, req)
		}
	}
	return out, nil
}

// GetExpired returns every tracked request with Status ANALYZING whose
// ExpirationDate has passed.
func (t *Tracker) GetExpired() ([]*types.AnalysisRequest, error) {
	now := time.Now()
	var out []*types.AnalysisRequest
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var req types.AnalysisRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if req.Expired(now) {
				out = append(out, &req)
			}
			return nil
		})
	})
	return out, err
}

// Delete removes req by ID and drops its cache-key/root index entries and
// any links where it is the source.
func (t *Tracker) Delete(id string) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		requests := tx.Bucket(bucketRequests)
		data := requests.Get([]byte(id))
		if data == nil {
			return nil
		}
		var req types.AnalysisRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if err := requests.Delete([]byte(id)); err != nil {
			return err
		}
		if req.CacheKey != "" {
			if cur := tx.Bucket(bucketByCacheKey).Get([]byte(req.CacheKey)); cur != nil && string(cur) == id {
				if err := tx.Bucket(bucketByCacheKey).Delete([]byte(req.CacheKey)); err != nil {
					return err
				}
			}
		}
		if err := removeFromIndex(tx.Bucket(bucketByRoot), req.RootUUID, id); err != nil {
			return err
		}
		return tx.Bucket(bucketLinks).Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	t.bus.Fire(events.Event{Name: events.ARDeleted, RequestID: id})
	return nil
}

// Lock acquires req's advisory lock, succeeding atomically iff the stored
// lock field is currently null (§4.4).
func (t *Tracker) Lock(id string) (bool, error) {
	locked := false
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var req types.AnalysisRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if req.Lock != nil {
			return nil
		}
		now := time.Now()
		req.Lock = &now
		newData, err := json.Marshal(&req)
		if err != nil {
			return err
		}
		locked = true
		return b.Put([]byte(id), newData)
	})
	return locked, err
}

// Unlock releases req's advisory lock, succeeding atomically iff the
// stored lock is currently non-null.
func (t *Tracker) Unlock(id string) (bool, error) {
	unlocked := false
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var req types.AnalysisRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if req.Lock == nil {
			return nil
		}
		req.Lock = nil
		newData, err := json.Marshal(&req)
		if err != nil {
			return err
		}
		unlocked = true
		return b.Put([]byte(id), newData)
	})
	return unlocked, err
}

// BreakStaleLock clears req's lock unconditionally if it is older than
// maxAge, so a lock left by a crashed holder can be recovered (§4.4: "a
// lock older than AMT.timeout × 2 is considered stale"). The Sweeper does
// not call it.
func (t *Tracker) BreakStaleLock(id string, maxAge time.Duration) (bool, error) {
	broke := false
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var req types.AnalysisRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		if req.Lock == nil || time.Since(*req.Lock) < maxAge {
			return nil
		}
		req.Lock = nil
		newData, err := json.Marshal(&req)
		if err != nil {
			return err
		}
		broke = true
		return b.Put([]byte(id), newData)
	})
	return broke, err
}

// Link atomically attaches dest to source's link set iff source is
// currently unlocked (§4.4 "Request linking"). Success means dest's
// eventual result will be source's; failure means the caller must proceed
// as a fresh request. This single atomic decision is the key invariant
// preventing split-brain duplicate work (§8 properties 1-2).
func (t *Tracker) Link(sourceID, destID string) (bool, error) {
	linked := false
	err := t.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(sourceID))
		if data == nil {
			return nil
		}
		var source types.AnalysisRequest
		if err := json.Unmarshal(data, &source); err != nil {
			return err
		}
		if source.Lock != nil {
			return nil
		}

		if err := addToIndex(tx.Bucket(bucketLinks), sourceID, destID); err != nil {
			return err
		}
		linked = true
		return nil
	})
	return linked, err
}

// LinkedRequests returns the IDs linked to source, in link order.
func (t *Tracker) LinkedRequests(sourceID string) ([]string, error) {
	var ids []string
	err := t.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLinks).Get([]byte(sourceID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ids)
	})
	return ids, err
}

// ClearForModule deletes every tracked request for amt, used by the
// Module Registry's cascading delete (§4.1).
func (t *Tracker) ClearForModule(amt string) error {
	var ids []string
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var req types.AnalysisRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if req.Type == amt {
				ids = append(ids, req.ID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// ProcessExpiredForModule re-queues each expired request for amt (firing
// AR_EXPIRED) via enqueue, or deletes it when amt has since disappeared
// (amtExists false) — ace/system/database/request_tracking.py's
// "except UnknownAnalysisModuleTypeError: delete_analysis_request".
func (t *Tracker) ProcessExpiredForModule(amtName string, amtExists bool, enqueue func(*types.AnalysisRequest) error) (int, error) {
	expired, err := t.GetExpired()
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, req := range expired {
		if req.Type != amtName {
			continue
		}

		t.bus.Fire(events.Event{Name: events.ARExpired, RootUUID: req.RootUUID, RequestID: req.ID, AMT: req.Type})

		if !amtExists {
			if err := t.Delete(req.ID); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		req.Status = types.RequestStatusNew
		req.Lock = nil
		req.ExpirationDate = nil
		if err := t.Track(req); err != nil {
			return processed, err
		}
		if err := enqueue(req); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func addToIndex(b *bolt.Bucket, key, value string) error {
	var existing []string
	if data := b.Get([]byte(key)); data != nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
	}
	for _, v := range existing {
		if v == value {
			return nil
		}
	}
	existing = append(existing, value)
	data, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func removeFromIndex(b *bolt.Bucket, key, value string) error {
	data := b.Get([]byte(key))
	if data == nil {
		return nil
	}
	var existing []string
	if err := json.Unmarshal(data, &existing); err != nil {
		return err
	}
	out := existing[:0]
	for _, v := range existing {
		if v != value {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return b.Delete([]byte(key))
	}
	newData, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), newData)
}
