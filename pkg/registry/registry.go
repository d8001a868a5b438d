// Package registry implements the Module Registry (C1): the canonical,
// bbolt-backed store of AnalysisModuleType definitions, with idempotent
// upsert and cascading delete across the tracker, cache, and work queues.
package registry

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/aceerr"
	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/types"
)

var bucketAMTs = []byte("analysis_module_tracking")

// Cascade is the set of collaborators a Delete must clean up after,
// matching §4.1's "Deletion cascades" — injected rather than imported
// directly, per Design Notes §9's interface-stacking guidance.
type Cascade interface {
	ClearForModule(amt string) error
	DeleteForModule(amt string) error
	DeleteQueue(amt string) error
}

// Registry is the C1 Module Registry.
type Registry struct {
	db      *bolt.DB
	bus     *events.Broker
	cascade Cascade
}

// New returns a Registry backed by db, creating its bucket if absent.
func New(db *bolt.DB, bus *events.Broker, cascade Cascade) (*Registry, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAMTs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating amt bucket: %w", err)
	}
	return &Registry{db: db, bus: bus, cascade: cascade}, nil
}

// Register upserts amt (§4.1). Registration is idempotent on an identical
// payload: if an existing AMT of the same name differs in any field, the
// stored record is replaced and AMT_MODIFIED fires; otherwise AMT_NEW
// fires only on first insert, and a byte-identical re-registration fires
// nothing (§8 property 8's idempotence).
func (r *Registry) Register(amt *types.AnalysisModuleType) error {
	if amt.Name == "" {
		return fmt.Errorf("amt name must not be empty")
	}
	for _, dep := range amt.Dependencies {
		existing, err := r.Get(dep)
		if err != nil {
			return err
		}
		if existing == nil {
			return aceerr.AMTDependencyError(amt.Name, dep)
		}
	}

	var fire events.Name
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAMTs)
		existingData := b.Get([]byte(amt.Name))

		if existingData == nil {
			fire = events.AMTNew
		} else {
			var existing types.AnalysisModuleType
			if err := json.Unmarshal(existingData, &existing); err != nil {
				return fmt.Errorf("decoding existing amt %q: %w", amt.Name, err)
			}
			if existing.Equal(amt) {
				return nil // identical payload: idempotent no-op, no event
			}
			fire = events.AMTModified
		}

		data, err := json.Marshal(amt)
		if err != nil {
			return fmt.Errorf("encoding amt %q: %w", amt.Name, err)
		}
		return b.Put([]byte(amt.Name), data)
	})
	if err != nil {
		return err
	}

	if fire != "" {
		r.bus.Fire(events.Event{Name: fire, AMT: amt.Name})
	}
	return nil
}

// Get returns the registered AMT named name, or nil if absent.
func (r *Registry) Get(name string) (*types.AnalysisModuleType, error) {
	var amt *types.AnalysisModuleType
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAMTs)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		amt = &types.AnalysisModuleType{}
		return json.Unmarshal(data, amt)
	})
	return amt, err
}

// MustGet returns the registered AMT named name, or an
// UnknownAnalysisModuleType error if absent.
func (r *Registry) MustGet(name string) (*types.AnalysisModuleType, error) {
	amt, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if amt == nil {
		return nil, aceerr.UnknownAnalysisModuleType(name)
	}
	return amt, nil
}

// List returns every registered AMT.
func (r *Registry) List() ([]*types.AnalysisModuleType, error) {
	var out []*types.AnalysisModuleType
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAMTs)
		return b.ForEach(func(k, v []byte) error {
			var amt types.AnalysisModuleType
			if err := json.Unmarshal(v, &amt); err != nil {
				return err
			}
			out = append(out, &amt)
			return nil
		})
	})
	return out, err
}

// Delete removes the AMT named name and cascades cleanup to the tracker,
// cache, and work queue, firing AMT_DELETED last so subscribers observe a
// consistent state (§4.1).
func (r *Registry) Delete(name string) error {
	existing, err := r.Get(name)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if r.cascade != nil {
		if err := r.cascade.ClearForModule(name); err != nil {
			return fmt.Errorf("clearing tracked requests for %q: %w", name, err)
		}
		if err := r.cascade.DeleteForModule(name); err != nil {
			return fmt.Errorf("purging cache for %q: %w", name, err)
		}
		if err := r.cascade.DeleteQueue(name); err != nil {
			return fmt.Errorf("deleting work queue for %q: %w", name, err)
		}
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAMTs).Delete([]byte(name))
	})
	if err != nil {
		return err
	}

	r.bus.Fire(events.Event{Name: events.AMTDeleted, AMT: name})
	return nil
}

// CheckVersion validates a worker's polled (version, extendedVersion)
// against the registered AMT per §4.1's version/extended-version contract:
// the pop is only honored when version matches exactly and every element
// of extendedVersion is present in the registered list.
func (r *Registry) CheckVersion(name, version string, extendedVersion []string) error {
	amt, err := r.MustGet(name)
	if err != nil {
		return err
	}
	if amt.Version != version {
		return aceerr.AMTVersionError(name, version)
	}
	registered := make(map[string]bool, len(amt.ExtendedVersion))
	for _, v := range amt.ExtendedVersion {
		registered[v] = true
	}
	for _, v := range extendedVersion {
		if !registered[v] {
			return aceerr.AMTVersionError(name, version)
		}
	}
	return nil
}
