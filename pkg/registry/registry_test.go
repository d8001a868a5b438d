package registry

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCascade struct {
	cleared  []string
	deleted  []string
	dequeued []string
}

func (f *fakeCascade) ClearForModule(amt string) error {
	f.cleared = append(f.cleared, amt)
	return nil
}

func (f *fakeCascade) DeleteForModule(amt string) error {
	f.deleted = append(f.deleted, amt)
	return nil
}

func (f *fakeCascade) DeleteQueue(amt string) error {
	f.dequeued = append(f.dequeued, amt)
	return nil
}

func newTestRegistry(t *testing.T, cascade Cascade) (*Registry, *events.Broker) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBroker()
	r, err := New(db, bus, cascade)
	require.NoError(t, err)
	return r, bus
}

func TestRegisterFiresAMTNewOnce(t *testing.T) {
	r, bus := newTestRegistry(t, nil)
	var fired []events.Name
	bus.OnFire(func(e events.Event) { fired = append(fired, e.Name) })

	amt := &types.AnalysisModuleType{Name: "hash_lookup", Version: "1.0"}
	require.NoError(t, r.Register(amt))
	assert.Equal(t, []events.Name{events.AMTNew}, fired)

	// Byte-identical re-registration fires nothing (idempotent no-op).
	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "hash_lookup", Version: "1.0"}))
	assert.Equal(t, []events.Name{events.AMTNew}, fired)
}

func TestRegisterFiresAMTModifiedOnChange(t *testing.T) {
	r, bus := newTestRegistry(t, nil)
	var fired []events.Name
	bus.OnFire(func(e events.Event) { fired = append(fired, e.Name) })

	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "hash_lookup", Version: "1.0"}))
	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "hash_lookup", Version: "2.0"}))

	assert.Equal(t, []events.Name{events.AMTNew, events.AMTModified}, fired)
}

func TestRegisterRejectsMissingDependency(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	err := r.Register(&types.AnalysisModuleType{Name: "correlator", Dependencies: []string{"hash_lookup"}})
	assert.Error(t, err)
}

func TestRegisterAllowsSatisfiedDependency(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "hash_lookup"}))
	assert.NoError(t, r.Register(&types.AnalysisModuleType{Name: "correlator", Dependencies: []string{"hash_lookup"}}))
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	assert.Error(t, r.Register(&types.AnalysisModuleType{}))
}

func TestGetAndMustGet(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "hash_lookup"}))

	amt, err := r.Get("hash_lookup")
	require.NoError(t, err)
	require.NotNil(t, amt)
	assert.Equal(t, "hash_lookup", amt.Name)

	amt, err = r.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, amt)

	_, err = r.MustGet("missing")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "a"}))
	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "b"}))

	amts, err := r.List()
	require.NoError(t, err)
	assert.Len(t, amts, 2)
}

func TestDeleteCascades(t *testing.T) {
	cascade := &fakeCascade{}
	r, bus := newTestRegistry(t, cascade)
	var fired []events.Name
	bus.OnFire(func(e events.Event) { fired = append(fired, e.Name) })

	require.NoError(t, r.Register(&types.AnalysisModuleType{Name: "hash_lookup"}))
	require.NoError(t, r.Delete("hash_lookup"))

	assert.Contains(t, cascade.cleared, "hash_lookup")
	assert.Contains(t, cascade.deleted, "hash_lookup")
	assert.Contains(t, cascade.dequeued, "hash_lookup")
	assert.Contains(t, fired, events.AMTDeleted)

	amt, err := r.Get("hash_lookup")
	require.NoError(t, err)
	assert.Nil(t, amt)
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	assert.NoError(t, r.Delete("never-registered"))
}

func TestCheckVersion(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register(&types.AnalysisModuleType{
		Name: "hash_lookup", Version: "1.0", ExtendedVersion: []string{"db-2024-01"},
	}))

	assert.NoError(t, r.CheckVersion("hash_lookup", "1.0", []string{"db-2024-01"}))
	assert.Error(t, r.CheckVersion("hash_lookup", "2.0", nil))
	assert.Error(t, r.CheckVersion("hash_lookup", "1.0", []string{"db-2099-01"}))
}
