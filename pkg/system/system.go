package system

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/acecore/pkg/blobstore"
	"github.com/cuemby/acecore/pkg/cache"
	"github.com/cuemby/acecore/pkg/config"
	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/log"
	"github.com/cuemby/acecore/pkg/metrics"
	"github.com/cuemby/acecore/pkg/processor"
	"github.com/cuemby/acecore/pkg/registry"
	"github.com/cuemby/acecore/pkg/rootstore"
	"github.com/cuemby/acecore/pkg/tracker"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/cuemby/acecore/pkg/workqueue"
	"github.com/rs/zerolog"
)

// CoreSystem bundles the eight components behind a single construction
// point, grounded on the teacher's pkg/manager.Manager wiring
// storage.Store+events.Broker+security.* as one struct of collaborators
// (Design Notes §9).
type CoreSystem struct {
	DB *bolt.DB

	Config    *config.Config
	Bus       *events.Broker
	Registry  *registry.Registry
	Roots     *rootstore.Store
	Cache     *cache.Cache
	Tracker   *tracker.Tracker
	Queues    *workqueue.Queues
	Blobs     *blobstore.Store
	Alerts    *processor.AlertSystems
	Processor *processor.Processor

	sweeper *Sweeper
	logger  zerolog.Logger
}

// Options configures New. DataDir holds the bbolt file; BlobRoot holds the
// local blob backend's root directory when S3Bucket is empty.
type Options struct {
	DataDir  string
	BlobRoot string

	S3Bucket string
	S3Region string

	// CacheRedisURL, when non-empty, switches the Result Cache to its
	// Redis-backed store (§4.3). EventsRedisURL, when non-empty, makes New
	// connect an events.RedisBroker around the local bus; the components
	// keep firing on the local Broker, so their events are not published
	// to Redis (§4.7 "multi-process deployments").
	CacheRedisURL  string
	EventsRedisURL string

	SweepInterval time.Duration
}

// New wires every component per SPEC, in the dependency order the
// Registry's Cascade interface requires (tracker, cache, and queues must
// exist before the registry that cascades deletes into them).
func New(cfg *config.Config, opts Options) (*CoreSystem, error) {
	dbPath := filepath.Join(opts.DataDir, "acecore.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	bus := events.NewBroker()
	bus.OnFire(func(e events.Event) {
		metrics.EventsFiredTotal.WithLabelValues(string(e.Name)).Inc()
	})
	if cfg != nil {
		cfg.OnSet(func(key, value string) {
			bus.Fire(events.Event{Name: events.ConfigSet, Data: map[string]string{"key": key, "value": value}})
		})
	}

	if opts.EventsRedisURL != "" {
		if _, err := events.NewRedisBroker(opts.EventsRedisURL, bus); err != nil {
			return nil, fmt.Errorf("connecting events redis: %w", err)
		}
	}

	roots, err := rootstore.New(db, bus)
	if err != nil {
		return nil, err
	}

	var cacheBackend cache.Backend
	if opts.CacheRedisURL != "" {
		cacheBackend, err = cache.NewRedisStore(opts.CacheRedisURL)
	} else {
		cacheBackend, err = cache.NewStore(db)
	}
	if err != nil {
		return nil, fmt.Errorf("constructing cache backend: %w", err)
	}
	resultCache := cache.New(cacheBackend, bus)

	trk, err := tracker.New(db, bus)
	if err != nil {
		return nil, err
	}

	// registry and workqueue each need the other at construction time
	// (the registry's Cascade deletes queues; GetNext's VersionChecker
	// reads AMT definitions) so regRef defers the lookup until both
	// exist.
	regRef := &registryRef{}
	queues := workqueue.New(bus, trk, regRef)

	cascade := &cascadeBundle{tracker: trk, cache: resultCache, queues: queues}
	reg, err := registry.New(db, bus, cascade)
	if err != nil {
		return nil, err
	}
	regRef.reg = reg

	var blobBackend blobstore.Backend
	if opts.S3Bucket != "" {
		s3, err := blobstore.NewS3Backend(context.Background(), opts.S3Bucket, opts.S3Region)
		if err != nil {
			return nil, fmt.Errorf("constructing s3 blob backend: %w", err)
		}
		blobBackend = s3
	} else {
		local, err := blobstore.NewLocalBackend(opts.BlobRoot)
		if err != nil {
			return nil, fmt.Errorf("constructing local blob backend: %w", err)
		}
		blobBackend = local
	}
	blobs, err := blobstore.New(db, blobBackend, bus)
	if err != nil {
		return nil, err
	}

	alerts := processor.NewAlertSystems(bus)
	proc := processor.New(reg, roots, resultCache, trk, queues, bus, alerts)

	sys := &CoreSystem{
		DB:        db,
		Config:    cfg,
		Bus:       bus,
		Registry:  reg,
		Roots:     roots,
		Cache:     resultCache,
		Tracker:   trk,
		Queues:    queues,
		Blobs:     blobs,
		Alerts:    alerts,
		Processor: proc,
		logger:    log.WithComponent("system"),
	}

	interval := opts.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	sys.sweeper = NewSweeper(sys, interval)
	return sys, nil
}

// Start begins the background sweep loop.
func (s *CoreSystem) Start() {
	s.sweeper.Start()
}

// Stop halts the sweep loop and closes the database.
func (s *CoreSystem) Stop() error {
	s.sweeper.Stop()
	return s.DB.Close()
}

// registryRef breaks the registry/workqueue construction cycle: the
// workqueue needs a VersionChecker before the registry (which needs the
// workqueue for its Cascade) exists.
type registryRef struct {
	reg *registry.Registry
}

func (r *registryRef) Get(name string) (*types.AnalysisModuleType, error) {
	return r.reg.Get(name)
}

func (r *registryRef) CheckVersion(name, version string, extendedVersion []string) error {
	return r.reg.CheckVersion(name, version, extendedVersion)
}

// cascadeBundle satisfies registry.Cascade by fanning a Delete out to the
// tracker, cache, and work queues, the same three collaborators §4.1
// names for "deletion cascades".
type cascadeBundle struct {
	tracker *tracker.Tracker
	cache   *cache.Cache
	queues  *workqueue.Queues
}

func (c *cascadeBundle) ClearForModule(amt string) error {
	return c.tracker.ClearForModule(amt)
}

func (c *cascadeBundle) DeleteForModule(amt string) error {
	return c.cache.DeleteForModule(amt)
}

func (c *cascadeBundle) DeleteQueue(amt string) error {
	return c.queues.DeleteQueue(amt)
}
