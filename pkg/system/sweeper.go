package system

import (
	"time"

	"github.com/cuemby/acecore/pkg/log"
	"github.com/cuemby/acecore/pkg/metrics"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/rs/zerolog"
)

// Sweeper periodically re-queues expired analysis requests, purges
// expired cache entries, and garbage collects unreferenced blobs.
// Grounded on the teacher's pkg/reconciler.Reconciler run loop (ticker
// plus stopCh select), generalized from node/container health checks to
// this core's three expiry-driven sweeps.
type Sweeper struct {
	sys      *CoreSystem
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewSweeper constructs a Sweeper that will run every interval once
// Start is called.
func NewSweeper(sys *CoreSystem, interval time.Duration) *Sweeper {
	return &Sweeper{
		sys:      sys,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("sweeper"),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")

	for {
		select {
		case <-ticker.C:
			if err := s.sweep(); err != nil {
				s.logger.Error().Err(err).Msg("sweep cycle failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) sweep() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SweepDuration)
		metrics.SweepCyclesTotal.Inc()
	}()

	if err := s.sweepExpiredRequests(); err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep expired requests")
	}

	if _, err := s.sys.Cache.DeleteExpired(); err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep expired cache entries")
	}

	if n, err := s.sys.Blobs.DeleteExpiredContent(); err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep expired blobs")
	} else if n > 0 {
		s.logger.Debug().Int("count", n).Msg("garbage collected expired blobs")
	}

	return nil
}

// sweepExpiredRequests re-queues (or deletes, for an AMT no longer
// registered) every ANALYZING request whose expiration has passed,
// per-AMT via tracker.ProcessExpiredForModule (§4.4's
// "except UnknownAnalysisModuleTypeError: delete_analysis_request").
func (s *Sweeper) sweepExpiredRequests() error {
	expired, err := s.sys.Tracker.GetExpired()
	if err != nil {
		return err
	}

	for _, req := range expired {
		name := req.Type
		amt, err := s.sys.Registry.Get(name)
		if err != nil {
			return err
		}
		n, err := s.sys.Tracker.ProcessExpiredForModule(name, amt != nil, func(req *types.AnalysisRequest) error {
			return s.sys.Queues.Put(name, req)
		})
		if err != nil {
			return err
		}
		if n > 0 {
			metrics.ExpiredRequestsSweptTotal.WithLabelValues(name).Add(float64(n))
		}
	}
	return nil
}
