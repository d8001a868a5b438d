// Package workqueue implements the Work Queues (C5): one FIFO channel per
// AMT, a blocking GetNext with timeout, and claim-time bookkeeping
// (lock acquisition, ANALYZING transition, expiration stamping) against
// the Request Tracker, per spec §4.5. Queues live in memory only. The
// per-AMT channel select mirrors the teacher's worker/scheduler loop idiom,
// generalized here to a blocking consumer-side wait on the queue, a
// deadline and the caller's context instead of a fixed poll interval.
package workqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/acecore/pkg/aceerr"
	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/log"
	"github.com/cuemby/acecore/pkg/metrics"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/rs/zerolog"
)

// VersionChecker validates a worker's declared (version, extended_version)
// against the registered AMT before handing it work (§4.5 "version gate").
// Registry satisfies this directly.
type VersionChecker interface {
	Get(name string) (*types.AnalysisModuleType, error)
	CheckVersion(name, version string, extendedVersion []string) error
}

// Tracker is the subset of the Request Tracker the Work Queues collaborate
// with when claiming a request off a queue.
type Tracker interface {
	Lock(id string) (bool, error)
	GetByID(id string) (*types.AnalysisRequest, error)
	Track(req *types.AnalysisRequest) error
}

// queue is one AMT's FIFO channel of pending request IDs.
type queue struct {
	ch     chan string
	closed bool
}

// Queues is the C5 Work Queues manager: a registry of per-AMT channel
// queues, guarded by a single mutex for create/delete/size operations.
type Queues struct {
	mu      sync.Mutex
	byAMT   map[string]*queue
	bus     *events.Broker
	tracker Tracker
	amts    VersionChecker
	logger  zerolog.Logger
}

// New constructs an empty Queues manager.
func New(bus *events.Broker, tracker Tracker, amts VersionChecker) *Queues {
	return &Queues{
		byAMT:   make(map[string]*queue),
		bus:     bus,
		tracker: tracker,
		amts:    amts,
		logger:  log.WithComponent("workqueue"),
	}
}

// defaultQueueCapacity bounds a single AMT's backlog; once it is full, Put
// returns an error instead of enqueuing. It is
// chosen generously since requests are cheap IDs, not payloads.
const defaultQueueCapacity = 4096

// AddQueue creates amt's queue if it does not already exist, firing
// WORK_QUEUE_NEW on first creation only.
func (q *Queues) AddQueue(amt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byAMT[amt]; ok {
		return nil
	}
	q.byAMT[amt] = &queue{ch: make(chan string, defaultQueueCapacity)}
	q.bus.Fire(events.Event{Name: events.WorkQueueNew, AMT: amt})
	return nil
}

// DeleteQueue drains and removes amt's queue, satisfying
// registry.Cascade. Firing WORK_QUEUE_DELETED is safe even when the queue
// never existed (idempotent cascade step).
func (q *Queues) DeleteQueue(amt string) error {
	q.mu.Lock()
	qu, ok := q.byAMT[amt]
	if ok {
		qu.closed = true
		close(qu.ch)
		delete(q.byAMT, amt)
	}
	q.mu.Unlock()

	q.bus.Fire(events.Event{Name: events.WorkQueueDeleted, AMT: amt})
	return nil
}

// Put enqueues req.ID onto amt's queue (creating the queue lazily if
// needed), firing WORK_ADD. req.Status must already be QUEUED; Put does
// not persist req itself — the caller tracks it via the Request Tracker
// first.
func (q *Queues) Put(amt string, req *types.AnalysisRequest) error {
	if err := q.AddQueue(amt); err != nil {
		return err
	}

	q.mu.Lock()
	qu := q.byAMT[amt]
	q.mu.Unlock()
	if qu == nil {
		return fmt.Errorf("workqueue: queue %q vanished before put", amt)
	}

	select {
	case qu.ch <- req.ID:
	default:
		return fmt.Errorf("workqueue: queue %q is full", amt)
	}

	metrics.QueueDepth.WithLabelValues(amt).Inc()
	q.bus.Fire(events.Event{Name: events.WorkAdd, AMT: amt, RequestID: req.ID})
	return nil
}

// QueueSize reports the number of pending (not yet claimed) request IDs
// for amt.
func (q *Queues) QueueSize(amt string) int {
	q.mu.Lock()
	qu, ok := q.byAMT[amt]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	return len(qu.ch)
}

// GetNext blocks until a request is available on amt's queue, the owner's
// claim is committed, or timeout elapses (returning nil, nil on timeout
// per §4.5 "empty poll"). version must match the registered AMT exactly
// and every element of extendedVersion must be in the registered AMT's
// extended version list, or GetNext fails fast with an AMT_VERSION error
// without ever touching the queue — a stale worker must not silently
// drain work it cannot correctly process.
func (q *Queues) GetNext(ctx context.Context, ownerUUID, amt, version string, extendedVersion []string, timeout time.Duration) (*types.AnalysisRequest, error) {
	if err := q.amts.CheckVersion(amt, version, extendedVersion); err != nil {
		metrics.AMTVersionMismatchTotal.WithLabelValues(amt).Inc()
		return nil, err
	}
	amtDef, err := q.amts.Get(amt)
	if err != nil {
		return nil, err
	}
	if amtDef == nil {
		return nil, aceerr.UnknownAnalysisModuleType(amt)
	}

	if err := q.AddQueue(amt); err != nil {
		return nil, err
	}
	q.mu.Lock()
	qu := q.byAMT[amt]
	q.mu.Unlock()
	if qu == nil {
		return nil, nil
	}

	timer := metrics.NewTimer()
	deadline := time.After(timeout)

	for {
		select {
		case id, ok := <-qu.ch:
			if !ok {
				return nil, nil // queue was deleted out from under us
			}
			metrics.QueueDepth.WithLabelValues(amt).Dec()
			q.bus.Fire(events.Event{Name: events.WorkRemove, AMT: amt, RequestID: id})

			locked, err := q.tracker.Lock(id)
			if err != nil {
				return nil, err
			}
			if !locked {
				// Another claimant (or a stale-lock sweep) beat us to it;
				// move on to the next queued item instead of failing the
				// whole poll.
				continue
			}

			req, err := q.tracker.GetByID(id)
			if err != nil {
				return nil, err
			}
			if req == nil {
				// Tracked record vanished (e.g. the root was deleted)
				// between enqueue and claim; skip it.
				continue
			}

			req.Status = types.RequestStatusAnalyzing
			req.Owner = ownerUUID
			req.ExpirationDate = expirationFor(amtDef)
			if err := q.tracker.Track(req); err != nil {
				return nil, err
			}

			timer.ObserveDurationVec(metrics.QueuePopLatency, amt)
			q.bus.Fire(events.Event{Name: events.WorkAssigned, AMT: amt, RequestID: id, Data: map[string]string{"owner": ownerUUID}})
			return req, nil

		case <-deadline:
			return nil, nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func expirationFor(amt *types.AnalysisModuleType) *time.Time {
	t := time.Now().Add(amt.TimeoutDuration())
	return &t
}
