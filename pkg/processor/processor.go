// Package processor implements the Request Processor (C6): the
// orchestration heart dispatching process_analysis_request by kind, per
// spec §4.6. It is the one component that touches every other component's
// public surface, so it depends on their concrete types directly rather
// than interfaces — there is no alternative implementation to swap in.
package processor

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/cuemby/acecore/pkg/aceerr"
	"github.com/cuemby/acecore/pkg/cache"
	"github.com/cuemby/acecore/pkg/events"
	"github.com/cuemby/acecore/pkg/log"
	"github.com/cuemby/acecore/pkg/metrics"
	"github.com/cuemby/acecore/pkg/registry"
	"github.com/cuemby/acecore/pkg/rootstore"
	"github.com/cuemby/acecore/pkg/tracker"
	"github.com/cuemby/acecore/pkg/types"
	"github.com/cuemby/acecore/pkg/workqueue"
	"github.com/rs/zerolog"
)

// maxUpdateRootAttempts bounds update_root's optimistic-retry loop (§4.6
// steps 3 and "Kind B" step 3) before surfacing a RootVersionConflict.
const maxUpdateRootAttempts = 10

// Processor is the C6 Request Processor.
type Processor struct {
	registry *registry.Registry
	roots    *rootstore.Store
	cache    *cache.Cache
	tracker  *tracker.Tracker
	queues   *workqueue.Queues
	bus      *events.Broker
	alerts   *AlertSystems

	// linkGroup deduplicates concurrent processing of the same cache key
	// within this process, so two goroutines racing to dispatch the same
	// observable+AMT don't both mint a tracker record before either has a
	// chance to call Link.
	linkGroup singleflight.Group

	logger zerolog.Logger
}

// New constructs a Processor wired to its collaborators.
func New(reg *registry.Registry, roots *rootstore.Store, c *cache.Cache, trk *tracker.Tracker, queues *workqueue.Queues, bus *events.Broker, alerts *AlertSystems) *Processor {
	return &Processor{
		registry: reg,
		roots:    roots,
		cache:    c,
		tracker:  trk,
		queues:   queues,
		bus:      bus,
		alerts:   alerts,
		logger:   log.WithComponent("processor"),
	}
}

// ProcessAnalysisRequest dispatches req by kind (§4.6). Kind C (a worker
// poll) has no representation here — it is Work Queues' GetNext, called
// directly by worker-facing transport.
func (p *Processor) ProcessAnalysisRequest(req *types.AnalysisRequest) error {
	timer := metrics.NewTimer()
	var kind string
	var err error
	switch {
	case req.IsRootRequest():
		kind = "root"
		err = p.processRootRequest(req)
	case req.Result != nil:
		kind = "result"
		err = p.processResultRequest(req)
	default:
		return fmt.Errorf("processor: request %s is neither a root request nor carries a result", req.ID)
	}
	timer.ObserveDurationVec(metrics.ProcessingDuration, kind)
	return err
}

// processRootRequest implements Kind A (§4.6): req.Result carries the
// freshly submitted RootAnalysis (client ingestion reuses the same field
// Kind B uses for a worker's produced snapshot — both are "the root
// payload to fold in").
func (p *Processor) processRootRequest(req *types.AnalysisRequest) error {
	submitted := req.Result
	if submitted == nil {
		return fmt.Errorf("processor: root request %s carries no root payload", req.ID)
	}
	p.bus.Fire(events.Event{Name: events.ProcessingRequestRoot, RootUUID: submitted.UUID})

	inserted, err := p.roots.TrackRoot(submitted)
	if err != nil {
		return err
	}

	root := submitted
	if !inserted {
		// A root with this UUID already exists: re-submission updates the
		// mutable top-level fields onto the latest stored revision rather
		// than overwriting its observable graph (§4.2 "update_root").
		current, err := p.roots.GetRoot(submitted.UUID)
		if err != nil {
			return err
		}
		if current == nil {
			return aceerr.UnknownRootAnalysis(submitted.UUID)
		}
		root = current
		if err := p.updateRootWithRetry(root, func(r *types.RootAnalysis) {
			r.Tool, r.ToolInstance, r.AlertType = submitted.Tool, submitted.ToolInstance, submitted.AlertType
			r.Description, r.Name = submitted.Description, submitted.Name
			r.AnalysisMode, r.Queue = submitted.AnalysisMode, submitted.Queue
			r.Expires = submitted.Expires
			for uuidKey, obs := range submitted.ObservableStore {
				if _, exists := r.ObservableStore[uuidKey]; !exists {
					r.ObservableStore[uuidKey] = obs
				}
			}
		}); err != nil {
			return err
		}
	}

	if err := p.persistDetails(root); err != nil {
		return err
	}

	if _, err := p.dispatchObservables(root); err != nil {
		return err
	}

	_, err = p.roots.UpdateRoot(root)
	return err
}

// persistDetails writes TrackDetails for every analysis in root's
// observable store still carrying a raw Details payload, stamping
// DetailsUUID and clearing it afterward (§4.6 Kind A step 2: "Details rows
// are written for every analysis carrying details").
func (p *Processor) persistDetails(root *types.RootAnalysis) error {
	for _, obs := range root.ObservableStore {
		for _, a := range obs.Analysis {
			if len(a.Details) == 0 {
				continue
			}
			if err := p.roots.TrackDetails(root.UUID, a.UUID, a.Details); err != nil {
				return err
			}
			a.DetailsUUID = a.UUID
			a.Details = nil
		}
	}
	return nil
}

// dispatchObservables implements §4.6 step A.3: for every observable, for
// every eligible AMT, either satisfy it from cache or dispatch an
// AnalysisRequest. Returns the number of requests newly tracked (enqueued,
// or linked onto an in-flight request), used by the recursion-to-quiescence
// loop in processResultRequest to detect a dry round.
func (p *Processor) dispatchObservables(root *types.RootAnalysis) (int, error) {
	amts, err := p.registry.List()
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, obs := range root.ObservableStore {
		if obs.RequestTracking == nil {
			obs.RequestTracking = make(map[string]string)
		}
		for _, amt := range amts {
			if !eligible(root, obs, amt) {
				continue
			}

			n, err := p.dispatchOne(root, obs, amt)
			if err != nil {
				return dispatched, err
			}
			dispatched += n
		}
	}
	return dispatched, nil
}

// eligible implements §4.6 step 3's five gating conditions.
func eligible(root *types.RootAnalysis, obs *types.Observable, amt *types.AnalysisModuleType) bool {
	if obs.HasAnalysisFrom(amt.Name) {
		return false
	}
	if _, inFlight := obs.RequestTracking[amt.Name]; inFlight {
		return false
	}
	if contains(obs.ExcludedAnalysis, amt.Name) {
		return false
	}
	if len(obs.LimitedAnalysis) > 0 && !contains(obs.LimitedAnalysis, amt.Name) {
		return false
	}
	if len(amt.ObservableTypes) > 0 && !contains(amt.ObservableTypes, obs.Type) {
		return false
	}
	for _, d := range amt.Directives {
		if !contains(obs.Directives, d) {
			return false
		}
	}
	for _, dep := range amt.Dependencies {
		if !obs.HasAnalysisFrom(dep) {
			return false
		}
	}
	if len(amt.Modes) > 0 && !contains(amt.Modes, root.AnalysisMode) {
		return false
	}
	return true
}

// dispatchOne resolves a cache hit or tracks+enqueues a fresh request for
// (obs, amt), returning 0 on a cache hit and 1 otherwise, whether
// trackOrLink enqueued a fresh request or linked a shadow request onto an
// in-flight one.
func (p *Processor) dispatchOne(root *types.RootAnalysis, obs *types.Observable, amt *types.AnalysisModuleType) (int, error) {
	cacheKey := cache.Key(obs.Type, obs.Value, amt)

	if amt.Cacheable() {
		hit, err := p.cache.Get(obs.Type, obs.Value, amt)
		if err != nil {
			return 0, err
		}
		if hit != nil {
			produced, err := p.mergeResult(root.UUID, obs, hit.Result)
			if err != nil {
				return 0, err
			}
			appendProduced(root, produced)
			obs.RequestTracking[amt.Name] = hit.ID
			return 0, nil
		}
	}

	result, err, _ := p.linkGroup.Do(cacheKey, func() (any, error) {
		return p.trackOrLink(root, obs, amt, cacheKey)
	})
	if err != nil {
		return 0, err
	}
	reqID := result.(string)
	obs.RequestTracking[amt.Name] = reqID
	return 1, nil
}

// trackOrLink attempts to link a new observable request onto an existing
// in-flight request sharing cacheKey; on link failure (or no existing
// candidate) it tracks and enqueues a fresh one (§4.6 step 3's "otherwise"
// branch).
//
// Link needs a request ID on both ends (§4.4: Link attaches dest to
// source's link set, and LinkedRequests later resolves each dest back to a
// tracked request with its own RootUUID/ObservableUUID to hydrate). So
// linking mints a shadow AnalysisRequest for this observable, tracks it
// untracked-by-cache-key so it never shadows the real cache-key owner, and
// links existing.ID -> shadow.ID; the shadow is never enqueued since
// existing's dispatch already covers the work.
func (p *Processor) trackOrLink(root *types.RootAnalysis, obs *types.Observable, amt *types.AnalysisModuleType, cacheKey string) (string, error) {
	existing, err := p.tracker.GetByCacheKey(cacheKey)
	if err != nil {
		return "", err
	}
	if existing != nil {
		shadow := types.NewObservableRequest(root.UUID, root.Version, obs.UUID, amt.Name, "")
		shadow.Status = types.RequestStatusQueued
		if err := p.tracker.Track(shadow); err != nil {
			return "", err
		}

		linked, err := p.tracker.Link(existing.ID, shadow.ID)
		if err != nil {
			return "", err
		}
		if linked {
			metrics.RequestsLinkedTotal.Inc()
			return shadow.ID, nil
		}
		// existing was locked between GetByCacheKey and Link (its result is
		// already being applied): the shadow never got attached, so drop it
		// and fall through to a fresh, real dispatch instead.
		if err := p.tracker.Delete(shadow.ID); err != nil {
			return "", err
		}
	}

	req := types.NewObservableRequest(root.UUID, root.Version, obs.UUID, amt.Name, cacheKey)
	req.Status = types.RequestStatusQueued
	if err := p.tracker.Track(req); err != nil {
		return "", err
	}
	if err := p.queues.Put(amt.Name, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// processResultRequest implements Kind B (§4.6).
func (p *Processor) processResultRequest(req *types.AnalysisRequest) error {
	p.bus.Fire(events.Event{Name: events.ProcessingRequestResult, RootUUID: req.RootUUID, RequestID: req.ID})

	locked, err := p.tracker.Lock(req.ID)
	if err != nil {
		return err
	}
	if !locked {
		p.logger.Warn().Str("request_id", req.ID).Msg("could not acquire lock on result; dropping, expiration sweep will re-queue")
		return nil
	}

	root, err := p.roots.GetRoot(req.RootUUID)
	if err != nil {
		return err
	}
	if root == nil {
		return aceerr.UnknownRootAnalysis(req.RootUUID)
	}

	obs, ok := root.ObservableStore[req.ObservableUUID]
	if !ok {
		return fmt.Errorf("processor: observable %s not present in root %s", req.ObservableUUID, req.RootUUID)
	}
	produced, err := p.mergeResult(root.UUID, obs, req.Result)
	if err != nil {
		return err
	}

	if err := p.updateRootWithRetry(root, func(r *types.RootAnalysis) {
		r.ObservableStore[req.ObservableUUID] = obs
		appendProduced(r, produced)
	}); err != nil {
		return err
	}

	amt, err := p.registry.Get(req.Type)
	if err != nil {
		return err
	}
	if amt != nil && amt.Cacheable() {
		if _, err := p.cache.Put(obs.Type, obs.Value, amt, req); err != nil {
			return err
		}
	}

	linked, err := p.tracker.LinkedRequests(req.ID)
	if err != nil {
		return err
	}
	for _, linkedID := range linked {
		if err := p.applyResultToLinkedRequest(linkedID, req); err != nil {
			return err
		}
	}

	if err := p.tracker.Delete(req.ID); err != nil {
		return err
	}
	for _, linkedID := range linked {
		if err := p.tracker.Delete(linkedID); err != nil {
			return err
		}
	}

	return p.recurseToQuiescence(root)
}

// applyResultToLinkedRequest hydrates a shadow request's own root with the
// shared result, per §4.6 step 5's dedup payoff.
func (p *Processor) applyResultToLinkedRequest(linkedID string, source *types.AnalysisRequest) error {
	linkedReq, err := p.tracker.GetByID(linkedID)
	if err != nil {
		return err
	}
	if linkedReq == nil {
		return nil
	}

	root, err := p.roots.GetRoot(linkedReq.RootUUID)
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}
	obs, ok := root.ObservableStore[linkedReq.ObservableUUID]
	if !ok {
		return nil
	}
	produced, err := p.mergeResult(root.UUID, obs, source.Result)
	if err != nil {
		return err
	}

	return p.updateRootWithRetry(root, func(r *types.RootAnalysis) {
		r.ObservableStore[linkedReq.ObservableUUID] = obs
		appendProduced(r, produced)
	})
}

// recurseToQuiescence repeatedly re-applies §4.6 step A.3 until a round
// dispatches zero new requests, then runs the quiescent-root side effects
// (alerting, expiration scheduling).
func (p *Processor) recurseToQuiescence(root *types.RootAnalysis) error {
	for {
		root, _ = p.roots.GetRoot(root.UUID)
		if root == nil {
			return nil
		}
		dispatched, err := p.dispatchObservables(root)
		if err != nil {
			return err
		}
		if _, err := p.roots.UpdateRoot(root); err != nil {
			return err
		}
		if dispatched == 0 {
			break
		}
	}
	return p.onQuiescent(root)
}

// onQuiescent implements §4.6 steps 8-9.
func (p *Processor) onQuiescent(root *types.RootAnalysis) error {
	if len(root.Detections) > 0 && p.alerts != nil {
		p.alerts.PushAlert(root.UUID)
		p.bus.Fire(events.Event{Name: events.Alert, RootUUID: root.UUID})
		metrics.AlertsFiredTotal.Inc()
	}

	if root.Expires {
		remaining, err := p.tracker.GetByRoot(root.UUID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			return p.roots.ExpireRoot(root.UUID)
		}
	}
	return nil
}

// updateRootWithRetry applies mutate to the latest stored revision of
// root and commits via UpdateRoot, retrying on an optimistic-concurrency
// conflict up to maxUpdateRootAttempts times (§4.6, §8 property 3).
func (p *Processor) updateRootWithRetry(root *types.RootAnalysis, mutate func(*types.RootAnalysis)) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RootUpdateDuration)

	for attempt := 0; attempt < maxUpdateRootAttempts; attempt++ {
		mutate(root)
		ok, err := p.roots.UpdateRoot(root)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		metrics.RootVersionConflictsTotal.Inc()
		latest, err := p.roots.GetRoot(root.UUID)
		if err != nil {
			return err
		}
		if latest == nil {
			return aceerr.UnknownRootAnalysis(root.UUID)
		}
		*root = *latest
	}
	return aceerr.RootVersionConflict(root.UUID, maxUpdateRootAttempts)
}

// mergeResult folds a worker's produced analyses into obs and persists any
// details payload they carry (§4.6 step 3/B.3: "merge the result analysis
// into the observable"; "persist details separately"). It returns the
// observables the result produced (via Analysis.ObservableIDs), keyed by
// UUID, for the caller to append to root's observable store itself —
// inside an updateRootWithRetry mutate closure, so the append survives an
// optimistic-concurrency retry instead of being silently discarded.
func (p *Processor) mergeResult(rootUUID string, obs *types.Observable, result *types.RootAnalysis) (map[string]*types.Observable, error) {
	if result == nil {
		return nil, nil
	}
	produced := make(map[string]*types.Observable)
	for _, po := range result.ObservableStore {
		for _, a := range po.Analysis {
			if len(a.Details) > 0 {
				if err := p.roots.TrackDetails(rootUUID, a.UUID, a.Details); err != nil {
					return nil, err
				}
				a.DetailsUUID = a.UUID
				a.Details = nil
			}

			if obs.Analysis == nil {
				obs.Analysis = make(map[string]*types.Analysis)
			}
			obs.Analysis[a.Type] = a

			for _, producedUUID := range a.ObservableIDs {
				if producedObs, ok := result.ObservableStore[producedUUID]; ok && producedObs != nil {
					produced[producedUUID] = producedObs
				}
			}
		}
	}
	return produced, nil
}

// appendProduced adds any observable in produced not already present into
// r's observable store (§4.6 step 3/B.3 "append newly-produced observables
// to observable_store").
func appendProduced(r *types.RootAnalysis, produced map[string]*types.Observable) {
	if len(produced) == 0 {
		return
	}
	if r.ObservableStore == nil {
		r.ObservableStore = make(map[string]*types.Observable)
	}
	for uuidKey, po := range produced {
		if _, exists := r.ObservableStore[uuidKey]; !exists {
			r.ObservableStore[uuidKey] = po
		}
	}
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
