// Package types is the core's data model: analysis module types,
// observables, analyses, root analyses, analysis requests, cache entries,
// content blobs, and API keys. Structs mirror the shape persisted by the
// store packages (plain fields, json tags, no behavior beyond small
// constructors), the same way the teacher's pkg/types models cluster state.
package types

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisModuleType (AMT) is the canonical registry record for one
// analyzer: its accepted observable types, required directives, module
// dependencies, enabled analysis modes, version/cache policy.
type AnalysisModuleType struct {
	Name        string
	Description string

	ObservableTypes []string // empty set means "accepts any"
	Directives      []string
	Dependencies    []string
	Modes           []string

	Version string // semver-ish string

	// Timeout is stored as seconds per the §9 Open Question: implementers
	// should treat the unit as seconds, not days. Default 30.
	Timeout int

	// CacheTTL, in seconds. Absence (nil) disables caching entirely.
	CacheTTL *int

	// AdditionalCacheKeys rotates cached results: changing this list
	// invalidates previously cached entries for this AMT without bumping
	// Version.
	AdditionalCacheKeys []string

	// ExtendedVersion is an ordered sequence of opaque version strings
	// (e.g. signature-database versions) gating worker poll compatibility
	// alongside Version.
	ExtendedVersion []string
}

// TimeoutDuration returns Timeout as a time.Duration, defaulting to 30s
// when unset.
func (a *AnalysisModuleType) TimeoutDuration() time.Duration {
	if a.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.Timeout) * time.Second
}

// Cacheable reports whether results for this AMT participate in the
// Result Cache.
func (a *AnalysisModuleType) Cacheable() bool {
	return a.CacheTTL != nil
}

// CacheTTLDuration returns CacheTTL as a time.Duration; callers must check
// Cacheable first.
func (a *AnalysisModuleType) CacheTTLDuration() time.Duration {
	if a.CacheTTL == nil {
		return 0
	}
	return time.Duration(*a.CacheTTL) * time.Second
}

// Equal reports whether two AMT definitions are identical in every field
// the Module Registry tracks, used to decide AMT_NEW vs AMT_MODIFIED on
// re-registration (§4.1 idempotent upsert).
func (a *AnalysisModuleType) Equal(other *AnalysisModuleType) bool {
	if other == nil {
		return false
	}
	if a.Name != other.Name || a.Description != other.Description ||
		a.Version != other.Version || a.Timeout != other.Timeout {
		return false
	}
	if !equalTTL(a.CacheTTL, other.CacheTTL) {
		return false
	}
	return equalStrings(a.ObservableTypes, other.ObservableTypes) &&
		equalStrings(a.Directives, other.Directives) &&
		equalStrings(a.Dependencies, other.Dependencies) &&
		equalStrings(a.Modes, other.Modes) &&
		equalStrings(a.AdditionalCacheKeys, other.AdditionalCacheKeys) &&
		equalStrings(a.ExtendedVersion, other.ExtendedVersion)
}

func equalTTL(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DetectionPoint marks a suspicious finding on an Analysis; presence of any
// detection point on a root triggers alerting.
type DetectionPoint struct {
	Description string
	Details     string
}

// Analysis is the output of one AMT for one observable.
type Analysis struct {
	UUID string

	Type string // AMT name

	ObservableID  string   // source observable UUID
	ObservableIDs []string // additional observables this analysis produced

	Summary string

	// DetailsUUID addresses an opaque payload stored separately (§9
	// "Dynamic typing around analysis details": the core neither parses
	// nor validates it), resolved through the Root & Details Store. Equal
	// to UUID once Details has been persisted; empty until then.
	DetailsUUID string

	// Details carries the raw opaque payload a module attaches to this
	// analysis, in-process only: excluded from the JSON the Root & Details
	// Store writes for a root (§4.2 "the JSON stored in the root record
	// deliberately excludes details payloads"). The processor persists it
	// through rootstore.TrackDetails and clears it, leaving DetailsUUID as
	// the address.
	Details []byte `json:"-"`

	Tags       []string
	Detections []DetectionPoint
}

// NewAnalysis constructs an Analysis with a fresh UUID.
func NewAnalysis(amtName, observableID string) *Analysis {
	return &Analysis{
		UUID:         uuid.NewString(),
		Type:         amtName,
		ObservableID: observableID,
	}
}

// Observable is a single indicator (type, value) plus graph metadata and
// per-AMT analysis slots. (type, value) is the observable identity for
// caching.
type Observable struct {
	UUID string

	Type  string
	Value string

	Time *time.Time

	Tags       []string
	Directives []string

	Analysis map[string]*Analysis // AMT name -> Analysis

	Redirection string   // optional observable UUID
	Links       []string // graph edges to other observable UUIDs

	LimitedAnalysis  []string
	ExcludedAnalysis []string

	Relationships map[string][]string // label -> observable UUIDs

	GroupingTarget bool

	// RequestTracking maps AMT name to the in-flight AnalysisRequest.ID
	// dispatched for this observable against that AMT.
	RequestTracking map[string]string
}

// NewObservable constructs an Observable with a fresh UUID.
func NewObservable(obsType, value string) *Observable {
	now := time.Now()
	return &Observable{
		UUID:            uuid.NewString(),
		Type:            obsType,
		Value:           value,
		Time:            &now,
		Analysis:        make(map[string]*Analysis),
		RequestTracking: make(map[string]string),
	}
}

// HasAnalysisFrom reports whether the observable already carries an
// Analysis produced by amtName, used by the Request Processor's
// dependency gate (§4.6 step 3d).
func (o *Observable) HasAnalysisFrom(amtName string) bool {
	_, ok := o.Analysis[amtName]
	return ok
}

// RootAnalysis extends Analysis with root-level metadata and the
// observable store for the entire analysis graph rooted here.
type RootAnalysis struct {
	Analysis

	Tool         string
	ToolInstance string
	AlertType    string
	Description  string
	EventTime    *time.Time
	Name         string

	// State is opaque module scratch space, carried across recursion
	// passes but not interpreted by the core.
	State map[string]any

	AnalysisMode string
	Queue        string // alert-queue name

	Expires           bool
	AnalysisCancelled bool
	CancelledReason   string

	// ObservableStore is the UUID -> Observable graph. Invariant: every
	// observable/analysis referenced transitively from the root exists
	// here (§3 "graph reachability").
	ObservableStore map[string]*Observable

	// Version is the opaque optimistic-concurrency token checked by
	// update_root (§4.2).
	Version string
}

// NewRootAnalysis constructs a RootAnalysis with a fresh UUID and an empty
// observable store.
func NewRootAnalysis(name, analysisMode string) *RootAnalysis {
	now := time.Now()
	return &RootAnalysis{
		Analysis: Analysis{
			UUID: uuid.NewString(),
		},
		Name:            name,
		AnalysisMode:    analysisMode,
		EventTime:       &now,
		State:           make(map[string]any),
		ObservableStore: make(map[string]*Observable),
	}
}

// AddObservable inserts obs into the root's observable store, minting a
// UUID if it has none, and returns the stored pointer. A duplicate UUID
// already present is returned unchanged.
func (r *RootAnalysis) AddObservable(obs *Observable) *Observable {
	if obs.UUID == "" {
		obs.UUID = uuid.NewString()
	}
	if r.ObservableStore == nil {
		r.ObservableStore = make(map[string]*Observable)
	}
	if existing, ok := r.ObservableStore[obs.UUID]; ok {
		return existing
	}
	r.ObservableStore[obs.UUID] = obs
	return obs
}

// FindObservable locates an existing observable in the store by
// (type, value) identity, returning nil if absent.
func (r *RootAnalysis) FindObservable(obsType, value string) *Observable {
	for _, obs := range r.ObservableStore {
		if obs.Type == obsType && obs.Value == value {
			return obs
		}
	}
	return nil
}

// RequestStatus is the lifecycle state of an AnalysisRequest.
type RequestStatus string

const (
	RequestStatusNew       RequestStatus = "NEW"
	RequestStatusQueued    RequestStatus = "QUEUED"
	RequestStatusAnalyzing RequestStatus = "ANALYZING"
	RequestStatusCompleted RequestStatus = "COMPLETED"
)

// AnalysisRequest tracks one unit of dispatched work: either a root
// request (ObservableUUID/Type absent) or an observable analysis request.
type AnalysisRequest struct {
	ID string

	RootUUID string

	// ObservableUUID and Type are absent for a root request.
	ObservableUUID string
	Type           string // AMT name

	Status RequestStatus

	CacheKey string

	// Lock holds the acquisition timestamp while non-nil; nil means
	// unlocked (§4.4 lock semantics).
	Lock *time.Time

	// ExpirationDate is set to now + AMT.Timeout when Status transitions
	// to ANALYZING.
	ExpirationDate *time.Time

	// OriginalRootVersion records the root's Version at the time this
	// request was created. The processor does not read it; result merges
	// rely on the root store's optimistic UpdateRoot retry instead.
	OriginalRootVersion string

	// Owner is the worker UUID that claimed this request via get_next.
	Owner string

	// Result carries the modified root snapshot once processed; absent
	// while the request is in flight.
	Result *RootAnalysis

	InsertDate time.Time
}

// IsRootRequest reports whether this is a Kind A root request (§4.6)
// rather than an observable dispatch.
func (r *AnalysisRequest) IsRootRequest() bool {
	return r.Type == "" && r.ObservableUUID == ""
}

// Expired reports whether an ANALYZING request's expiration has passed.
func (r *AnalysisRequest) Expired(now time.Time) bool {
	return r.Status == RequestStatusAnalyzing && r.ExpirationDate != nil && r.ExpirationDate.Before(now)
}

// NewRootRequest constructs a Kind A root AnalysisRequest.
func NewRootRequest(rootUUID, rootVersion string) *AnalysisRequest {
	return &AnalysisRequest{
		ID:                  uuid.NewString(),
		RootUUID:            rootUUID,
		Status:              RequestStatusNew,
		OriginalRootVersion: rootVersion,
		InsertDate:          time.Now(),
	}
}

// NewObservableRequest constructs a Kind B/C observable AnalysisRequest
// destined for amtName's work queue.
func NewObservableRequest(rootUUID, rootVersion, observableUUID, amtName, cacheKey string) *AnalysisRequest {
	return &AnalysisRequest{
		ID:                  uuid.NewString(),
		RootUUID:            rootUUID,
		ObservableUUID:      observableUUID,
		Type:                amtName,
		Status:              RequestStatusNew,
		CacheKey:            cacheKey,
		OriginalRootVersion: rootVersion,
		InsertDate:          time.Now(),
	}
}

// CacheEntry maps a cache key to the AMT that produced it, an expiration
// time, and the serialized AnalysisRequest result (§3 "Cache Entry",
// §4.3).
type CacheEntry struct {
	CacheKey       string
	AnalysisModule string
	Expiration     time.Time
	Request        *AnalysisRequest
}

// Expired reports whether the entry's expiration has passed as of now
// (§4.3 "lazy expiry").
func (c *CacheEntry) Expired(now time.Time) bool {
	return !c.Expiration.After(now)
}

// ContentMetadata describes one content-addressed blob (§3 "Content
// (Blob)"). ReferringRoots pins the blob against GC while non-empty.
type ContentMetadata struct {
	SHA256 string

	Name     string
	Size     int64
	Location string // backend-specific placement (local path or S3 key)

	InsertDate     time.Time
	ExpirationDate *time.Time

	CustomMetadata map[string]string

	ReferringRoots []string
}

// Expired reports whether the blob's expiration has passed as of now.
func (c *ContentMetadata) Expired(now time.Time) bool {
	return c.ExpirationDate != nil && !c.ExpirationDate.After(now)
}

// EligibleForGC reports whether the blob may be deleted: expired and
// unreferenced by any root (§3 invariant, §8 property 6).
func (c *ContentMetadata) EligibleForGC(now time.Time) bool {
	return c.Expired(now) && len(c.ReferringRoots) == 0
}

// APIKey is the authentication principal record (§3). The HTTP auth
// middleware that consumes it is out of core scope, but the record and its
// DuplicateAPIKeyName error are carried per SPEC_FULL.md's supplemented
// features.
type APIKey struct {
	SHA256      string // sha256(raw key), primary key
	Name        string // unique
	Description string
	IsAdmin     bool
}
