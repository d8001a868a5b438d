// Package events implements the core's Event Bus (C7): an in-process
// Broker matching §4.7's register_handler/remove_handler/get_handlers/fire
// contract, plus an optional Redis-backed distributed transport for
// multi-process deployments.
package events

import (
	"sync"
	"time"

	"github.com/cuemby/acecore/pkg/log"
)

// Name identifies one of the fire-on-side-effect events listed in §4.6.
type Name string

const (
	RootNew      Name = "ROOT_NEW"
	RootModified Name = "ROOT_MODIFIED"
	RootDeleted  Name = "ROOT_DELETED"
	RootExpired  Name = "ROOT_EXPIRED"

	DetailsNew      Name = "DETAILS_NEW"
	DetailsModified Name = "DETAILS_MODIFIED"
	DetailsDeleted  Name = "DETAILS_DELETED"

	ARNew     Name = "AR_NEW"
	ARDeleted Name = "AR_DELETED"
	ARExpired Name = "AR_EXPIRED"

	AMTNew      Name = "AMT_NEW"
	AMTModified Name = "AMT_MODIFIED"
	AMTDeleted  Name = "AMT_DELETED"

	CacheNew Name = "CACHE_NEW"
	CacheHit Name = "CACHE_HIT"

	WorkQueueNew     Name = "WORK_QUEUE_NEW"
	WorkQueueDeleted Name = "WORK_QUEUE_DELETED"
	WorkAdd          Name = "WORK_ADD"
	WorkRemove       Name = "WORK_REMOVE"
	WorkAssigned     Name = "WORK_ASSIGNED"

	AlertSystemRegistered   Name = "ALERT_SYSTEM_REGISTERED"
	AlertSystemUnregistered Name = "ALERT_SYSTEM_UNREGISTERED"
	Alert                   Name = "ALERT"

	StorageNew     Name = "STORAGE_NEW"
	StorageDeleted Name = "STORAGE_DELETED"

	ConfigSet Name = "CONFIG_SET"

	ProcessingRequestRoot       Name = "PROCESSING_REQUEST_ROOT"
	ProcessingRequestObservable Name = "PROCESSING_REQUEST_OBSERVABLE"
	ProcessingRequestResult     Name = "PROCESSING_REQUEST_RESULT"
)

// Event is one fired lifecycle transition.
type Event struct {
	Name      Name
	Timestamp time.Time
	// RootUUID, RequestID, and AMT identify the subject of the event when
	// applicable; any may be empty depending on Name.
	RootUUID  string
	RequestID string
	AMT       string
	// Data carries event-specific payload (e.g. the alert queue name for
	// Alert, the key/value pair for ConfigSet).
	Data map[string]string
}

// Handler is a registered event subscriber (§4.7). An error returned from
// HandleEvent is routed to HandleException; a panic inside HandleException
// itself is logged and swallowed by the Broker, never propagated.
type Handler interface {
	HandleEvent(Event) error
	HandleException(Event, error)
}

// Broker is the in-process Event Bus: one internal mutex guards the
// subscriber map; handlers execute outside that lock so they may
// register/unregister mid-fire without deadlocking (§4.7, §5).
type Broker struct {
	mu       sync.Mutex
	handlers map[Name][]Handler
	onFire   func(Event) // optional hook, e.g. prometheus counters
}

// NewBroker constructs an empty in-process Broker.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[Name][]Handler)}
}

// OnFire installs a hook invoked once per Fire call, after local dispatch,
// primarily so callers can bump pkg/metrics.EventsFiredTotal without this
// package importing metrics directly.
func (b *Broker) OnFire(hook func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFire = hook
}

// RegisterHandler subscribes handler to name. Registration is idempotent:
// a duplicate (by identity) registration for the same name is ignored.
func (b *Broker) RegisterHandler(name Name, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.handlers[name] {
		if h == handler {
			return
		}
	}
	b.handlers[name] = append(b.handlers[name], handler)
}

// RemoveHandler unsubscribes handler from the given names, or from every
// name it is currently registered under when names is empty.
func (b *Broker) RemoveHandler(handler Handler, names ...Name) {
	b.mu.Lock()
	defer b.mu.Unlock()

	targets := names
	if len(targets) == 0 {
		for name := range b.handlers {
			targets = append(targets, name)
		}
	}

	for _, name := range targets {
		subs := b.handlers[name]
		for i, h := range subs {
			if h == handler {
				b.handlers[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// GetHandlers returns a snapshot of the handlers registered for name.
func (b *Broker) GetHandlers(name Name) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[name]
	out := make([]Handler, len(subs))
	copy(out, subs)
	return out
}

// Fire delivers event to a snapshot of its subscribers taken under the
// Broker's lock, so a handler may register/unregister during delivery
// without perturbing this in-flight fan-out (§4.7). Delivery here is
// synchronous and at-least-once per subscriber.
func (b *Broker) Fire(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, h := range b.GetHandlers(event.Name) {
		deliver(h, event)
	}

	b.mu.Lock()
	hook := b.onFire
	b.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

// deliver runs HandleEvent, routing any returned error to HandleException.
// A panic inside HandleException itself ("oh_noes" in the original
// implementation) is recovered, logged, and dropped — there's no handler
// left to report it to.
func deliver(h Handler, event Event) {
	if err := h.HandleEvent(event); err != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Logger.Error().Interface("panic", r).Str("event", string(event.Name)).Msg("event exception handler panicked")
				}
			}()
			h.HandleException(event, err)
		}()
	}
}
