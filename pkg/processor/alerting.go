package processor

import (
	"sync"

	"github.com/cuemby/acecore/pkg/aceerr"
	"github.com/cuemby/acecore/pkg/events"
)

// alertQueueCapacity bounds how many root UUIDs an alert system can have
// pending. Once a backlog is full, PushAlert drops each new alert for that
// system (firing an ALERT event marked "dropped") and keeps the queued ones.
const alertQueueCapacity = 4096

// AlertSystems fans a quiescent root's alert-worthy detections out to every
// registered named alert system, each with its own FIFO backlog — the same
// per-name buffered-channel registry idiom as workqueue.Queues, generalized
// from one queue per AMT to one queue per alert system.
type AlertSystems struct {
	mu     sync.Mutex
	byName map[string]chan string
	bus    *events.Broker
}

// NewAlertSystems constructs an empty alert-system registry.
func NewAlertSystems(bus *events.Broker) *AlertSystems {
	return &AlertSystems{
		byName: make(map[string]chan string),
		bus:    bus,
	}
}

// RegisterAlertSystem creates name's backlog if it does not already exist,
// firing ALERT_SYSTEM_REGISTERED on first creation only.
func (a *AlertSystems) RegisterAlertSystem(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byName[name]; ok {
		return nil
	}
	a.byName[name] = make(chan string, alertQueueCapacity)
	a.bus.Fire(events.Event{Name: events.AlertSystemRegistered, Data: map[string]string{"name": name}})
	return nil
}

// UnregisterAlertSystem removes name's backlog, firing
// ALERT_SYSTEM_UNREGISTERED. Unregistering an absent name is an
// UnknownAlertSystem error.
func (a *AlertSystems) UnregisterAlertSystem(name string) error {
	a.mu.Lock()
	ch, ok := a.byName[name]
	if ok {
		close(ch)
		delete(a.byName, name)
	}
	a.mu.Unlock()

	if !ok {
		return aceerr.UnknownAlertSystem(name)
	}
	a.bus.Fire(events.Event{Name: events.AlertSystemUnregistered, Data: map[string]string{"name": name}})
	return nil
}

// GetAlerts drains and returns every root UUID currently queued for name,
// or an UnknownAlertSystem error if name is not registered.
func (a *AlertSystems) GetAlerts(name string) ([]string, error) {
	a.mu.Lock()
	ch, ok := a.byName[name]
	a.mu.Unlock()
	if !ok {
		return nil, aceerr.UnknownAlertSystem(name)
	}

	var roots []string
	for {
		select {
		case rootUUID := <-ch:
			roots = append(roots, rootUUID)
		default:
			return roots, nil
		}
	}
}

// PushAlert enqueues rootUUID onto every registered alert system's
// backlog. A full backlog (an alert system that never drains) drops the
// alert for that one system rather than blocking the quiescent-root path
// for every other alert system.
func (a *AlertSystems) PushAlert(rootUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, ch := range a.byName {
		select {
		case ch <- rootUUID:
		default:
			a.bus.Fire(events.Event{Name: events.Alert, Data: map[string]string{"name": name, "root_uuid": rootUUID, "dropped": "true"}})
		}
	}
}
