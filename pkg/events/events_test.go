package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	events     []Event
	err        error
	exceptions []error
	panicOnExc bool
}

func (h *recordingHandler) HandleEvent(e Event) error {
	h.events = append(h.events, e)
	return h.err
}

func (h *recordingHandler) HandleException(e Event, err error) {
	if h.panicOnExc {
		panic("oh_noes")
	}
	h.exceptions = append(h.exceptions, err)
}

func TestRegisterHandlerAndFire(t *testing.T) {
	b := NewBroker()
	h := &recordingHandler{}

	b.RegisterHandler(RootNew, h)
	b.Fire(Event{Name: RootNew, RootUUID: "root-1"})

	assert.Len(t, h.events, 1)
	assert.Equal(t, "root-1", h.events[0].RootUUID)
	assert.False(t, h.events[0].Timestamp.IsZero(), "Fire stamps a timestamp when unset")
}

func TestRegisterHandlerIdempotent(t *testing.T) {
	b := NewBroker()
	h := &recordingHandler{}

	b.RegisterHandler(RootNew, h)
	b.RegisterHandler(RootNew, h)

	assert.Len(t, b.GetHandlers(RootNew), 1, "duplicate registration by identity is a no-op")
}

func TestRemoveHandlerSpecificName(t *testing.T) {
	b := NewBroker()
	h := &recordingHandler{}

	b.RegisterHandler(RootNew, h)
	b.RegisterHandler(RootDeleted, h)
	b.RemoveHandler(h, RootNew)

	assert.Empty(t, b.GetHandlers(RootNew))
	assert.Len(t, b.GetHandlers(RootDeleted), 1)
}

func TestRemoveHandlerAllNames(t *testing.T) {
	b := NewBroker()
	h := &recordingHandler{}

	b.RegisterHandler(RootNew, h)
	b.RegisterHandler(RootDeleted, h)
	b.RemoveHandler(h)

	assert.Empty(t, b.GetHandlers(RootNew))
	assert.Empty(t, b.GetHandlers(RootDeleted))
}

func TestFireRoutesErrorToHandleException(t *testing.T) {
	b := NewBroker()
	h := &recordingHandler{err: errors.New("boom")}

	b.RegisterHandler(AMTNew, h)
	b.Fire(Event{Name: AMTNew, AMT: "hash_lookup"})

	assert.Len(t, h.exceptions, 1)
	assert.EqualError(t, h.exceptions[0], "boom")
}

func TestFireSwallowsPanicInHandleException(t *testing.T) {
	b := NewBroker()
	h := &recordingHandler{err: errors.New("boom"), panicOnExc: true}

	b.RegisterHandler(AMTNew, h)
	assert.NotPanics(t, func() {
		b.Fire(Event{Name: AMTNew})
	})
}

func TestOnFireHookInvokedAfterDispatch(t *testing.T) {
	b := NewBroker()
	var seen []Name
	b.OnFire(func(e Event) { seen = append(seen, e.Name) })

	b.Fire(Event{Name: CacheHit})
	b.Fire(Event{Name: CacheNew})

	assert.Equal(t, []Name{CacheHit, CacheNew}, seen)
}

func TestFireNoSubscribersDoesNotPanic(t *testing.T) {
	b := NewBroker()
	assert.NotPanics(t, func() {
		b.Fire(Event{Name: WorkAdd})
	})
}
