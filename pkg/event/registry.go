package event

import "github.com/pkg/errors"

// ErrUnknownEvent is reported to the dispatch error list when a record
// carries an event id with no registered Event.
var ErrUnknownEvent = errors.New("event: unknown event id")

// Registry looks up Events by id and routes dispatch to them. It is
// the session-facing half of the decoding/dispatch core: the
// ring-buffer session calls Register once per known record type at
// setup, then DispatchByID once per record it decodes.
type Registry struct {
	byID map[uint64]*Event
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]*Event)}
}

// Register adds an event, indexed by its id. Registering an id twice
// replaces the previous event.
func (r *Registry) Register(e *Event) {
	r.byID[e.ID] = e
}

// Lookup returns the event registered under id, if any.
func (r *Registry) Lookup(id uint64) (*Event, bool) {
	e, ok := r.byID[id]
	return e, ok
}

// DispatchByID locates the event for id and dispatches data to its
// handlers. If id has no registered event, ErrUnknownEvent is appended
// to errs and no handlers run; this never aborts the caller's batch.
func (r *Registry) DispatchByID(id uint64, data Data, errs *[]error) {
	e, ok := r.byID[id]
	if !ok {
		*errs = append(*errs, errors.Wrapf(ErrUnknownEvent, "id=%d", id))
		return
	}
	e.Dispatch(data, errs)
}
