package event

// Handler is a user-supplied callable invoked once per matching
// record. Registration order is preserved and equals dispatch order.
type Handler func(Data) error

// Flag bits carried on an Event.
type Flag uint32

const (
	// FlagNoCallstack marks an event whose records never carry a
	// user call stack (e.g. COMM, FORK records). Dispatch does not
	// consult it; it only describes the event.
	FlagNoCallstack Flag = 1 << 0

	// FlagProxy marks an event that exists only to fan data out to
	// other events' handlers and is never dispatched to by the
	// ring-buffer session directly.
	FlagProxy Flag = 1 << 1
)

// Event is a named, typed record kind with zero or more handlers.
// Mutated only between sessions (handler addition) or during dispatch
// (error accumulation); destroyed with the owning session.
type Event struct {
	ID       uint64
	Name     string
	Format   *Format
	Flags    Flag
	handlers []Handler
}

// NewEvent creates an event with the given id, name and format.
func NewEvent(id uint64, name string, format *Format) *Event {
	return &Event{ID: id, Name: name, Format: format}
}

// AddHandler registers a handler, appending it to the dispatch order.
func (e *Event) AddHandler(h Handler) {
	e.handlers = append(e.handlers, h)
}

// HasFlag reports whether flag is set on the event.
func (e *Event) HasFlag(flag Flag) bool {
	return e.Flags&flag != 0
}

// SetFlag sets flag on the event.
func (e *Event) SetFlag(flag Flag) {
	e.Flags |= flag
}

// Dispatch invokes every registered handler, in registration order,
// with data. A handler returning an error does not stop the remaining
// handlers from running; every error is appended to errs in handler
// order. Dispatch never panics on a handler error.
func (e *Event) Dispatch(data Data, errs *[]error) {
	for _, h := range e.handlers {
		if err := h(data); err != nil {
			*errs = append(*errs, err)
		}
	}
}
