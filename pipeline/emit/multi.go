package emit

// MultiEmitter implements Emitter by fanning events out to several backends.
//
// Each event is delivered to every wrapped emitter in order. Nil emitters
// are skipped, so callers can pass optional backends without guarding.
//
// Example usage:
//
//	// Log to stdout and keep an in-memory history
//	buffered := emit.NewBufferedEmitter()
//	emitter := emit.NewMultiEmitter(
//		emit.NewLogEmitter(os.Stdout, false),
//		buffered,
//	)
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates a MultiEmitter wrapping the given emitters.
//
// The returned emitter is safe for concurrent use as long as every wrapped
// emitter is.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit forwards the event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		if e == nil {
			continue
		}
		e.Emit(event)
	}
}
