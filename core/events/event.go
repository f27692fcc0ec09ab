package events

// Event represents a structured state change emitted by the custodian.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the gateway audit
// log or an external indexer).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// CollectEmitter retains emitted events in order. Test helper.
type CollectEmitter struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (c *CollectEmitter) Emit(e Event) {
	c.Events = append(c.Events, e)
}
