package output

// Sink consumes delivery events for one execution.
//
// Deliver is called with the execution's state locked and must return
// promptly; a sink that talks to a slow consumer queues or coalesces instead
// of blocking, since stalling the pipe readers can deadlock the child.
// Close is called once after the final event and returns when everything
// queued has been handed off.
type Sink interface {
	Deliver(ev Event)
	Close() error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ev Event)

func (f SinkFunc) Deliver(ev Event) { f(ev) }

func (f SinkFunc) Close() error { return nil }

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) {})
