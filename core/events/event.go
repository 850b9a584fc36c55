package events

import (
	"sync"

	"poolledger/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. API streams, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Structured carries a rendered types.Event through an Emitter.
type Structured struct {
	Evt *types.Event
}

// EventType implements Event.
func (s Structured) EventType() string {
	if s.Evt == nil {
		return ""
	}
	return s.Evt.Type
}

// Event returns the rendered payload.
func (s Structured) Event() *types.Event { return s.Evt }

// Render extracts a types.Event from any emitted value that carries one.
func Render(evt Event) (*types.Event, bool) {
	type renderer interface{ Event() *types.Event }
	if r, ok := evt.(renderer); ok && r.Event() != nil {
		return r.Event(), true
	}
	return nil, false
}

// Buffer collects events until Flush hands them to the downstream emitter.
// The pool service uses it so that subscribers only observe committed state.
type Buffer struct {
	mu      sync.Mutex
	pending []Event
}

// Emit implements Emitter.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, evt)
	b.mu.Unlock()
}

// Flush forwards buffered events in emission order and empties the buffer.
func (b *Buffer) Flush(dst Emitter) int {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if dst == nil {
		return 0
	}
	for _, evt := range pending {
		dst.Emit(evt)
	}
	return len(pending)
}

// Reset drops buffered events.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

// Multi fans each event out to every non-nil emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(evt Event) {
	for _, dst := range m {
		if dst != nil {
			dst.Emit(evt)
		}
	}
}
