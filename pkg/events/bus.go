// Package events provides the CASYS in-process event bus.
//
// The planning engine emits a small, fixed vocabulary of events so that
// observers (telemetry, tests) can follow graph and algorithm activity
// without coupling to component internals. There is exactly one fan-out
// mechanism; components publish, subscribers receive synchronously.
//
// Event names:
//   - graph.synced
//   - graph.edge.created
//   - graph.edge.updated
//   - graph.metrics.computed
//   - algorithm.scored
package events

import (
	"sync"
	"time"
)

// Event names emitted by the planning engine.
const (
	GraphSynced     = "graph.synced"
	EdgeCreated     = "graph.edge.created"
	EdgeUpdated     = "graph.edge.updated"
	MetricsComputed = "graph.metrics.computed"
	AlgorithmScored = "algorithm.scored"
)

// Event is a single bus emission.
type Event struct {
	Name   string
	At     time.Time
	Fields map[string]any
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is a thread-safe fan-out event bus.
//
// Example:
//
//	bus := events.NewBus()
//	bus.Subscribe(events.GraphSynced, func(e events.Event) {
//		fmt.Println("synced:", e.Fields["nodes"])
//	})
//	bus.Publish(events.GraphSynced, map[string]any{"nodes": 42})
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a single event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers an event to all matching handlers. A nil bus is a no-op
// so components can hold an optional bus without nil checks at every call
// site.
func (b *Bus) Publish(name string, fields map[string]any) {
	if b == nil {
		return
	}
	ev := Event{Name: name, At: time.Now(), Fields: fields}

	b.mu.RLock()
	matched := b.handlers[name]
	all := b.all
	b.mu.RUnlock()

	for _, h := range matched {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
