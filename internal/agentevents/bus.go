// Package agentevents is the client-facing notification bus: streaming
// "agent.*" events the turn pipeline emits alongside (but separate from)
// the events it persists to the event store (spec.md §4.2's provider
// event table, rightmost column). Built on watermill's in-process
// gochannel transport the way the teacher's internal/event.Bus is,
// but owned per-Orchestrator instead of a package-level singleton —
// the core carries no hidden global state.
package agentevents

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Kind is one of the "agent.*" notification names spec.md's provider
// event table emits (agent.turn_start, agent.tool_start, agent.tool_output,
// agent.tool_end, agent.turn_end, agent.compaction_started, ...).
type Kind string

const (
	KindTurnStart          Kind = "agent.turn_start"
	KindToolStart          Kind = "agent.tool_start"
	KindToolOutput         Kind = "agent.tool_output"
	KindToolEnd            Kind = "agent.tool_end"
	KindTurnEnd            Kind = "agent.turn_end"
	KindCompactionStarted  Kind = "agent.compaction_started"
	KindTurnInterrupted    Kind = "agent.turn_interrupted"
	KindSessionUpdated     Kind = "agent.session_updated"
)

// Event is one notification delivered to subscribers. Unlike a persisted
// types.Event, this never touches the event store.
type Event struct {
	Kind      Kind
	SessionID string
	Data      map[string]any
}

// Subscriber receives events synchronously from whichever goroutine
// published them, mirroring the teacher's callback shape.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans one session's turn-pipeline notifications out to any number
// of listeners (a CLI renderer, an HTTP/SSE adapter, a test observer).
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Kind][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// New creates a bus together with an in-process watermill gochannel,
// which Close closes. No event passes through the gochannel: Publish
// calls subscribers directly in the publisher's goroutine, which
// preserves Go type information the way channel-of-[]byte can't.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256, Persistent: false},
			watermill.NopLogger{},
		),
		subscribers: make(map[Kind][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 { return atomic.AddUint64(&b.nextID, 1) }

// Subscribe registers fn for one notification kind; the returned func
// unsubscribes.
func (b *Bus) Subscribe(kind Kind, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.subscribers[kind] = append(b.subscribers[kind], subscriberEntry{id, fn})
	return func() { b.unsubscribe(kind, id) }
}

// SubscribeAll registers fn for every notification kind.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id, fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[kind]
	for i, e := range subs {
		if e.id == id {
			b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every matching subscriber synchronously, in
// the caller's goroutine — the turn pipeline needs happens-before
// ordering against its own subsequent persistence calls, so fire-and-
// forget dispatch (as the teacher's async Publish does) isn't safe here.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[evt.Kind])+len(b.global))
	for _, e := range b.subscribers[evt.Kind] {
		subs = append(subs, e.fn)
	}
	for _, e := range b.global {
		subs = append(subs, e.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(evt)
	}
}

// Close shuts down the bus; further Publish/Subscribe calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[Kind][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}
