package common

import (
	"log/slog"
	"sync"
)

// EventKind is the closed set of notifications C8 delivers to cache
// subscribers, per spec.md §4.6.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
	EventCacheHydrate
	EventRolledback
)

// TicketEvent is the payload handed to every subscriber. Only the fields
// relevant to Kind are populated; callers switch on Kind before reading them.
type TicketEvent struct {
	Kind        EventKind
	TicketID    string
	BusinessKey string
	Snapshot    any
	Meta        string
}

// Subscriber receives events after the publishing unit of work has
// committed. Per spec.md §4.6 it must not raise and must treat its own
// failures as non-fatal; Publish recovers a panicking subscriber so one
// broken cache listener cannot affect the others or the caller.
type Subscriber func(TicketEvent)

// EventBus is the C8 process-local pub/sub. It carries no cross-process
// state: it exists solely to keep a single process's read cache coherent
// with whatever committed the unit of work that published the event.
type EventBus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a listener. Order of registration is the order events
// are delivered within one Publish call.
func (b *EventBus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Publish delivers ev to every subscriber in registration order. Callers
// must invoke Publish only after their unit of work has committed; events
// from one unit of work are therefore always delivered in publish order,
// though concurrent commits from different goroutines may interleave their
// respective Publish calls.
func (b *EventBus) Publish(ev TicketEvent) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *EventBus) deliver(sub Subscriber, ev TicketEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event bus subscriber panicked, dropping", "panic", r, "kind", ev.Kind, "ticket_id", ev.TicketID)
		}
	}()
	sub(ev)
}

// PublishCreated is a convenience wrapper for the Created(id, snapshot) kind.
func (b *EventBus) PublishCreated(ticketID string, snapshot any) {
	b.Publish(TicketEvent{Kind: EventCreated, TicketID: ticketID, Snapshot: snapshot})
}

// PublishUpdated is a convenience wrapper for the Updated(id, snapshot) kind.
func (b *EventBus) PublishUpdated(ticketID string, snapshot any) {
	b.Publish(TicketEvent{Kind: EventUpdated, TicketID: ticketID, Snapshot: snapshot})
}

// PublishDeleted is a convenience wrapper for the Deleted(id, business_key) kind.
func (b *EventBus) PublishDeleted(ticketID, businessKey string) {
	b.Publish(TicketEvent{Kind: EventDeleted, TicketID: ticketID, BusinessKey: businessKey})
}

// PublishRolledback is a convenience wrapper for the Rolledback(meta) kind,
// used when a unit of work is abandoned after partial cache hydration.
func (b *EventBus) PublishRolledback(meta string) {
	b.Publish(TicketEvent{Kind: EventRolledback, Meta: meta})
}
