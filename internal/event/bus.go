package event

import "sort"

// Router answers routing queries for the bus. The hat registry implements
// this; tests can inject a fixed table.
type Router interface {
	// HatForTopic returns the single hat that should receive a topic.
	// ok is false when no specialized hat matches; the bus then delivers
	// the event to its coordinator queue.
	HatForTopic(topic Topic) (string, bool)
}

// Observer receives a read-only copy of every published event together with
// the queue it was delivered to. Observers must not block.
type Observer func(ev Event, deliveredTo string)

// HumanQueue is the reserved queue name for human.* events.
const HumanQueue = "human"

// Bus routes published events into per-hat FIFO queues.
//
// The bus lives for exactly one loop run. It is driven from the single loop
// goroutine, so no locking is needed; observers are invoked synchronously.
type Bus struct {
	router      Router
	coordinator string
	queues      map[string][]Event
	human       []Event
	observers   []Observer
}

// NewBus creates a bus routing via router, with fallback to the coordinator
// hat id for unrouted events.
func NewBus(router Router, coordinator string) *Bus {
	return &Bus{
		router:      router,
		coordinator: coordinator,
		queues:      make(map[string][]Event),
	}
}

// Publish delivers ev to exactly one queue and never drops it:
// human.* topics go to the human queue, explicit targets bypass routing,
// and anything unrouted lands on the coordinator.
func (b *Bus) Publish(ev Event) {
	if ev.Topic.IsHuman() {
		b.human = append(b.human, ev)
		b.notify(ev, HumanQueue)
		return
	}
	if ev.Target != "" {
		b.queues[ev.Target] = append(b.queues[ev.Target], ev)
		b.notify(ev, ev.Target)
		return
	}
	target := b.coordinator
	if hatID, ok := b.router.HatForTopic(ev.Topic); ok {
		target = hatID
	}
	b.queues[target] = append(b.queues[target], ev)
	b.notify(ev, target)
}

// Deliver pushes ev straight onto a hat's queue, skipping topic routing
// and the human-queue diversion. The loop uses this to hand human.*
// responses back to the hat that asked, so they surface in the next prompt
// instead of cycling through the human queue.
func (b *Bus) Deliver(hatID string, ev Event) {
	b.queues[hatID] = append(b.queues[hatID], ev)
	b.notify(ev, hatID)
}

// Pending returns the number of events queued for a hat.
func (b *Bus) Pending(hatID string) int {
	return len(b.queues[hatID])
}

// HatsWithPending returns the hat ids that currently have queued events,
// sorted for deterministic selection.
func (b *Bus) HatsWithPending() []string {
	ids := make([]string, 0, len(b.queues))
	for id, q := range b.queues {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DrainPending removes and returns all events queued for a hat, in
// insertion order.
func (b *Bus) DrainPending(hatID string) []Event {
	q := b.queues[hatID]
	if len(q) == 0 {
		return nil
	}
	delete(b.queues, hatID)
	return q
}

// DrainAllPending removes and returns every queued event grouped by hat,
// in sorted hat order. Used for deterministic prompt construction and
// end-of-run diagnostics.
func (b *Bus) DrainAllPending() []PendingSet {
	ids := b.HatsWithPending()
	sets := make([]PendingSet, 0, len(ids))
	for _, id := range ids {
		sets = append(sets, PendingSet{HatID: id, Events: b.DrainPending(id)})
	}
	return sets
}

// DrainHuman removes and returns all events on the human queue.
func (b *Bus) DrainHuman() []Event {
	q := b.human
	b.human = nil
	return q
}

// Requeue moves all of a hat's pending events onto another hat's queue,
// preserving order. Used when a hat exhausts its activation budget.
func (b *Bus) Requeue(from, to string) int {
	q := b.DrainPending(from)
	if len(q) == 0 {
		return 0
	}
	b.queues[to] = append(b.queues[to], q...)
	return len(q)
}

// Observe registers a diagnostic observer. Observers see events after
// delivery and must not mutate them.
func (b *Bus) Observe(obs Observer) {
	if obs != nil {
		b.observers = append(b.observers, obs)
	}
}

func (b *Bus) notify(ev Event, deliveredTo string) {
	for _, obs := range b.observers {
		obs(ev, deliveredTo)
	}
}

// PendingSet is one hat's drained queue.
type PendingSet struct {
	HatID  string
	Events []Event
}
