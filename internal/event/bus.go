package event

import (
	"log/slog"
	"slices"
	"sync"
)

// Handler receives events. Handlers run on the emitting goroutine and must
// not block; controllers forward events into their own loop.
type Handler func(Event)

type subscription struct {
	id    uint64
	kinds []Kind // empty: every kind
	fn    Handler
}

// Bus delivers each event to the subscribers of its kind, in subscription
// order.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
}

// NewBus creates an event bus. If log is nil, slog.Default() is used.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log.With("component", "events")}
}

// Subscribe registers fn for the given kinds, or for every event when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	s := &subscription{id: b.nextID, kinds: kinds, fn: fn}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(x *subscription) bool { return x.id == s.id })
	}
}

// Emit delivers e synchronously.
func (b *Bus) Emit(e Event) {
	k := e.Kind()
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.kinds) == 0 || slices.Contains(s.kinds, k) {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	if k == KindError {
		if ev, ok := e.(Error); ok && ev.Err != nil {
			b.log.Debug("emit", "event", k, "error", ev.Err)
		}
	}
	for _, fn := range targets {
		fn(e)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
