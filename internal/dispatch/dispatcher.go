// Package dispatch fans decoded wire events out to registered handlers.
// Pure routing: no buffering, no reordering. Events nobody listens for are
// discarded and counted.
package dispatch

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ilyrer/immonow-comms/internal/proto"
	"github.com/ilyrer/immonow-comms/internal/util"
)

var log = logging.Logger("comms/dispatch")

// Handler consumes one decoded event. Handlers run synchronously on the
// delivery goroutine; slow handlers delay subsequent events.
type Handler func(proto.Event)

const recentDiscards = 64

type subscription struct {
	kind proto.Kind
	fn   Handler
}

// Dispatcher routes events by kind. Multiple handlers may subscribe to the
// same kind; each sees every event of that kind in delivery order.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[proto.Kind][]*subscription

	discarded uint64
	recent    *util.Ring[proto.Kind]
}

func New() *Dispatcher {
	return &Dispatcher{
		subs:   make(map[proto.Kind][]*subscription),
		recent: util.NewRing[proto.Kind](recentDiscards),
	}
}

// Subscribe registers a handler for one event kind and returns a cancel
// function. Cancel is idempotent.
func (d *Dispatcher) Subscribe(kind proto.Kind, fn Handler) (cancel func()) {
	sub := &subscription{kind: kind, fn: fn}
	d.mu.Lock()
	d.subs[kind] = append(d.subs[kind], sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(sub) })
	}
}

func (d *Dispatcher) remove(sub *subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[sub.kind]
	for i, s := range list {
		if s == sub {
			d.subs[sub.kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Dispatch routes ev to every handler subscribed to its kind, in the order
// they subscribed. With no handler the event is dropped.
func (d *Dispatcher) Dispatch(ev proto.Event) {
	d.mu.RLock()
	list := d.subs[ev.Kind]
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.fn
	}
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.mu.Lock()
		d.discarded++
		d.mu.Unlock()
		d.recent.Push(ev.Kind)
		log.Debugf("no handler for %q, dropped", ev.Kind)
		return
	}
	for _, fn := range handlers {
		fn(ev)
	}
}

// Discarded returns how many events were dropped for lack of a handler.
func (d *Dispatcher) Discarded() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.discarded
}

// RecentDiscards returns the kinds of the last dropped events, oldest first.
func (d *Dispatcher) RecentDiscards() []proto.Kind {
	return d.recent.Snapshot()
}
