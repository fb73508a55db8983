package router

import (
	"sync"
	"sync/atomic"

	"quoteflow/internal/event"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
)

// Router fans normalized events out to every registered consumer. Each
// consumer owns a bounded queue; when a queue is full the oldest queued
// event is evicted so the newest data always gets in. Publish never blocks,
// whatever the consumers are doing.
type Router struct {
	log *logger.Log

	mu     sync.RWMutex
	outs   []*output
	closed bool
}

type output struct {
	name  string
	ch    chan *event.Event
	drops uint64
}

func New(log *logger.Log) *Router {
	return &Router{log: log}
}

// Register adds a consumer queue and returns its delivery channel. The
// channel is closed by Close; consumers range over it until then.
func (r *Router) Register(name string, depth int) <-chan *event.Event {
	if depth <= 0 {
		depth = 1
	}
	o := &output{name: name, ch: make(chan *event.Event, depth)}
	r.mu.Lock()
	r.outs = append(r.outs, o)
	r.mu.Unlock()
	return o.ch
}

// Publish delivers the event to every consumer queue, evicting the oldest
// entry of any queue that is full. The read lock is held across the sends;
// they never block, and it keeps Publish safe against a concurrent Close
// from a straggling connection.
func (r *Router) Publish(ev *event.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	for _, o := range r.outs {
		select {
		case o.ch <- ev:
			continue
		default:
		}

		// Queue full: evict one, then retry once. The consumer may have
		// drained a slot in between, in which case nothing is lost.
		select {
		case dropped := <-o.ch:
			atomic.AddUint64(&o.drops, 1)
			metrics.EmitDropMetric(r.log, metrics.DropMetricSinkOverload, dropped.Venue, dropped.CanonicalSymbol, o.name)
		default:
		}
		select {
		case o.ch <- ev:
		default:
			atomic.AddUint64(&o.drops, 1)
			metrics.EmitDropMetric(r.log, metrics.DropMetricSinkOverload, ev.Venue, ev.CanonicalSymbol, o.name)
		}
	}
}

// Drops reports how many events a consumer's queue has evicted.
func (r *Router) Drops(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.outs {
		if o.name == name {
			return atomic.LoadUint64(&o.drops)
		}
	}
	return 0
}

// Close closes every consumer channel. Later Publish calls are no-ops.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, o := range r.outs {
		close(o.ch)
	}
}
