package cache

import (
	"sync"

	"quoteflow/internal/event"
)

// Latest holds the most recent event per (venue, symbol, kind). Reads never
// block ingestion: writers race through compare-and-swap and readers get
// whatever the last completed write left behind.
type Latest struct {
	m sync.Map // event key -> *event.Event
}

func New() *Latest {
	return &Latest{}
}

// Apply folds one event into the cache. Ordering is by ingestion time, so a
// late arrival never overwrites fresher data and replaying an event is a
// no-op.
func (c *Latest) Apply(ev *event.Event) {
	key := ev.Key()
	for {
		cur, ok := c.m.Load(key)
		if !ok {
			if _, loaded := c.m.LoadOrStore(key, ev); !loaded {
				return
			}
			continue
		}
		existing := cur.(*event.Event)
		if !ev.IngestedAt.After(existing.IngestedAt) {
			return
		}
		if c.m.CompareAndSwap(key, cur, ev) {
			return
		}
	}
}

// Get returns the latest event for the key, if any.
func (c *Latest) Get(venue, symbol string, kind event.Kind) (*event.Event, bool) {
	v, ok := c.m.Load(venue + "|" + symbol + "|" + string(kind))
	if !ok {
		return nil, false
	}
	return v.(*event.Event), true
}

// Find returns every cached event matching the filters. Empty venue or
// symbol and the empty kind act as wildcards. Order is unspecified.
func (c *Latest) Find(venue, symbol string, kind event.Kind) []*event.Event {
	var out []*event.Event
	c.m.Range(func(_, v any) bool {
		ev := v.(*event.Event)
		if venue != "" && ev.Venue != venue {
			return true
		}
		if symbol != "" && ev.CanonicalSymbol != symbol {
			return true
		}
		if kind != "" && ev.Kind != kind {
			return true
		}
		out = append(out, ev)
		return true
	})
	return out
}

// Snapshot returns every cached event. Order is unspecified.
func (c *Latest) Snapshot() []*event.Event {
	var out []*event.Event
	c.m.Range(func(_, v any) bool {
		out = append(out, v.(*event.Event))
		return true
	})
	return out
}

// Consume applies events from the channel until it closes.
func (c *Latest) Consume(ch <-chan *event.Event) {
	for ev := range ch {
		c.Apply(ev)
	}
}
