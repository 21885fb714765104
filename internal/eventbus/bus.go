// Package eventbus carries committed board mutations from the board service
// to whoever relays them (the realtime hub, debug logging, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one committed mutation. Origin is the websocket connection id of
// the client that caused it, empty for changes made without one.
type Event struct {
	Seq    uint64
	Type   string
	Origin string
	Time   time.Time
	Data   any
}

// Bus is implemented by *Local. Publish never blocks.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Stats counts deliveries since the bus was created.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// Local fans events out to in-process subscribers. A subscriber whose buffer
// is full misses the event; other subscribers are unaffected.
type Local struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}

	seq       atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type subscription struct {
	ch    chan Event
	types map[string]struct{} // nil means every type
}

func (s *subscription) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

func New() *Local {
	return &Local{subs: make(map[*subscription]struct{})}
}

// Publish stamps e with the next sequence number (and the current time when
// unset) and offers it to every matching subscriber.
func (b *Local) Publish(e Event) {
	e.Seq = b.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Sends are non-blocking, so holding the read lock keeps unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered receiver. With types given, only events of
// those types are delivered. The returned func closes the channel and is safe
// to call more than once.
func (b *Local) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Local) Stats() Stats {
	return Stats{
		Published: b.seq.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}
