package robot

import (
	"sync"

	"github.com/maypok86/otter"
)

// Event is one normalized channel-data emission.
type Event struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// EventFunc receives channel-data events. Handlers run synchronously on the
// emitting path; keep them lightweight and non-blocking.
type EventFunc func(Event)

// lastEventCacheSize bounds the per-manager snapshot cache. A robot exposes
// a handful of channels; 32 leaves room without growing unbounded on
// misbehaving configs.
const lastEventCacheSize = 32

// eventHub fans manager events out to subscribers and retains the most
// recent event per channel for snapshot replay to newly attached clients.
type eventHub struct {
	mu     sync.RWMutex
	subs   map[int]EventFunc
	nextID int
	last   otter.Cache[string, Event]
}

func newEventHub() *eventHub {
	cache, err := otter.MustBuilder[string, Event](lastEventCacheSize).
		Cost(func(_ string, _ Event) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("robot: failed to create last-event cache: " + err.Error())
	}
	return &eventHub{
		subs: make(map[int]EventFunc),
		last: cache,
	}
}

// subscribe registers fn and returns its removal closure.
func (h *eventHub) subscribe(fn EventFunc) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// emit caches the event as the channel's latest value and delivers it to
// every subscriber.
func (h *eventHub) emit(ev Event) {
	h.last.Set(ev.Channel, ev)

	h.mu.RLock()
	fns := make([]EventFunc, 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// snapshot returns the latest event per channel, in no particular order.
func (h *eventHub) snapshot() []Event {
	var out []Event
	h.last.Range(func(_ string, ev Event) bool {
		out = append(out, ev)
		return true
	})
	return out
}

// close releases the cache resources.
func (h *eventHub) close() {
	h.last.Close()
}
