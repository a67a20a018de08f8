// Package events carries state-change notifications from the streaming core
// to its observers (CLI output, stats consumers, the fallback viewer) over a
// broadcast bus, replacing per-field observer callbacks.
package events

import (
	"sync"

	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("events")

// Kind identifies what changed.
type Kind int

const (
	KindStatus Kind = iota
	KindClientCount
	KindBrightness
	KindWarmth
	KindBacklight
	KindResolution
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindClientCount:
		return "clientCount"
	case KindBrightness:
		return "brightness"
	case KindWarmth:
		return "warmth"
	case KindBacklight:
		return "backlight"
	case KindResolution:
		return "resolution"
	default:
		return "unknown"
	}
}

// Event is a single state change. Value carries the numeric payload
// (brightness level, client count, preset ID, 0/1 for backlight); Text
// carries the status name or error message for KindStatus.
type Event struct {
	Kind  Kind
	Value int
	Text  string
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose channel is full misses the event, and observers are expected to
// re-query current state rather than replay history.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new observer with the given channel buffer and
// returns the receive channel plus a cancel function. Cancel is idempotent
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer space.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			if b.dropped == 1 || b.dropped%1000 == 0 {
				log.Debug("event dropped, subscriber slow", "kind", ev.Kind.String(), "totalDropped", b.dropped)
			}
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
