package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe bus with prefix filtering on event
// kinds. The history engine and the sync scheduler publish; consumers pick a
// namespace such as "message." or "sync." and receive everything under it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextSub int
}

type subscription struct {
	namespace string
	events    chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers the event to every subscriber whose namespace prefixes
// its kind. Delivery never blocks; a subscriber that stopped draining its
// channel loses events rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.events <- evt:
		default:
		}
	}
}

// Subscribe registers interest in a kind namespace and returns the receiving
// channel along with a cancel function. buffer sizes the channel.
func (b *Bus) Subscribe(namespace string, buffer int) (<-chan Event, func()) {
	sub := &subscription{namespace: namespace, events: make(chan Event, buffer)}
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.events, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
