package upload

import (
	"sync"

	"github.com/voxscribe/upload/uptypes"
)

// listenerBuffer is the per-listener event queue depth. A listener that
// falls this far behind starts losing events rather than blocking transfers.
const listenerBuffer = 128

// broker fans engine events out to subscribers. Each listener gets its own
// buffered channel; publishing never blocks, so a slow consumer can only
// lose its own events.
type broker struct {
	mu        sync.Mutex
	listeners map[int]chan uptypes.Event
	nextID    int
	closed    bool
}

func newBroker() *broker {
	return &broker{
		listeners: make(map[int]chan uptypes.Event),
	}
}

// subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel delivers only events published after
// the subscription; it is closed on unsubscribe or broker shutdown.
func (b *broker) subscribe() (<-chan uptypes.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan uptypes.Event, listenerBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.listeners[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.listeners[id]; ok {
				delete(b.listeners, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// publish delivers the event to every current listener without blocking.
// A listener whose buffer is full misses this event; order is preserved for
// the events it does receive.
func (b *broker) publish(ev uptypes.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close shuts the broker down, closing every listener channel. Subsequent
// publishes are dropped and subsequent subscriptions get a closed channel.
func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.listeners {
		delete(b.listeners, id)
		close(ch)
	}
}
