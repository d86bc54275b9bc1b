// Package bus is the in-process event fan-out feeding the gateway's SSE and
// WebSocket streams. Delivery is best-effort: a slow subscriber loses its
// oldest undelivered events, never blocks a publisher.
package bus

import "sync"

// Event is one frame on the local event stream.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription, decoupling the
// gateway and the brain runtime from the concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

const subscriberQueue = 64

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to named subscribers, each behind a bounded queue.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: map[string]*subscriber{}}
}

// Subscribe registers handler under id, replacing a previous subscription
// with the same id. The handler runs on a dedicated goroutine.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberQueue),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old.done)
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				handler(ev)
			}
		}
	}()
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.done)
		delete(b.subs, id)
	}
}

// Broadcast delivers event to every subscriber. A full queue drops its
// oldest entry to make room.
func (b *Bus) Broadcast(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}
