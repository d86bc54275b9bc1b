package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBroadcastFanOut(t *testing.T) {
	b := New()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(id string) EventHandler {
		return func(ev Event) {
			mu.Lock()
			got[id] = append(got[id], ev.Name)
			mu.Unlock()
		}
	}
	b.Subscribe("a", record("a"))
	b.Subscribe("b", record("b"))

	b.Broadcast(Event{Name: "one"})
	b.Broadcast(Event{Name: "two"})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := len(got["a"]) == 2 && len(got["b"]) == 2
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivery incomplete: %+v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var mu sync.Mutex
	count := 0
	b.Subscribe("a", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	b.Unsubscribe("a")

	b.Broadcast(Event{Name: "late"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("delivered %d events after unsubscribe", count)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()

	block := make(chan struct{})
	var mu sync.Mutex
	var names []string
	b.Subscribe("slow", func(ev Event) {
		<-block
		mu.Lock()
		names = append(names, ev.Name)
		mu.Unlock()
	})

	// Overfill: one event is in the handler, subscriberQueue in the buffer,
	// the rest force drops. Publishers must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueue*3; i++ {
			b.Broadcast(Event{Name: "n"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	close(block)
}
