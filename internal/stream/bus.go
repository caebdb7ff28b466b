package stream

import "sync"

// subscriberBuffer is the channel capacity of each subscription. When a
// reader falls behind and its buffer fills, the oldest event is dropped to
// make room; the bus is a live progress feed, not a replay log.
const subscriberBuffer = 256

// Bus is the ordered, closable event feed owned by one execution. One
// producer (the detached execution) publishes; any number of readers
// subscribe. The first subscriber receives every event since the bus was
// created, so the caller that started the execution misses nothing even
// though it attaches after the execution goroutine is already running.
// Later subscribers receive events from the moment they attach. A terminal
// event closes the bus; later publishes are dropped, and late subscribers
// get just the terminal event.
type Bus struct {
	mu           sync.Mutex
	primary      chan Event
	primaryTaken bool
	subs         []chan Event
	closed       bool
	terminal     Event
}

// NewBus creates an open bus. The primary subscription starts buffering
// immediately.
func NewBus() *Bus {
	primary := make(chan Event, subscriberBuffer)
	return &Bus{primary: primary, subs: []chan Event{primary}}
}

// Subscribe attaches a reader. The first call returns the primary
// subscription with everything published so far; later calls see only
// subsequent events. The channel is closed after the terminal event.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.primaryTaken {
		b.primaryTaken = true
		return b.primary
	}
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		ch <- b.terminal
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber. Returns false if the bus
// is already closed (the event is dropped: the execution keeps running
// after its terminal event even though nothing more is observable).
//
// Terminal events must go through CloseWith so that closing and the final
// send are atomic.
func (b *Bus) Publish(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	for _, ch := range b.subs {
		send(ch, ev)
	}
	return true
}

// CloseWith publishes the terminal event and closes the bus. Only the
// first call wins; later calls are no-ops returning false.
func (b *Bus) CloseWith(terminal Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	b.terminal = terminal
	for _, ch := range b.subs {
		send(ch, terminal)
		close(ch)
	}
	b.subs = nil
	return true
}

// Closed reports whether a terminal event has been published.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// send enqueues with drop-oldest overflow. Callers hold b.mu, so the
// producer side is single-threaded per channel.
func send(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		// Buffer full: evict the oldest event and retry.
		select {
		case <-ch:
		default:
		}
	}
}
