// Package pubsub fans snapshot values out to in-process subscribers.
package pubsub

import "sync"

// SubscriberBuffer is the per-subscriber channel capacity.
const SubscriberBuffer = 64

// Broker fans values out to subscribers. Publish never blocks: a subscriber whose buffer
// is full misses the value and can re-read the current snapshot.
type Broker[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

// New returns an empty Broker.
func New[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a receive channel and a cancel func that closes it.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan T, SubscriberBuffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish sends v to every subscriber. mu is held across the sends so cancel cannot close a channel mid-send.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
