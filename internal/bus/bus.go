package bus

import "sync"

// Bus fans typed events out to subscribers. A slow subscriber loses events,
// it never slows the publisher.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs []*Subscription[T]
}

// Subscription is one subscriber queue of a Bus.
type Subscription[T any] struct {
	*Queue[T]
	bus *Bus[T]
}

// NewBus creates a bus without subscribers.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe adds a subscriber with its own bounded queue.
func (b *Bus[T]) Subscribe(capacity int) *Subscription[T] {
	sub := &Subscription[T]{Queue: NewQueue[T](capacity), bus: b}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Publish offers e to every subscriber and returns how many dropped it.
func (b *Bus[T]) Publish(e T) (dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if err := sub.TryPublish(e); err != nil {
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Queue.Close()
	}
}

// Close removes the subscription from its bus and closes its queue.
func (s *Subscription[T]) Close() {
	b := s.bus
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.Queue.Close()
}
