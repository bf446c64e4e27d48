// Package bus is a typed in-process publish/subscribe hub.
//
// Subscribers receive values on a buffered channel and must release their
// handle with Unsubscribe. Publishing never blocks: a subscriber whose buffer
// is full misses the value and the drop is counted on its handle.
package bus

import (
	"sync"

	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/eventq"
)

// DefaultBuffer is the per-subscription channel capacity used when New is
// given a non-positive size.
const DefaultBuffer = 256

// Bus routes values of type T to subscribers of topic K.
type Bus[K comparable, T any] struct {
	name   string
	buffer int

	mu     sync.RWMutex
	nextID uint64
	topics map[K]map[uint64]*Subscription[K, T]
	all    map[uint64]*Subscription[K, T]
}

// New creates a bus. name only labels debug output.
func New[K comparable, T any](name string, buffer int) *Bus[K, T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[K, T]{
		name:   name,
		buffer: buffer,
		topics: make(map[K]map[uint64]*Subscription[K, T]),
		all:    make(map[uint64]*Subscription[K, T]),
	}
}

// Subscription is a handle on one subscriber's channel.
type Subscription[K comparable, T any] struct {
	bus      *Bus[K, T]
	id       uint64
	topic    K
	wildcard bool
	ch       chan T
	once     sync.Once
	drops    eventq.DropCounter
}

// C returns the receive channel. It is closed by Unsubscribe.
func (s *Subscription[K, T]) C() <-chan T {
	return s.ch
}

// Topic returns the subscribed topic (zero value for SubscribeAll handles).
func (s *Subscription[K, T]) Topic() K {
	return s.topic
}

// Dropped reports how many values were not delivered because the buffer was full.
func (s *Subscription[K, T]) Dropped() int64 {
	return s.drops.Dropped()
}

// Unsubscribe detaches the handle and closes its channel. Safe to call more
// than once.
func (s *Subscription[K, T]) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Subscribe registers interest in topic.
func (b *Bus[K, T]) Subscribe(topic K) *Subscription[K, T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription[K, T]{bus: b, id: b.nextID, topic: topic, ch: make(chan T, b.buffer)}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[uint64]*Subscription[K, T])
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub
}

// SubscribeAll registers a subscriber that receives every published value.
func (b *Bus[K, T]) SubscribeAll() *Subscription[K, T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription[K, T]{bus: b, id: b.nextID, wildcard: true, ch: make(chan T, b.buffer)}
	b.all[sub.id] = sub
	return sub
}

func (b *Bus[K, T]) remove(sub *Subscription[K, T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.wildcard {
		delete(b.all, sub.id)
	} else if subs := b.topics[sub.topic]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	close(sub.ch)
}

// Publish delivers v to every subscriber of topic and to wildcard
// subscribers. It returns the number of subscribers that received it.
func (b *Bus[K, T]) Publish(topic K, v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.topics[topic] {
		if eventq.OfferCounted(&sub.drops, sub.ch, v) {
			delivered++
		} else {
			debug.LogKV("bus", "dropping value due to backpressure", "bus", b.name, "topic", topic, "sub", sub.id)
		}
	}
	for _, sub := range b.all {
		if eventq.OfferCounted(&sub.drops, sub.ch, v) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions for topic.
func (b *Bus[K, T]) Subscribers(topic K) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
