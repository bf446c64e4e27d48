// Package eventq holds the non-blocking send helpers used wherever a
// producer must never wait on a consumer.
package eventq

import (
	"context"
	"sync/atomic"
)

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full
// or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// OfferContext performs a non-blocking send that also respects context cancellation.
func OfferContext[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return Offer(ch, value)
}

// DropCounter counts values that Offer could not deliver.
type DropCounter struct {
	n atomic.Int64
}

// OfferCounted sends like Offer and counts a drop on failure.
func OfferCounted[T any](c *DropCounter, ch chan<- T, value T) bool {
	if Offer(ch, value) {
		return true
	}
	c.n.Add(1)
	return false
}

// Dropped returns the number of values dropped so far.
func (c *DropCounter) Dropped() int64 {
	return c.n.Load()
}
