package runtime

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDeliveryTrackerSize bounds how many message ids a channel remembers
// when the transport does not count deliveries itself.
const DefaultDeliveryTrackerSize = 10000

// deliveryTracker counts how often this process has seen a message id. It
// only sees redeliveries that come back to the same process, which is what
// gochannel, NATS core and single-replica brokers give us.
type deliveryTracker struct {
	mu   sync.Mutex
	seen *lru.Cache[string, int]
}

func newDeliveryTracker(size int) *deliveryTracker {
	if size <= 0 {
		size = DefaultDeliveryTrackerSize
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &deliveryTracker{seen: cache}
}

// Observe records one more delivery of id and returns the new count.
func (t *deliveryTracker) Observe(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count, _ := t.seen.Get(id)
	count++
	t.seen.Add(id, count)
	return count
}

// Forget drops id once the message reached a final disposition.
func (t *deliveryTracker) Forget(id string) {
	t.seen.Remove(id)
}

func (t *deliveryTracker) Len() int {
	return t.seen.Len()
}
