package runtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryTrackerCountsPerID(t *testing.T) {
	tracker := newDeliveryTracker(0)

	assert.Equal(t, 1, tracker.Observe("a"))
	assert.Equal(t, 2, tracker.Observe("a"))
	assert.Equal(t, 1, tracker.Observe("b"))
	assert.Equal(t, 2, tracker.Len())

	tracker.Forget("a")
	assert.Equal(t, 1, tracker.Len())
	assert.Equal(t, 1, tracker.Observe("a"))
}

func TestDeliveryTrackerEvictsOldest(t *testing.T) {
	tracker := newDeliveryTracker(2)

	tracker.Observe("a")
	tracker.Observe("b")
	tracker.Observe("c")

	assert.Equal(t, 2, tracker.Len())
	assert.Equal(t, 1, tracker.Observe("a"), "evicted ids start over")
}

func TestDeliveryTrackerConcurrentObserve(t *testing.T) {
	tracker := newDeliveryTracker(100)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Observe("shared")
			tracker.Observe(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, 51, tracker.Observe("shared"))
}
