// ABOUTME: Tests for the dedupe Window.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow(ttl time.Duration, size int) (*Window, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := New(ttl, size)
	w.now = clock.now
	return w, clock
}

func TestWindow_CheckAndMark(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 8)

	assert.False(t, w.Seen("$evt1"))
	assert.False(t, w.CheckAndMark("$evt1"), "first sighting is new")
	assert.True(t, w.CheckAndMark("$evt1"), "second sighting is a duplicate")
	assert.True(t, w.Seen("$evt1"))
	assert.False(t, w.CheckAndMark("$evt2"))
	assert.Equal(t, 2, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 8)

	w.CheckAndMark("$evt1")
	clock.advance(59 * time.Second)
	assert.True(t, w.Seen("$evt1"))

	clock.advance(time.Second)
	assert.False(t, w.Seen("$evt1"))
	assert.False(t, w.CheckAndMark("$evt1"), "expired key counts as new")
	assert.True(t, w.CheckAndMark("$evt1"))
	assert.Equal(t, 1, w.Len(), "refresh reuses the existing slot")
}

func TestWindow_EvictsOldest(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 3)

	for i := 1; i <= 3; i++ {
		w.CheckAndMark(fmt.Sprintf("k%d", i))
	}
	w.CheckAndMark("k4")

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("k1"), "oldest entry evicted")
	assert.True(t, w.Seen("k2"))
	assert.True(t, w.Seen("k4"))
	assert.False(t, w.CheckAndMark("k1"), "evicted key is new again")
	assert.False(t, w.Seen("k2"), "k2 now oldest and evicted")
}

func TestWindow_EmptyKey(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 2)
	assert.False(t, w.CheckAndMark(""))
	assert.False(t, w.CheckAndMark(""))
	assert.Equal(t, 0, w.Len())
}

func TestWindow_Defaults(t *testing.T) {
	w := New(0, 0)
	assert.Equal(t, time.Hour, w.ttl)
	assert.Len(t, w.ring, 1024)
}

func TestWindow_ConcurrentSingleWinner(t *testing.T) {
	w := New(time.Minute, 64)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.CheckAndMark("$same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one goroutine sees the key as new")
}
