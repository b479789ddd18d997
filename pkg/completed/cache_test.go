package completed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func TestCacheRememberAndExpire(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := New(180 * time.Second).WithClock(clock.Now)

	cache.Remember(101, 102)
	assert.True(t, cache.IsRecentlyCompleted(101))
	assert.True(t, cache.IsRecentlyCompleted(102))
	assert.False(t, cache.IsRecentlyCompleted(103))

	clock.now = clock.now.Add(179 * time.Second)
	assert.True(t, cache.IsRecentlyCompleted(101))

	clock.now = clock.now.Add(2 * time.Second)
	assert.False(t, cache.IsRecentlyCompleted(101))
}

func TestCacheFilterPreservesOrder(t *testing.T) {
	cache := New(time.Minute)
	cache.Remember(2)

	assert.Equal(t, []int64{3, 1}, cache.Filter([]int64{3, 2, 1}))
}

func TestCachePrune(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := New(10 * time.Second).WithClock(clock.Now)

	cache.Remember(1)
	clock.now = clock.now.Add(5 * time.Second)
	cache.Remember(2)
	clock.now = clock.now.Add(6 * time.Second)

	assert.Equal(t, 1, cache.Prune())
	assert.Equal(t, 1, cache.Size())
	assert.True(t, cache.IsRecentlyCompleted(2))
}

func TestNewDefaultsTTL(t *testing.T) {
	cache := New(0)
	assert.Equal(t, DefaultTTL, cache.ttl)
}
