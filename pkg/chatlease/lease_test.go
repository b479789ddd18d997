package chatlease

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sonolbot/pkg/fsutil"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, dir string, pid int, clock *testClock, alive map[int]bool) *Manager {
	t.Helper()
	m, err := New(Config{
		Dir:    dir,
		TTL:    90 * time.Second,
		Logger: zerolog.Nop(),
		Now:    clock.Now,
		PID:    pid,
		ProcessAlive: func(p int) bool {
			return alive[p]
		},
	})
	require.NoError(t, err)
	return m
}

func TestTryAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	alive := map[int]bool{100: true, 200: true}
	ctx := context.Background()

	a := newTestManager(t, dir, 100, clock, alive)
	b := newTestManager(t, dir, 200, clock, alive)

	require.True(t, a.TryAcquire(ctx, 7, []int64{101}))
	assert.True(t, a.Owns(7))

	assert.False(t, b.TryAcquire(ctx, 7, []int64{102}), "second owner must be refused")

	lease, err := a.Read(7)
	require.NoError(t, err)
	assert.Equal(t, 100, lease.OwnerPID)
	assert.Equal(t, []int64{101}, lease.MessageIDs)
	assert.WithinDuration(t, clock.now.Add(90*time.Second), lease.ExpiresAt, 0)

	b.Release(ctx, 7, "not mine")
	_, err = os.Stat(filepath.Join(dir, "chat_7.json"))
	assert.NoError(t, err, "non-owner release must not delete the lease")

	a.Release(ctx, 7, "done")
	assert.False(t, a.Owns(7))
	_, err = os.Stat(filepath.Join(dir, "chat_7.json"))
	assert.True(t, os.IsNotExist(err))

	assert.True(t, b.TryAcquire(ctx, 7, []int64{102}))
}

func TestTryAcquireReclaimsExpiredLease(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	alive := map[int]bool{100: true, 200: true}
	ctx := context.Background()

	a := newTestManager(t, dir, 100, clock, alive)
	b := newTestManager(t, dir, 200, clock, alive)

	require.True(t, a.TryAcquire(ctx, 7, nil))

	clock.now = clock.now.Add(91 * time.Second)
	assert.True(t, b.TryAcquire(ctx, 7, nil))

	lease, err := b.Read(7)
	require.NoError(t, err)
	assert.Equal(t, 200, lease.OwnerPID)

	assert.False(t, a.Touch(ctx, 7, "turn-1", nil), "stale owner cannot refresh")
	assert.False(t, a.Owns(7))
}

func TestTryAcquireReclaimsDeadOwner(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	alive := map[int]bool{100: true, 200: true}
	ctx := context.Background()

	a := newTestManager(t, dir, 100, clock, alive)
	b := newTestManager(t, dir, 200, clock, alive)

	require.True(t, a.TryAcquire(ctx, 7, nil))
	alive[100] = false

	assert.True(t, b.TryAcquire(ctx, 7, nil))
}

func TestTouchExtendsLease(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	alive := map[int]bool{100: true}
	ctx := context.Background()

	a := newTestManager(t, dir, 100, clock, alive)
	require.True(t, a.TryAcquire(ctx, 7, []int64{103}))

	clock.now = clock.now.Add(45 * time.Second)
	require.True(t, a.Touch(ctx, 7, "turn-1", []int64{103, 104}))

	lease, err := a.Read(7)
	require.NoError(t, err)
	assert.Equal(t, "turn-1", lease.TurnID)
	assert.Equal(t, []int64{103, 104}, lease.MessageIDs)
	assert.WithinDuration(t, clock.now.Add(90*time.Second), lease.ExpiresAt, 0)
	assert.LessOrEqual(t, lease.ExpiresAt.Sub(lease.UpdatedAt), a.TTL())
}

func TestHasAnyActiveReclaimsStale(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	alive := map[int]bool{100: true}
	ctx := context.Background()

	a := newTestManager(t, dir, 100, clock, alive)
	assert.False(t, a.HasAnyActive(ctx))

	require.True(t, a.TryAcquire(ctx, 7, nil))
	assert.True(t, a.HasAnyActive(ctx))

	clock.now = clock.now.Add(2 * time.Minute)
	assert.False(t, a.HasAnyActive(ctx))
	_, err := os.Stat(filepath.Join(dir, "chat_7.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestReleaseAll(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	alive := map[int]bool{100: true}
	ctx := context.Background()

	a := newTestManager(t, dir, 100, clock, alive)
	require.True(t, a.TryAcquire(ctx, 1, nil))
	require.True(t, a.TryAcquire(ctx, 2, nil))

	a.ReleaseAll(ctx, "shutdown")
	assert.False(t, a.HasAnyActive(ctx))
}

func TestCorruptLeaseIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	alive := map[int]bool{100: true}

	require.NoError(t, fsutil.WriteTextAtomic(filepath.Join(dir, "chat_9.json"), "{"))

	a := newTestManager(t, dir, 100, clock, alive)
	assert.True(t, a.TryAcquire(context.Background(), 9, nil))
}

func TestParseChatID(t *testing.T) {
	id, ok := parseChatID("chat_-100123.json")
	assert.True(t, ok)
	assert.Equal(t, int64(-100123), id)

	_, ok = parseChatID("chat_x.json")
	assert.False(t, ok)
}
