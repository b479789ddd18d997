package fsutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "value.json")

	var missing map[string]int
	ok, err := ReadJSON(path, &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}))

	var got map[string]int
	ok, err = ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, got["a"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, FilePerm, info.Mode().Perm())
}

func TestReadJSONBlankAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	blank := filepath.Join(dir, "blank.json")
	require.NoError(t, os.WriteFile(blank, []byte("  \n"), 0o600))

	var v map[string]any
	ok, err := ReadJSON(blank, &v)
	require.NoError(t, err)
	assert.False(t, ok)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{"), 0o600))
	_, err = ReadJSON(corrupt, &v)
	assert.True(t, errors.Is(err, ErrDecodeFailed))
}

func TestWithLockRunsCriticalSection(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "chat_1.lock")

	var calls atomic.Int32
	err := WithLock(context.Background(), lockPath, time.Second, func() error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithLockTimesOutWhileHeld(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "chat_1.lock")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- WithLock(context.Background(), lockPath, time.Second, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := WithLock(context.Background(), lockPath, 100*time.Millisecond, func() error {
		return nil
	})
	assert.True(t, errors.Is(err, ErrLockTimeout))

	close(release)
	require.NoError(t, <-done)
}

func TestAcquireFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "daemon-worker.lock")

	lock, err := AcquireFileLock(path)
	require.NoError(t, err)

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = AcquireFileLock(path)
	assert.True(t, errors.Is(err, ErrLockHeld))

	require.NoError(t, lock.Release())

	again, err := AcquireFileLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
}
