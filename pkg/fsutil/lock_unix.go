//go:build unix

package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const lockRetryWait = 25 * time.Millisecond

// WithLock runs fn while holding an exclusive flock on lockPath. It waits at
// most wait for the lock and returns ErrLockTimeout when it cannot be taken.
func WithLock(ctx context.Context, lockPath string, wait time.Duration, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := EnsureDir(filepath.Dir(lockPath)); err != nil {
		return err
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, FilePerm)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLockUnavailable, lockPath, err)
	}
	defer file.Close()

	deadline := time.Now().Add(wait)
	fd := int(file.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("%w: flock %s: %v", ErrLockUnavailable, lockPath, err)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		timer := time.NewTimer(lockRetryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, ctx.Err())
		case <-timer.C:
		}
	}
	defer func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
	}()

	return fn()
}

// FileLock is a process-lifetime exclusive lock (worker and manager singletons).
type FileLock struct {
	path string
	file *os.File
}

// AcquireFileLock takes a non-blocking exclusive lock on path and writes the
// current PID into it. ErrLockHeld means another live process owns it.
func AcquireFileLock(path string) (*FileLock, error) {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, FilePerm)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrLockUnavailable, path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		return nil, fmt.Errorf("%w: flock %s: %v", ErrLockUnavailable, path, err)
	}

	_ = file.Truncate(0)
	_, _ = file.Seek(0, 0)
	_, _ = file.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	_ = file.Sync()

	return &FileLock{path: path, file: file}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file itself is left in place.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
