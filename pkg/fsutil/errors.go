package fsutil

import "errors"

var (
	ErrLockTimeout       = errors.New("fsutil: lock timeout")
	ErrLockHeld          = errors.New("fsutil: lock held by another process")
	ErrLockUnavailable   = errors.New("fsutil: lock unavailable")
	ErrDecodeFailed      = errors.New("fsutil: decode failed")
	ErrEncodeFailed      = errors.New("fsutil: encode failed")
	ErrAtomicWriteFailed = errors.New("fsutil: atomic write failed")
)
