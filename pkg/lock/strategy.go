package lock

import (
	"errors"
	"os"
)

// ErrWouldBlock is returned by Strategy.TryLock when another holder owns the lock
var ErrWouldBlock = errors.New("lock is held by another owner")

// Strategy abstracts the platform lock primitive. Implementations are
// selected once by NewStrategy and never branched on at call sites.
type Strategy interface {
	// Open opens (creating if needed) the lock file at path
	Open(path string) (*os.File, error)
	// TryLock takes an exclusive lock on f without blocking
	TryLock(f *os.File) error
	// Release drops the lock on f and closes it. When path is non-empty the
	// lock file is removed as well, in the order the platform requires.
	Release(f *os.File, path string) error
	// ProcessAlive reports whether pid names a running process on this host
	ProcessAlive(pid int) bool
	// Name identifies the strategy in logs
	Name() string
}

// NewStrategy returns the lock strategy for the running platform
func NewStrategy() Strategy {
	return newPlatformStrategy()
}
