package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"reconpipe/pkg/logger"
)

// DefaultStaleAfter is the age past which a held lock is considered abandoned
const DefaultStaleAfter = time.Hour

// Owner is the record a holder writes into the lock file
type Owner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is an exclusive, cross-process lock backed by a lock file.
//
// Acquire and Release are idempotent on the same FileLock. Separate FileLock
// values for the same path exclude each other even inside one process.
type FileLock struct {
	path       string
	strategy   Strategy
	staleAfter time.Duration
	logger     logger.Logger
	now        func() time.Time

	mu   sync.Mutex
	file *os.File
}

// Option configures a FileLock
type Option func(*FileLock)

// WithStrategy overrides the platform strategy
func WithStrategy(s Strategy) Option {
	return func(l *FileLock) { l.strategy = s }
}

// WithStaleAfter sets the age ceiling for held locks
func WithStaleAfter(d time.Duration) Option {
	return func(l *FileLock) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithLogger sets the logger used for lock events
func WithLogger(log logger.Logger) Option {
	return func(l *FileLock) { l.logger = log }
}

// New creates a FileLock for path. Nothing touches the disk until Acquire.
func New(path string, opts ...Option) *FileLock {
	l := &FileLock{
		path:       path,
		strategy:   NewStrategy(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.OrGlobal(l.logger)
	return l
}

// Path returns the lock file path
func (l *FileLock) Path() string {
	return l.path
}

// Held reports whether this FileLock currently holds the lock
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Acquire tries to take the lock, polling every poll until timeout elapses.
// It returns false with a nil error when the lock stayed busy.
func (l *FileLock) Acquire(timeout, poll time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return true, nil
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	start := time.Now()
	deadline := start.Add(timeout)
	for {
		ok, err := l.tryAcquire()
		if err != nil {
			return false, err
		}
		if ok {
			logger.LogLockEvent(l.logger, l.path, "acquired", time.Since(start))
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.LogLockEvent(l.logger, l.path, "timeout", time.Since(start))
			return false, nil
		}
		time.Sleep(min(poll, remaining))
	}
}

func (l *FileLock) tryAcquire() (bool, error) {
	f, err := l.strategy.Open(l.path)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := l.strategy.TryLock(f); err != nil {
		f.Close()
		if !errors.Is(err, ErrWouldBlock) {
			return false, err
		}
		if l.reclaimIfStale() {
			return l.tryAcquire()
		}
		return false, nil
	}

	// The holder we waited on may have unlinked the path after we opened it
	if !l.stillNamed(f) {
		_ = l.strategy.Release(f, "")
		return false, nil
	}

	if prev, err := readOwner(f); err == nil && prev.PID != 0 && prev.PID != os.Getpid() {
		l.logger.WithFields(map[string]interface{}{
			"lock":         l.path,
			"previous_pid": prev.PID,
			"acquired_at":  prev.AcquiredAt,
		}).Warn("Reclaimed lock left by a crashed holder")
	}

	if err := l.writeOwner(f); err != nil {
		_ = l.strategy.Release(f, "")
		return false, err
	}

	l.file = f
	return true, nil
}

func (l *FileLock) stillNamed(f *os.File) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

// reclaimIfStale unlinks a held lock file whose owner is provably gone.
// A live holder's lock is never reclaimed before staleAfter.
func (l *FileLock) reclaimIfStale() bool {
	owner, err := ReadOwner(l.path)
	if err != nil {
		info, statErr := os.Stat(l.path)
		if statErr != nil || l.now().Sub(info.ModTime()) <= l.staleAfter {
			return false
		}
		owner = Owner{AcquiredAt: info.ModTime()}
	}

	hostname, _ := os.Hostname()
	reason := ""
	switch {
	case owner.PID != 0 && owner.Hostname == hostname && !l.strategy.ProcessAlive(owner.PID):
		reason = "holder process is gone"
	case !owner.AcquiredAt.IsZero() && l.now().Sub(owner.AcquiredAt) > l.staleAfter:
		reason = "lock exceeded stale age"
	default:
		return false
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.WithError(err).WithField("lock", l.path).Warn("Failed to remove stale lock")
		return false
	}

	l.logger.WithFields(map[string]interface{}{
		"lock":   l.path,
		"pid":    owner.PID,
		"reason": reason,
	}).Warn("Removed stale lock")
	return true
}

func (l *FileLock) writeOwner(f *os.File) error {
	hostname, _ := os.Hostname()
	data, err := json.Marshal(Owner{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: l.now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write owner record: %w", err)
	}
	return f.Sync()
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	// After a reclaim the path may belong to someone else now
	path := l.path
	if !l.stillNamed(f) {
		path = ""
	}

	if err := l.strategy.Release(f, path); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	logger.LogLockEvent(l.logger, l.path, "released", 0)
	return nil
}

// ReadOwner reads the owner record of the lock file at path
func ReadOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()
	return readOwner(f)
}

func readOwner(f *os.File) (Owner, error) {
	buf := make([]byte, 512)
	n, err := f.ReadAt(buf, 0)
	if n == 0 {
		if err == nil {
			err = errors.New("empty owner record")
		}
		return Owner{}, err
	}

	var owner Owner
	if err := json.Unmarshal(buf[:n], &owner); err != nil {
		return Owner{}, fmt.Errorf("decode owner record: %w", err)
	}
	return owner, nil
}
