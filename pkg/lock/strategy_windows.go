//go:build windows

package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

const stillActive = 259

// The locked byte lies far beyond any owner record so that readers can still
// inspect the record while the lock is held.
const (
	lockOffsetLow  = 0xFFFFFFFE
	lockOffsetHigh = 0x7FFFFFFF
)

// lockFileExStrategy locks with LockFileEx. Windows releases the lock when
// the holding handle is closed, including on process exit.
type lockFileExStrategy struct{}

func newPlatformStrategy() Strategy {
	return lockFileExStrategy{}
}

func (lockFileExStrategy) Name() string { return "LockFileEx" }

// Open shares delete access so a stale lock file can be unlinked while a
// hung holder still has it open.
func (lockFileExStrategy) Open(path string) (*os.File, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(h), path), nil
}

func (lockFileExStrategy) TryLock(f *os.File) error {
	ol := &windows.Overlapped{Offset: lockOffsetLow, OffsetHigh: lockOffsetHigh}
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, windows.ERROR_LOCK_VIOLATION):
		return ErrWouldBlock
	default:
		return fmt.Errorf("LockFileEx %s: %w", f.Name(), err)
	}
}

// Release clears the owner record and unlocks but keeps the file. Another
// handle may already be waiting on it, and unlinking a file someone has just
// locked would let a third process lock a fresh one alongside them.
func (lockFileExStrategy) Release(f *os.File, path string) error {
	var errs []error
	if path != "" {
		if err := f.Truncate(0); err != nil {
			errs = append(errs, fmt.Errorf("clear owner record: %w", err))
		}
	}
	ol := &windows.Overlapped{Offset: lockOffsetLow, OffsetHigh: lockOffsetHigh}
	if err := windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	return errors.Join(errs...)
}

func (lockFileExStrategy) ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		// Access denied still means the process exists
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
