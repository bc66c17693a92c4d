package apkdb

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock is the single advisory exclusive lock on lib/apk/db/lock that
// serializes all mutating database instances (§5, §4.12 step 5).
type Lock struct {
	path string
	file *os.File
}

// NewLock constructs a Lock bound to path without acquiring it.
func NewLock(path string) *Lock { return &Lock{path: path} }

// Acquire takes the exclusive lock. If it is already held and waitFor is
// positive, Acquire retries with a short sleep until waitFor elapses,
// standing in for the real implementation's SIGALRM-bounded blocking
// LOCK_EX wait (§9 "a timed OS primitive, or polling with LOCK_NB" is an
// explicitly sanctioned substitute).
func (l *Lock) Acquire(waitFor time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	deadline := time.Now().Add(waitFor)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.file = f
			return nil
		}
		if err != unix.EWOULDBLOCK || waitFor <= 0 || time.Now().After(deadline) {
			f.Close()
			return newDBError(ErrConflict, "acquiring lock %s: %v", l.path, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Release drops the lock and closes the underlying file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return closeErr
}

// Held reports whether this process currently holds the lock.
func (l *Lock) Held() bool { return l.file != nil }
