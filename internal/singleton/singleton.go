// Package singleton enforces single-instance-per-role-per-environment
// execution via a POSIX advisory file lock, grounded on the original
// InstanceLock implementation (flock(2) on a per-role, per-environment lock
// file under /tmp).
package singleton

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock holds an exclusive, non-blocking advisory lock on a file for the
// lifetime of the process. Acquire fails fast rather than blocking: a second
// instance of the same role/environment must refuse to start, not queue
// behind the first.
type Lock struct {
	path string
	file *os.File
}

// DefaultPath returns the conventional lock file path for a role within an
// environment, e.g. "/tmp/exchanger-worker-prod.lock".
func DefaultPath(role, environment string) string {
	return fmt.Sprintf("/tmp/exchanger-%s-%s.lock", role, environment)
}

// Acquire opens (creating if necessary) and exclusively locks path. It
// returns an error, not a boolean, when the lock is already held — callers
// at startup should treat any error here as fatal and exit rather than
// retry, matching the original behavior of refusing to start a second
// instance.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %q: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire lock %q: already held by another instance: %w", path, err)
	}

	info := fmt.Sprintf("PID: %d\nTime: %s\n", os.Getpid(), time.Now().Format("2006-01-02 15:04:05"))
	if _, err := f.WriteString(info); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write lock info %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("sync lock file %q: %w", path, err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release unlocks and removes the lock file. Safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	removeErr := os.Remove(l.path)
	if closeErr != nil {
		return fmt.Errorf("close lock file %q: %w", l.path, closeErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("remove lock file %q: %w", l.path, removeErr)
	}
	return nil
}

// IsLocked reports whether path is currently held by another process,
// without taking the lock itself.
func IsLocked(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return true
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}
