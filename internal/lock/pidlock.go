package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked means another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// PathForRoot returns the lock file guarding a namespace root. It sits beside
// the root so a purge never removes it.
func PathForRoot(root string) string {
	return filepath.Clean(root) + ".lock"
}

// PIDLock is a single-instance lock: an flock on a file that records the
// holder's PID. The lock lives as long as the handle is not released.
type PIDLock struct {
	path string
	fl   *flock.Flock
}

// AcquirePIDLock takes the lock at lockPath without blocking and writes the
// current PID into the file.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if pid, perr := HolderPID(lockPath); perr == nil {
			return nil, fmt.Errorf("acquire lock %s: %w (pid %d)", lockPath, ErrLocked, pid)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, ErrLocked)
	}

	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}

	return &PIDLock{path: lockPath, fl: fl}, nil
}

func (l *PIDLock) Path() string { return l.path }

// HolderPID reads the PID recorded in a lock file.
func HolderPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pid in %s: %w", lockPath, err)
	}
	return pid, nil
}

// Release drops the lock and removes the file. Safe to call twice.
func (l *PIDLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	// Remove before unlocking so the file never outlives the lock.
	removeErr := os.Remove(l.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return errors.Join(removeErr, err)
}
