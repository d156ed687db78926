// Package lockfile guards against two relay processes polling the same bot.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another live process holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is an acquired process lock. The file records the owner's PID and
// is held with an exclusive advisory lock for the lifetime of the process.
type Lock struct {
	path string
	file *os.File
	once sync.Once
}

const acquireAttempts = 3

// Acquire takes the lock at path. A leftover file from a process that is no
// longer running is reclaimed.
func Acquire(path string) (*Lock, error) {
	for attempt := 1; ; attempt++ {
		f, err := lockPath(path)
		if err != nil {
			return nil, err
		}

		// The owner may have unlinked the file between our open and flock.
		// Locking that orphaned inode guards nothing, so start over.
		current, err := sameFile(f, path)
		if err != nil {
			unlockAndClose(f)
			return nil, fmt.Errorf("stat lock file: %w", err)
		}
		if !current {
			unlockAndClose(f)
			if attempt == acquireAttempts {
				return nil, fmt.Errorf("lock %s: file replaced during acquisition", path)
			}
			continue
		}
		return claim(f, path)
	}
}

func lockPath(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		pid := readPID(f)
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, pid, path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return f, nil
}

// sameFile reports whether f is still the file linked at path.
func sameFile(f *os.File, path string) (bool, error) {
	var held, linked unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &held); err != nil {
		return false, err
	}
	if err := unix.Stat(path, &linked); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	return held.Dev == linked.Dev && held.Ino == linked.Ino, nil
}

func unlockAndClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

func claim(f *os.File, path string) (*Lock, error) {
	// Holding the flock means any recorded owner is gone or never used it.
	if pid := readPID(f); pid > 0 && pid != os.Getpid() {
		if processAlive(pid) {
			slog.Warn("Lock file names a live process that does not hold the lock, taking over", "pid", pid, "path", path)
		} else {
			slog.Info("Removing stale lock", "pid", pid, "path", path)
		}
	}

	if err := writePID(f); err != nil {
		unlockAndClose(f)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file and drops the lock. It is safe to call
// more than once. The file is unlinked while still locked, so a process
// that locks the old inode afterwards sees it is gone and retries.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("remove lock file: %w", rmErr)
		}
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		if closeErr := l.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close lock file: %w", closeErr)
		}
	})
	return err
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

// processAlive reports whether a process with pid exists. EPERM means it
// exists but belongs to another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
