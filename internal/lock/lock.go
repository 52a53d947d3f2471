// Package lock implements a file-based advisory singleton lock used to
// guarantee at most one Manager daemon runs against a given workspace
// at a time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrLockContention is returned by Acquire when a live lock is held by
// another process and retries are exhausted.
var ErrLockContention = errors.New("lock: held by another process")

// Options configures an Acquire call.
type Options struct {
	// StaleAfter is how long a lockfile may sit with no update before
	// it is considered abandoned and may be stolen.
	StaleAfter time.Duration
	// Retries is how many times to retry acquisition after finding a
	// live (non-stale) lock, sleeping RetryDelay between attempts.
	Retries    int
	RetryDelay time.Duration
}

// DefaultOptions is a fixed-bound retry posture: a handful of short
// retries rather than blocking indefinitely.
func DefaultOptions() Options {
	return Options{
		StaleAfter: 5 * time.Minute,
		Retries:    3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Lock represents a held advisory lock. Release must be called exactly
// once by the owner that successfully called Acquire.
type Lock struct {
	path string
}

// Acquire creates the lockfile at path, stealing it first if it is
// stale. Callers that cannot obtain the lock get ErrLockContention,
// which the CLI boundary reports as a fatal startup error
// with guidance to remove the stale lockfile.
func Acquire(path string, opts Options) (*Lock, error) {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()))
			closeErr := f.Close()
			if writeErr != nil {
				return nil, fmt.Errorf("lock: write pid: %w", writeErr)
			}
			if closeErr != nil {
				return nil, fmt.Errorf("lock: close: %w", closeErr)
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock: create %s: %w", path, err)
		}

		stale, staleErr := isStale(path, opts.StaleAfter)
		if staleErr != nil {
			return nil, fmt.Errorf("lock: stat %s: %w", path, staleErr)
		}
		if stale {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("lock: steal %s: %w", path, rmErr)
			}
			continue // retry the create immediately, no attempt charged
		}

		if attempt >= opts.Retries {
			return nil, ErrLockContention
		}
		time.Sleep(opts.RetryDelay)
	}
}

func isStale(path string, staleAfter time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) > staleAfter, nil
}

// Release removes the lockfile. It is safe to call if the file has
// already been removed by another process.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %s: %w", l.path, err)
	}
	return nil
}

// Touch refreshes the lockfile's mtime so a long-running holder is
// never mistaken for abandoned by a concurrent Acquire caller.
func (l *Lock) Touch() error {
	now := time.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("lock: touch %s: %w", l.path, err)
	}
	return nil
}
