package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
)

// ErrLockFailed is returned when the repo lock cannot be acquired within the
// timeout.
var ErrLockFailed = errors.New("lock acquisition failed")

// DefaultLockTimeout bounds lock acquisition so a wedged holder cannot hang
// every caller indefinitely.
const DefaultLockTimeout = 5 * time.Minute

// RepoLock holds an exclusive advisory file lock for one repo. All cache
// write paths (clone, refresh, unshallow, reshallow) run under it, both
// across goroutines and across processes sharing the cache tree.
type RepoLock struct {
	fl *flock.Flock
}

// AcquireLock takes the exclusive lock at lockPath, polling with exponential
// backoff (10ms doubling to a 500ms cap) until timeout. Returns
// ErrLockFailed on timeout. Parent directories are created as needed.
func AcquireLock(lockPath string, timeout time.Duration) (*RepoLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("unable to create locks dir err:%w", err)
	}

	fl := flock.New(lockPath)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxElapsedTime = timeout
	bo.Reset()

	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("unable to acquire lock on %s err:%w", lockPath, err)
		}
		if locked {
			return &RepoLock{fl: fl}, nil
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("%w: timed out after %s waiting for %s", ErrLockFailed, timeout, lockPath)
		}
		time.Sleep(next)
	}
}

// TryAcquireLock takes the lock without blocking, returning nil if it is
// held elsewhere.
func TryAcquireLock(lockPath string) (*RepoLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("unable to create locks dir err:%w", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("unable to acquire lock on %s err:%w", lockPath, err)
	}
	if !locked {
		return nil, nil
	}
	return &RepoLock{fl: fl}, nil
}

// Release drops the lock. Safe to call on every exit path.
func (l *RepoLock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	if err := l.fl.Unlock(); err == nil {
		l.fl = nil
	}
}
