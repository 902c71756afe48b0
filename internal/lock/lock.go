// Package lock wraps sync mutexes with go-deadlock so that lock ordering
// issues in the in-memory tables surface during tests instead of production.
// Deadlock detection can be disabled globally for release builds.
package lock

import (
	"github.com/sasha-s/go-deadlock"
)

// Mutex is a drop-in replacement for sync.Mutex with deadlock detection.
type Mutex = deadlock.Mutex

// RWMutex is a drop-in replacement for sync.RWMutex with deadlock detection.
type RWMutex = deadlock.RWMutex

// DisableDetection turns off deadlock detection process-wide.
func DisableDetection() {
	deadlock.Opts.Disable = true
}
