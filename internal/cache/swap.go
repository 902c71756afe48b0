package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// swapCounter makes temp symlink names unique across goroutines within the
// process; the pid covers other processes sharing the cache tree.
var swapCounter atomic.Uint64

// atomicSymlinkSwap points linkPath at newTarget by creating a symlink at a
// unique temporary sibling path and renaming it over linkPath. The rename is
// atomic on POSIX, so readers only ever see a fully formed symlink. A temp
// name collision (e.g. leftover from a crash) retries with the next counter
// value; on rename failure the temp symlink is unlinked.
func atomicSymlinkSwap(linkPath, newTarget string) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return fmt.Errorf("unable to create symlink dir err:%w", err)
	}

	for {
		tmpPath := fmt.Sprintf("%s.tmp.%d.%d", linkPath, os.Getpid(), swapCounter.Add(1))

		err := os.Symlink(newTarget, tmpPath)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error creating symlink: %w", err)
		}

		if err := os.Rename(tmpPath, linkPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("error replacing symlink: %w", err)
		}
		return nil
	}
}

// isStale reports whether the current symlink is older than maxAge. A
// missing link or unreadable metadata counts as stale.
func isStale(currentLink string, maxAge time.Duration) bool {
	fi, err := os.Lstat(currentLink)
	if err != nil {
		return true
	}
	return time.Since(fi.ModTime()) > maxAge
}

// touchSymlink refreshes the staleness clock by re-swapping the link onto
// its own target, bumping the link's mtime without a window where the link
// is missing.
func touchSymlink(linkPath string) error {
	target, err := os.Readlink(linkPath)
	if err != nil {
		return err
	}
	return atomicSymlinkSwap(linkPath, target)
}
