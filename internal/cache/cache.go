// Package cache manages the on-disk repository cache: bare mirrors, immutable
// worktree generations and the atomically swapped "current" symlink that
// publishes them.
//
// Readers resolve "current" without any locking; every write path runs under
// a per-repo advisory file lock so at most one clone/refresh executes per
// repo at a time, across goroutines and across processes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/utilitywarehouse/ghfs/internal/gitrepo"
	"github.com/utilitywarehouse/ghfs/internal/utils"
)

const (
	// DefaultMaxAge is how long a generation serves reads before a refresh
	// is attempted.
	DefaultMaxAge = 24 * time.Hour

	// graceGenerations is how many predecessors survive a swap to absorb
	// in-flight opens against the old generation.
	graceGenerations = 1
)

var (
	ErrInvalidGenerationName = errors.New("invalid generation directory name")
	ErrSymlinkTargetMissing  = errors.New("symlink target does not exist")
	ErrRepoNotFound          = errors.New("repository does not exist")
)

// GenerationRef is a reference to a materialized repo generation: the
// absolute target of "current" at the moment of read, its id and its HEAD.
type GenerationRef struct {
	Path       string
	Generation GenerationID
	Commit     string
}

// Options tune the cache behaviour; zero values select the defaults.
type Options struct {
	MaxAge      time.Duration
	LockTimeout time.Duration
}

// Cache materializes GitHub repositories as generations beneath one cache
// root. A Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	layout      Layout
	git         *gitrepo.Driver
	maxAge      time.Duration
	lockTimeout time.Duration
	log         *slog.Logger
}

// New creates a cache manager over the given layout and git driver.
func New(layout Layout, git *gitrepo.Driver, opts Options, log *slog.Logger) *Cache {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		layout:      layout,
		git:         git,
		maxAge:      opts.MaxAge,
		lockTimeout: opts.LockTimeout,
		log:         log,
	}
}

// Layout returns the cache layout.
func (c *Cache) Layout() Layout {
	return c.layout
}

// EnsureCurrent returns a generation that is current enough to serve reads,
// cloning or refreshing as needed.
func (c *Cache) EnsureCurrent(ctx context.Context, key RepoKey) (GenerationRef, error) {
	ref, _, err := c.EnsureCurrentWithStatus(ctx, key)
	return ref, err
}

// EnsureCurrentWithStatus is EnsureCurrent plus a flag reporting whether a
// clone or fetch actually ran, so callers can record sync events.
//
// The fast path is a pure read: a fresh "current" is resolved without taking
// the lock and without running any subprocess. The check is repeated under
// the lock so contending callers do not duplicate clones.
//
// If a refresh fails but a previously valid generation is still readable,
// that generation is returned instead of the error: a transient network
// failure must not break the mount.
func (c *Cache) EnsureCurrentWithStatus(ctx context.Context, key RepoKey) (GenerationRef, bool, error) {
	currentLink := c.layout.CurrentSymlink(key)

	if !isStale(currentLink, c.maxAge) {
		if ref, err := c.readCurrentRef(key); err == nil {
			return ref, false, nil
		}
	}

	repoLock, err := AcquireLock(c.layout.LockPath(key), c.lockTimeout)
	if err != nil {
		return GenerationRef{}, false, err
	}
	defer repoLock.Release()

	if !isStale(currentLink, c.maxAge) {
		if ref, err := c.readCurrentRef(key); err == nil {
			return ref, false, nil
		}
	}

	start := time.Now()
	refreshErr := c.cloneOrRefresh(ctx, key)
	recordSync(key.String(), refreshErr == nil, time.Since(start))

	if refreshErr != nil {
		if ref, err := c.readCurrentRef(key); err == nil {
			c.log.Warn("refresh failed, serving previous generation", "repo", key, "generation", ref.Generation, "err", refreshErr)
			return ref, false, nil
		}
		return GenerationRef{}, false, refreshErr
	}

	ref, err := c.readCurrentRef(key)
	if err != nil {
		return GenerationRef{}, false, err
	}
	return ref, true, nil
}

// ForceRefresh clones or refreshes regardless of staleness and returns the
// resulting generation.
func (c *Cache) ForceRefresh(ctx context.Context, key RepoKey) (GenerationRef, error) {
	repoLock, err := AcquireLock(c.layout.LockPath(key), c.lockTimeout)
	if err != nil {
		return GenerationRef{}, err
	}
	defer repoLock.Release()

	start := time.Now()
	refreshErr := c.cloneOrRefresh(ctx, key)
	recordSync(key.String(), refreshErr == nil, time.Since(start))
	if refreshErr != nil {
		return GenerationRef{}, refreshErr
	}

	return c.readCurrentRef(key)
}

func (c *Cache) cloneOrRefresh(ctx context.Context, key RepoKey) error {
	if _, err := os.Stat(c.layout.MirrorDir(key)); os.IsNotExist(err) {
		return c.initialClone(ctx, key)
	}
	return c.refresh(ctx, key)
}

// initialClone performs the first materialization of a repo: shallow bare
// clone, worktree for HEAD, swap "current" onto it. A failed clone removes
// its partial mirror and a failed worktree or swap removes the generation
// directory; a cloned mirror whose HEAD cannot be resolved is left in place.
func (c *Cache) initialClone(ctx context.Context, key RepoKey) error {
	mirror := c.layout.MirrorDir(key)

	c.log.Info("cloning repository", "repo", key)
	if err := c.git.CloneBareShallow(ctx, string(key.Owner), string(key.Repo), mirror); err != nil {
		return err
	}

	_, commit, err := gitrepo.ResolveDefaultBranch(mirror)
	if err != nil {
		return err
	}

	return c.materializeGeneration(ctx, key, commit)
}

// refresh fetches the default branch and publishes a new generation if HEAD
// moved. An unchanged HEAD only touches "current" so the staleness clock
// resets without a new worktree.
func (c *Cache) refresh(ctx context.Context, key RepoKey) error {
	mirror := c.layout.MirrorDir(key)

	branch, oldCommit, err := gitrepo.ResolveDefaultBranch(mirror)
	if err != nil {
		return err
	}

	shallow, err := c.git.IsShallow(ctx, mirror)
	if err != nil {
		c.log.Warn("unable to determine shallow status, assuming shallow", "repo", key, "err", err)
		shallow = true
	}
	if shallow {
		err = c.git.FetchShallow(ctx, mirror, branch)
	} else {
		err = c.git.FetchFull(ctx, mirror, branch)
	}
	if err != nil {
		return err
	}

	_, newCommit, err := gitrepo.ResolveDefaultBranch(mirror)
	if err != nil {
		return err
	}

	currentLink := c.layout.CurrentSymlink(key)
	if newCommit == oldCommit {
		if _, lerr := os.Lstat(currentLink); lerr == nil {
			c.log.Log(ctx, -8, "HEAD unchanged, touching current", "repo", key, "commit", newCommit)
			if err := touchSymlink(currentLink); err != nil {
				return fmt.Errorf("unable to touch current symlink err:%w", err)
			}
			c.pruneGenerations(key)
			return nil
		}
	}

	return c.materializeGeneration(ctx, key, newCommit)
}

// materializeGeneration creates the next generation's worktree for commit,
// swaps "current" onto it and prunes superseded generations.
func (c *Cache) materializeGeneration(ctx context.Context, key RepoKey, commit string) error {
	mirror := c.layout.MirrorDir(key)

	gen := c.nextGeneration(key)
	genPath := c.layout.GenerationDir(key, gen)

	// a crashed run can leave a partial directory at the computed path,
	// worktree creation needs it empty
	if err := utils.ReCreate(genPath); err != nil {
		return fmt.Errorf("unable to prepare generation dir err:%w", err)
	}

	c.log.Info("creating generation", "repo", key, "generation", gen, "commit", commit)
	if err := c.git.CreateWorktree(ctx, mirror, genPath, commit); err != nil {
		cleanupGeneration(genPath)
		return err
	}

	if err := atomicSymlinkSwap(c.layout.CurrentSymlink(key), genPath); err != nil {
		cleanupGeneration(genPath)
		return err
	}

	c.pruneGenerations(key)
	return nil
}

// Unshallow converts a repo's mirror to full history. A missing mirror is
// cloned full; an already-full mirror just gets a full fetch. A generation
// for HEAD is created only if "current" is missing. The mirror is never
// deleted on success.
func (c *Cache) Unshallow(ctx context.Context, key RepoKey) (GenerationRef, error) {
	repoLock, err := AcquireLock(c.layout.LockPath(key), c.lockTimeout)
	if err != nil {
		return GenerationRef{}, err
	}
	defer repoLock.Release()

	mirror := c.layout.MirrorDir(key)

	if _, err := os.Stat(mirror); os.IsNotExist(err) {
		if err := c.git.CloneBareFull(ctx, string(key.Owner), string(key.Repo), mirror); err != nil {
			return GenerationRef{}, err
		}
	} else {
		branch, _, err := gitrepo.ResolveDefaultBranch(mirror)
		if err != nil {
			return GenerationRef{}, err
		}

		shallow, err := c.git.IsShallow(ctx, mirror)
		if err != nil {
			shallow = false
		}
		if shallow {
			err = c.git.FetchUnshallow(ctx, mirror, branch)
		} else {
			err = c.git.FetchFull(ctx, mirror, branch)
		}
		if err != nil {
			return GenerationRef{}, err
		}
	}

	if err := c.ensureGenerationExists(ctx, key); err != nil {
		return GenerationRef{}, err
	}
	return c.readCurrentRef(key)
}

// Reshallow converts a repo's mirror back to depth 1 and drops old objects.
// A missing mirror is cloned shallow; an already-shallow mirror just gets a
// shallow fetch.
func (c *Cache) Reshallow(ctx context.Context, key RepoKey) (GenerationRef, error) {
	repoLock, err := AcquireLock(c.layout.LockPath(key), c.lockTimeout)
	if err != nil {
		return GenerationRef{}, err
	}
	defer repoLock.Release()

	mirror := c.layout.MirrorDir(key)

	if _, err := os.Stat(mirror); os.IsNotExist(err) {
		if err := c.git.CloneBareShallow(ctx, string(key.Owner), string(key.Repo), mirror); err != nil {
			return GenerationRef{}, err
		}
	} else {
		branch, _, err := gitrepo.ResolveDefaultBranch(mirror)
		if err != nil {
			return GenerationRef{}, err
		}

		shallow, err := c.git.IsShallow(ctx, mirror)
		if err != nil {
			shallow = true
		}
		if shallow {
			err = c.git.FetchShallow(ctx, mirror, branch)
		} else {
			err = c.git.FetchReshallow(ctx, mirror, branch)
		}
		if err != nil {
			return GenerationRef{}, err
		}
	}

	if err := c.ensureGenerationExists(ctx, key); err != nil {
		return GenerationRef{}, err
	}
	return c.readCurrentRef(key)
}

func (c *Cache) ensureGenerationExists(ctx context.Context, key RepoKey) error {
	if _, err := os.Lstat(c.layout.CurrentSymlink(key)); err == nil {
		return nil
	}

	_, commit, err := gitrepo.ResolveDefaultBranch(c.layout.MirrorDir(key))
	if err != nil {
		return err
	}
	return c.materializeGeneration(ctx, key, commit)
}

// nextGeneration scans the worktree base for gen-<digits> entries and
// returns max+1, or 1 when none exist. Other entries are ignored.
func (c *Cache) nextGeneration(key RepoKey) GenerationID {
	var maxGen int64

	entries, err := os.ReadDir(c.layout.WorktreeBase(key))
	if err == nil {
		for _, e := range entries {
			if n, ok := parseGenerationName(e.Name()); ok && n > maxGen {
				maxGen = n
			}
		}
	}

	return GenerationID(maxGen + 1)
}

// pruneGenerations removes all generation directories except the current one
// and its single grace predecessor. Failures are logged, not fatal: a
// leftover directory is retried on the next swap.
func (c *Cache) pruneGenerations(key RepoKey) {
	ref, err := c.readCurrentRef(key)
	if err != nil {
		return
	}

	base := c.layout.WorktreeBase(key)
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}

	// the grace predecessor is the highest surviving generation below the
	// current one
	var grace int64
	for _, e := range entries {
		if n, ok := parseGenerationName(e.Name()); ok && n < int64(ref.Generation) && n > grace {
			grace = n
		}
	}

	keep := map[int64]bool{int64(ref.Generation): true}
	if graceGenerations > 0 && grace > 0 {
		keep[grace] = true
	}

	err = utils.RemoveDirContentsIf(base, c.log, func(fi os.FileInfo) (bool, error) {
		n, ok := parseGenerationName(fi.Name())
		if !ok {
			return false, nil
		}
		if keep[n] {
			return false, nil
		}
		c.log.Info("pruning generation", "repo", key, "generation", n)
		return true, nil
	})
	if err != nil {
		c.log.Error("unable to prune generations", "repo", key, "err", err)
	}
}

// readCurrentRef resolves "current" into a GenerationRef. Relative targets
// resolve against the link's parent directory.
func (c *Cache) readCurrentRef(key RepoKey) (GenerationRef, error) {
	currentLink := c.layout.CurrentSymlink(key)

	target, err := utils.ReadAbsLink(currentLink)
	if err != nil {
		return GenerationRef{}, fmt.Errorf("unable to read current symlink err:%w", err)
	}
	if target == "" {
		return GenerationRef{}, fmt.Errorf("unable to read current symlink err:%w", os.ErrNotExist)
	}

	if _, err := os.Stat(target); err != nil {
		return GenerationRef{}, fmt.Errorf("%w: %s", ErrSymlinkTargetMissing, target)
	}

	n, ok := parseGenerationName(filepath.Base(target))
	if !ok {
		return GenerationRef{}, fmt.Errorf("%w: %s", ErrInvalidGenerationName, filepath.Base(target))
	}

	commit, err := gitrepo.HeadCommit(target)
	if err != nil {
		return GenerationRef{}, err
	}

	return GenerationRef{
		Path:       target,
		Generation: GenerationID(n),
		Commit:     commit,
	}, nil
}

func parseGenerationName(name string) (int64, bool) {
	numStr, ok := strings.CutPrefix(name, "gen-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// cleanupGeneration removes a half-built generation: recursive removal
// first, then a plain remove in case the path is a file.
func cleanupGeneration(path string) {
	if err := os.RemoveAll(path); err != nil {
		os.Remove(path)
	}
}
