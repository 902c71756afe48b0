// Package gitrepo wraps git operations for the cache layer.
//
// Write operations (clone, fetch, worktree add) shell out to the system git
// binary because shallow clones and detached worktrees are not fully covered
// by go-git. Read operations (HEAD resolution) use go-git so that serving a
// cached repo never spawns a subprocess.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/utilitywarehouse/ghfs/internal/utils"
)

var (
	ErrClone        = errors.New("clone failed")
	ErrFetch        = errors.New("fetch failed")
	ErrWorktree     = errors.New("worktree creation failed")
	ErrParse        = errors.New("failed to parse git data")
	ErrNotFound     = errors.New("repository not found")
	ErrInvalidInput = errors.New("invalid input")
)

// hardening applied to every git subprocess: no LFS smudge, no interactive
// prompts, no hooks. stdin is closed by the exec wrapper.
var hardenedEnvs = []string{
	"GIT_LFS_SKIP_SMUDGE=1",
	"GIT_TERMINAL_PROMPT=0",
}

// Driver invokes the system git binary with hardened settings.
// A Driver is safe for concurrent use by multiple goroutines.
type Driver struct {
	cmd  string // git exec path
	envs []string
	log  *slog.Logger
}

// New creates a git driver. If gitExec is empty the git binary is resolved
// from PATH at invocation time.
func New(gitExec string, envs []string, log *slog.Logger) *Driver {
	if gitExec == "" {
		gitExec = "git"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		cmd:  gitExec,
		envs: append(append([]string{}, hardenedEnvs...), envs...),
		log:  log,
	}
}

// git runs the git command with hardening flags on given CWD
func (d *Driver) git(ctx context.Context, cwd string, args ...string) (string, error) {
	fullArgs := append([]string{"-c", "core.hooksPath="}, args...)
	return utils.RunCommand(ctx, d.log, d.envs, cwd, d.cmd, fullArgs...)
}

func cloneURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

func (d *Driver) cloneBare(ctx context.Context, owner, repo, dest string, shallow bool) error {
	if err := validateName(owner, "owner"); err != nil {
		return err
	}
	if err := validateName(repo, "repo"); err != nil {
		return err
	}

	destExisted := true
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		destExisted = false
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("unable to create mirror parent dir err:%w", err)
	}

	args := []string{"clone", "--bare"}
	if shallow {
		args = append(args, "--depth=1")
	}
	args = append(args, cloneURL(owner, repo), dest)

	// git clone --bare [--depth=1] <url> <dest>
	if _, err := d.git(ctx, "", args...); err != nil {
		// a failed clone can leave a partial bare repo behind, only remove
		// it if we created it
		if !destExisted {
			os.RemoveAll(dest)
		}
		return fmt.Errorf("%w: %w", ErrClone, err)
	}
	return nil
}

// CloneBareShallow clones github.com/<owner>/<repo> as a bare repository
// with history depth 1. On failure a partial destination is removed if it
// did not exist before the call.
func (d *Driver) CloneBareShallow(ctx context.Context, owner, repo, dest string) error {
	return d.cloneBare(ctx, owner, repo, dest, true)
}

// CloneBareFull is CloneBareShallow without the depth limit.
func (d *Driver) CloneBareFull(ctx context.Context, owner, repo, dest string) error {
	return d.cloneBare(ctx, owner, repo, dest, false)
}

func branchRefspec(branch string) string {
	return fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch)
}

// FetchShallow fetches the given branch from origin with depth 1.
func (d *Driver) FetchShallow(ctx context.Context, mirror, branch string) error {
	if err := validateRef(branch, "branch"); err != nil {
		return err
	}
	// git fetch --depth=1 origin +refs/heads/<branch>:refs/heads/<branch>
	if _, err := d.git(ctx, mirror, "fetch", "--depth=1", "origin", branchRefspec(branch)); err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return nil
}

// FetchFull fetches the given branch from origin without a depth limit.
func (d *Driver) FetchFull(ctx context.Context, mirror, branch string) error {
	if err := validateRef(branch, "branch"); err != nil {
		return err
	}
	// git fetch origin +refs/heads/<branch>:refs/heads/<branch>
	if _, err := d.git(ctx, mirror, "fetch", "origin", branchRefspec(branch)); err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return nil
}

// FetchUnshallow converts a shallow mirror to a full one by fetching the
// complete history of the given branch.
func (d *Driver) FetchUnshallow(ctx context.Context, mirror, branch string) error {
	if err := validateRef(branch, "branch"); err != nil {
		return err
	}
	// git fetch --unshallow origin +refs/heads/<branch>:refs/heads/<branch>
	if _, err := d.git(ctx, mirror, "fetch", "--unshallow", "origin", branchRefspec(branch)); err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return nil
}

// FetchReshallow converts a full mirror back to depth 1. The depth-1 fetch
// updates the shallow grafts and the follow-up gc actually drops the old
// objects from disk. gc failure is logged, not fatal.
func (d *Driver) FetchReshallow(ctx context.Context, mirror, branch string) error {
	if err := validateRef(branch, "branch"); err != nil {
		return err
	}
	if _, err := d.git(ctx, mirror, "fetch", "--depth=1", "origin", branchRefspec(branch)); err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}

	// git gc --prune=now
	if _, err := d.git(ctx, mirror, "gc", "--prune=now"); err != nil {
		d.log.Warn("git gc failed after reshallow", "mirror", mirror, "err", err)
	}
	return nil
}

// IsShallow reports whether the mirror is a shallow clone.
func (d *Driver) IsShallow(ctx context.Context, mirror string) (bool, error) {
	// git rev-parse --is-shallow-repository
	out, err := d.git(ctx, mirror, "rev-parse", "--is-shallow-repository")
	if err != nil {
		return false, fmt.Errorf("%w: failed to check shallow status: %w", ErrParse, err)
	}
	return out == "true", nil
}

// CreateWorktree creates a detached worktree at path pinned to the given
// commit.
func (d *Driver) CreateWorktree(ctx context.Context, mirror, path, commit string) error {
	if err := validateRef(commit, "commit"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("unable to create worktree parent dir err:%w", err)
	}
	// git worktree add --detach <path> <commit>
	if _, err := d.git(ctx, mirror, "worktree", "add", "--detach", path, commit); err != nil {
		return fmt.Errorf("%w: %w", ErrWorktree, err)
	}
	return nil
}
