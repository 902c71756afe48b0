package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// Layout computes every path beneath the cache root:
//
//	<root>/
//	  mirrors/<owner>/<repo>.git/
//	  worktrees/<owner>/<repo>/
//	    gen-NNNNNN/
//	    current -> gen-NNNNNN
//	  locks/<owner>__<repo>.lock
//	  state.db
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at the given directory.
func NewLayout(root string) Layout {
	return Layout{root: root}
}

// DefaultLayout resolves the cache root from the XDG base directory spec
// ($XDG_CACHE_HOME/ghfs, usually ~/.cache/ghfs).
func DefaultLayout() Layout {
	return NewLayout(filepath.Join(xdg.CacheHome, "ghfs"))
}

// Root returns the cache root directory.
func (l Layout) Root() string {
	return l.root
}

// MirrorsDir returns the directory holding all bare mirrors.
func (l Layout) MirrorsDir() string {
	return filepath.Join(l.root, "mirrors")
}

// WorktreesDir returns the directory holding all repo worktrees.
func (l Layout) WorktreesDir() string {
	return filepath.Join(l.root, "worktrees")
}

// LocksDir returns the directory holding per-repo lock files.
func (l Layout) LocksDir() string {
	return filepath.Join(l.root, "locks")
}

// MirrorDir returns the bare mirror directory for key. The ".git" suffix is
// not duplicated when the repo name already ends with it.
func (l Layout) MirrorDir(key RepoKey) string {
	repoDir := string(key.Repo)
	if !strings.HasSuffix(repoDir, ".git") {
		repoDir += ".git"
	}
	return filepath.Join(l.MirrorsDir(), string(key.Owner), repoDir)
}

// WorktreeBase returns the directory holding key's generations.
func (l Layout) WorktreeBase(key RepoKey) string {
	return filepath.Join(l.WorktreesDir(), string(key.Owner), string(key.Repo))
}

// GenerationDir returns the directory of one generation of key.
func (l Layout) GenerationDir(key RepoKey, gen GenerationID) string {
	return filepath.Join(l.WorktreeBase(key), gen.DirName())
}

// CurrentSymlink returns the path of key's "current" symlink.
func (l Layout) CurrentSymlink(key RepoKey) string {
	return filepath.Join(l.WorktreeBase(key), "current")
}

// LockPath returns the path of key's advisory lock file.
func (l Layout) LockPath(key RepoKey) string {
	return filepath.Join(l.LocksDir(), fmt.Sprintf("%s__%s.lock", key.Owner, key.Repo))
}

// StatePath returns the path of the SQLite metadata mirror.
func (l Layout) StatePath() string {
	return filepath.Join(l.root, "state.db")
}

// SocketPath returns the daemon control socket path:
// $XDG_RUNTIME_DIR/ghfs.sock, falling back to /tmp/ghfs-<uid>.sock.
func SocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ghfs.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("ghfs-%d.sock", os.Getuid()))
}
