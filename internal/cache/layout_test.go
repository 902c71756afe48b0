package cache

import (
	"path/filepath"
	"testing"
)

func mustKey(t *testing.T, s string) RepoKey {
	t.Helper()
	key, err := ParseRepoKey(s)
	if err != nil {
		t.Fatalf("ParseRepoKey(%q): %v", s, err)
	}
	return key
}

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/cache-root")
	key := mustKey(t, "octocat/hello-world")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"mirrors dir", l.MirrorsDir(), "/cache-root/mirrors"},
		{"worktrees dir", l.WorktreesDir(), "/cache-root/worktrees"},
		{"locks dir", l.LocksDir(), "/cache-root/locks"},
		{"mirror dir", l.MirrorDir(key), "/cache-root/mirrors/octocat/hello-world.git"},
		{"worktree base", l.WorktreeBase(key), "/cache-root/worktrees/octocat/hello-world"},
		{"generation dir", l.GenerationDir(key, 1), "/cache-root/worktrees/octocat/hello-world/gen-000001"},
		{"current symlink", l.CurrentSymlink(key), "/cache-root/worktrees/octocat/hello-world/current"},
		{"lock path", l.LockPath(key), "/cache-root/locks/octocat__hello-world.lock"},
		{"state path", l.StatePath(), "/cache-root/state.db"},
	}
	for _, tt := range tests {
		if tt.got != filepath.FromSlash(tt.want) {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestLayoutMirrorDirNoDoubleGitSuffix(t *testing.T) {
	l := NewLayout("/cache-root")
	key := mustKey(t, "my-org/my-repo.git")

	if got, want := l.MirrorDir(key), "/cache-root/mirrors/my-org/my-repo.git"; got != want {
		t.Errorf("MirrorDir = %q, want %q", got, want)
	}
}

func TestLayoutLockPathSpecialChars(t *testing.T) {
	l := NewLayout("/cache-root")
	key := mustKey(t, "my-org/my_repo.v2")

	if got, want := l.LockPath(key), "/cache-root/locks/my-org__my_repo.v2.lock"; got != want {
		t.Errorf("LockPath = %q, want %q", got, want)
	}
}

func TestDefaultLayoutEndsWithGhfs(t *testing.T) {
	l := DefaultLayout()
	if filepath.Base(l.Root()) != "ghfs" {
		t.Errorf("default root %q should end with ghfs", l.Root())
	}
}
