package fs

import (
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/ghfs/internal/cache"
)

// fakeWorker materializes repos from a pre-built cache tree without git.
type fakeWorker struct {
	layout       cache.Layout
	materialized []cache.RepoKey
	refreshed    []cache.RepoKey
	err          error
}

func (w *fakeWorker) Materialize(key cache.RepoKey) (cache.GenerationRef, error) {
	w.materialized = append(w.materialized, key)
	if w.err != nil {
		return cache.GenerationRef{}, w.err
	}
	gen := cache.GenerationID(1)
	return cache.GenerationRef{
		Path:       w.layout.GenerationDir(key, gen),
		Generation: gen,
		Commit:     "0000000000000000000000000000000000000000",
	}, nil
}

func (w *fakeWorker) Refresh(key cache.RepoKey) {
	w.refreshed = append(w.refreshed, key)
}

// newTestFS builds a cache tree with one materialized generation of
// octocat/hello-world containing README, a subdir and a symlink.
func newTestFS(t *testing.T) (*Filesystem, *fakeWorker, cache.Layout) {
	t.Helper()

	layout := cache.NewLayout(t.TempDir())
	key, err := cache.ParseRepoKey("octocat/hello-world")
	if err != nil {
		t.Fatal(err)
	}

	genDir := layout.GenerationDir(key, 1)
	if err := os.MkdirAll(filepath.Join(genDir, "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(genDir, "README"), []byte("hello world\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// linked worktrees carry a .git file pointing back at the mirror
	if err := os.WriteFile(filepath.Join(genDir, ".git"), []byte("gitdir: ../mirror\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(genDir, "docs", "guide.md"), []byte("# guide\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("README", filepath.Join(genDir, "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(genDir, layout.CurrentSymlink(key)); err != nil {
		t.Fatal(err)
	}

	worker := &fakeWorker{layout: layout}
	return New(worker, layout, slog.Default()), worker, layout
}

// lookupRepoRoot walks root -> owner -> repo and returns the repo inode.
func lookupRepoRoot(t *testing.T, f *Filesystem) (ownerIno, repoIno uint64) {
	t.Helper()
	ownerIno, errno := f.Lookup(RootIno, "octocat")
	if errno != 0 {
		t.Fatalf("owner lookup errno = %v", errno)
	}
	repoIno, errno = f.Lookup(ownerIno, "hello-world")
	if errno != 0 {
		t.Fatalf("repo lookup errno = %v", errno)
	}
	return ownerIno, repoIno
}

func TestLookupRejectsInvalidNames(t *testing.T) {
	f, _, _ := newTestFS(t)

	if _, errno := f.Lookup(RootIno, "-bad"); errno != syscall.ENOENT {
		t.Errorf("invalid owner errno = %v, want ENOENT", errno)
	}

	ownerIno, _ := f.Lookup(RootIno, "octocat")
	if _, errno := f.Lookup(ownerIno, ".bad"); errno != syscall.ENOENT {
		t.Errorf("invalid repo errno = %v, want ENOENT", errno)
	}
}

func TestLookupAdmitsAnyValidOwner(t *testing.T) {
	f, _, _ := newTestFS(t)

	ino1, errno := f.Lookup(RootIno, "some-new-owner")
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	ino2, errno := f.Lookup(RootIno, "some-new-owner")
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if ino1 != ino2 {
		t.Errorf("repeated owner lookups returned %d and %d", ino1, ino2)
	}
	if !IsVirtual(ino1) {
		t.Errorf("owner ino %d should be virtual", ino1)
	}
}

func TestLookupIntoRepoUsesFastPathWhenCurrentExists(t *testing.T) {
	f, worker, _ := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)

	ino, errno := f.Lookup(repoIno, "README")
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if IsVirtual(ino) {
		t.Error("README should be a passthrough inode")
	}

	// current exists on disk, so the worker only gets a background refresh
	if len(worker.materialized) != 0 {
		t.Errorf("expected no blocking materialize, got %v", worker.materialized)
	}
	if len(worker.refreshed) == 0 {
		t.Error("expected a background refresh to be enqueued")
	}
}

func TestLookupBlocksOnWorkerWhenCurrentMissing(t *testing.T) {
	f, worker, layout := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)

	key, _ := cache.ParseRepoKey("octocat/hello-world")
	if err := os.Remove(layout.CurrentSymlink(key)); err != nil {
		t.Fatal(err)
	}

	if _, errno := f.Lookup(repoIno, "README"); errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if len(worker.materialized) != 1 {
		t.Errorf("expected one blocking materialize, got %v", worker.materialized)
	}
}

func TestLookupRepoFailureIsEIO(t *testing.T) {
	f, worker, layout := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)

	key, _ := cache.ParseRepoKey("octocat/hello-world")
	if err := os.Remove(layout.CurrentSymlink(key)); err != nil {
		t.Fatal(err)
	}
	worker.err = cache.ErrRepoNotFound

	if _, errno := f.Lookup(repoIno, "README"); errno != syscall.EIO {
		t.Errorf("errno = %v, want EIO", errno)
	}
}

func TestLookupInodeIdentity(t *testing.T) {
	f, _, _ := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)

	ino1, _ := f.Lookup(repoIno, "README")
	ino2, _ := f.Lookup(repoIno, "README")
	if ino1 != ino2 {
		t.Errorf("same child resolved to %d and %d", ino1, ino2)
	}

	// after a bulk clear the next lookup allocates a fresh inode
	f.ClearPassthrough()
	ino3, _ := f.Lookup(repoIno, "README")
	if ino3 == ino1 {
		t.Error("expected a new inode after clearing the passthrough table")
	}
}

func TestReadDirEntriesOrderAndDots(t *testing.T) {
	f, _, _ := newTestFS(t)
	ownerIno, repoIno := lookupRepoRoot(t, f)

	entries, errno := f.ReadDirEntries(repoIno)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	// byte-lexicographic after . and .. (.git is a file in linked worktrees)
	want := []string{".", "..", ".git", "README", "docs", "link"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	if entries[0].Ino != repoIno {
		t.Errorf("'.' ino = %d, want %d", entries[0].Ino, repoIno)
	}
	if entries[1].Ino != ownerIno {
		t.Errorf("'..' of repo root = %d, want owner ino %d", entries[1].Ino, ownerIno)
	}
}

func TestReadDirRootListsCachedOwners(t *testing.T) {
	f, _, _ := newTestFS(t)

	entries, errno := f.ListChildren(RootIno)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if len(entries) != 1 || entries[0].Name != "octocat" {
		t.Errorf("root entries = %v, want [octocat]", entries)
	}

	ownerIno := entries[0].Ino
	repos, errno := f.ListChildren(ownerIno)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if len(repos) != 1 || repos[0].Name != "hello-world" {
		t.Errorf("owner entries = %v, want [hello-world]", repos)
	}
}

func TestGetattrVirtualAndPassthrough(t *testing.T) {
	f, _, _ := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)

	attr, errno := f.Getattr(RootIno)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if attr.Kind != KindDirectory || attr.Perm != 0755 || attr.Nlink != 2 {
		t.Errorf("unexpected virtual attr: %+v", attr)
	}
	if attr.Uid != uint32(os.Getuid()) {
		t.Errorf("uid = %d, want %d", attr.Uid, os.Getuid())
	}

	readmeIno, _ := f.Lookup(repoIno, "README")
	attr, errno = f.Getattr(readmeIno)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if attr.Kind != KindRegular {
		t.Errorf("README kind = %v, want regular", attr.Kind)
	}
	if attr.Size != uint64(len("hello world\n")) {
		t.Errorf("README size = %d", attr.Size)
	}
	if attr.Perm != 0644 {
		t.Errorf("README perm = %o, want 0644", attr.Perm)
	}

	linkIno, _ := f.Lookup(repoIno, "link")
	attr, errno = f.Getattr(linkIno)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if attr.Kind != KindSymlink {
		t.Errorf("link kind = %v, want symlink", attr.Kind)
	}
}

func TestOpenReadRelease(t *testing.T) {
	f, _, _ := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)
	readmeIno, _ := f.Lookup(repoIno, "README")

	fh, errno := f.Open(readmeIno, uint32(os.O_RDONLY))
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}

	data, errno := f.Read(fh, 0, 5)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if string(data) != "hello" {
		t.Errorf("read = %q, want hello", data)
	}

	// offset read
	data, errno = f.Read(fh, 6, 100)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if string(data) != "world\n" {
		t.Errorf("short read = %q, want world", data)
	}

	if _, errno = f.Read(fh, -1, 1); errno != syscall.EINVAL {
		t.Errorf("negative offset errno = %v, want EINVAL", errno)
	}

	f.Release(fh)
	if _, errno = f.Read(fh, 0, 1); errno != syscall.EBADF {
		t.Errorf("released handle errno = %v, want EBADF", errno)
	}
}

func TestOpenRejectsWriteIntent(t *testing.T) {
	f, _, _ := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)
	readmeIno, _ := f.Lookup(repoIno, "README")

	for _, flags := range []int{os.O_WRONLY, os.O_RDWR} {
		if _, errno := f.Open(readmeIno, uint32(flags)); errno != syscall.EROFS {
			t.Errorf("flags %#o errno = %v, want EROFS", flags, errno)
		}
	}

	if _, errno := f.Open(RootIno, uint32(os.O_RDONLY)); errno != syscall.EISDIR {
		t.Errorf("virtual open errno = %v, want EISDIR", errno)
	}
}

func TestReadlink(t *testing.T) {
	f, _, _ := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)
	linkIno, _ := f.Lookup(repoIno, "link")

	target, errno := f.Readlink(linkIno)
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if string(target) != "README" {
		t.Errorf("target = %q, want README", target)
	}

	if _, errno := f.Readlink(RootIno); errno != syscall.EINVAL {
		t.Errorf("virtual readlink errno = %v, want EINVAL", errno)
	}
}

func TestTTLPolicy(t *testing.T) {
	f, _, _ := newTestFS(t)
	ownerIno, repoIno := lookupRepoRoot(t, f)
	readmeIno, _ := f.Lookup(repoIno, "README")

	if got := f.TTL(RootIno); got != virtualTTL {
		t.Errorf("root TTL = %v, want %v", got, virtualTTL)
	}
	if got := f.TTL(ownerIno); got != virtualTTL {
		t.Errorf("owner TTL = %v, want %v", got, virtualTTL)
	}
	if got := f.TTL(repoIno); got != repoTTL {
		t.Errorf("repo TTL = %v, want %v", got, repoTTL)
	}
	if got := f.TTL(readmeIno); got != fileTTL {
		t.Errorf("file TTL = %v, want %v", got, fileTTL)
	}
}

func TestGenerationChangeClearsPassthroughInodes(t *testing.T) {
	f, _, layout := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)

	oldIno, errno := f.Lookup(repoIno, "README")
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}

	// publish a new generation and repoint current at it
	key, _ := cache.ParseRepoKey("octocat/hello-world")
	gen2 := layout.GenerationDir(key, 2)
	if err := os.MkdirAll(gen2, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gen2, "README"), []byte("hello again\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(layout.CurrentSymlink(key)); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(gen2, layout.CurrentSymlink(key)); err != nil {
		t.Fatal(err)
	}

	newIno, errno := f.Lookup(repoIno, "README")
	if errno != 0 {
		t.Fatalf("errno = %v", errno)
	}
	if newIno == oldIno {
		t.Error("generation change should have cleared the old passthrough inode")
	}
	if _, ok := f.inodes.Get(oldIno); ok {
		t.Error("old generation's inode should have been dropped from the table")
	}
}

func TestForgetDropsPassthroughOnly(t *testing.T) {
	f, _, _ := newTestFS(t)
	_, repoIno := lookupRepoRoot(t, f)
	readmeIno, _ := f.Lookup(repoIno, "README")

	f.Forget(readmeIno)
	if _, ok := f.inodes.Get(readmeIno); ok {
		t.Error("forgotten passthrough inode should be gone")
	}

	f.Forget(repoIno)
	if _, ok := f.getVirtual(repoIno); !ok {
		t.Error("virtual nodes must survive forget")
	}
}
