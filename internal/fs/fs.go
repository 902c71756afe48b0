// Package fs implements the read-only filesystem surface: a virtual
// owner/repo hierarchy over the cache tree plus a passthrough layer that
// delegates stat/read to real files inside materialized generations.
//
// The protocol adapter (Filesystem) speaks in inode numbers and errnos so it
// can be tested without a kernel mount; raw.go binds it to FUSE.
package fs

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/lock"
	"github.com/utilitywarehouse/ghfs/internal/utils"
)

// Attribute TTLs. Virtual root/owner dirs rarely change; the repo boundary
// is short so generation changes surface quickly; generation contents are
// immutable.
const (
	virtualTTL = 60 * time.Second
	repoTTL    = 5 * time.Second
	fileTTL    = time.Hour
)

// Materializer is the daemon worker contract the surface depends on:
// a blocking ensure-current and a fire-and-forget background refresh.
type Materializer interface {
	Materialize(key cache.RepoKey) (cache.GenerationRef, error)
	Refresh(key cache.RepoKey)
}

// FileKind is the subset of file types the surface exposes.
type FileKind int

const (
	KindDirectory FileKind = iota
	KindRegular
	KindSymlink
)

// Attr is a filesystem-neutral stat result.
type Attr struct {
	Ino     uint64
	Size    uint64
	Blocks  uint64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Kind    FileKind
	Perm    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint32
	Blksize uint32
}

// DirEntry is one readdir row.
type DirEntry struct {
	Ino  uint64
	Kind FileKind
	Name string
}

type vnodeKind int

const (
	vnodeRoot vnodeKind = iota
	vnodeOwner
	vnodeRepo
)

type virtualNode struct {
	kind   vnodeKind
	owner  string
	repo   string
	parent uint64
}

type nameKey struct {
	parent uint64
	name   string
}

// Filesystem is the inode-level protocol adapter.
// A Filesystem is safe for concurrent use by multiple goroutines.
type Filesystem struct {
	worker Materializer
	layout cache.Layout
	inodes *InodeTable

	// uid/gid reported for virtual directories, captured at startup
	uid uint32
	gid uint32

	openMu    lock.Mutex
	openFiles map[uint64]*os.File
	nextFh    atomic.Uint64

	vMu          lock.RWMutex
	virtualNodes map[uint64]virtualNode
	virtualNames map[nameKey]uint64
	nextVirtual  atomic.Uint64

	// generation last resolved per repo, to detect transitions
	genMu   lock.Mutex
	lastGen map[cache.RepoKey]cache.GenerationID

	log *slog.Logger
}

// New creates the filesystem surface over the given worker and cache layout.
func New(worker Materializer, layout cache.Layout, log *slog.Logger) *Filesystem {
	if log == nil {
		log = slog.Default()
	}

	f := &Filesystem{
		worker:       worker,
		layout:       layout,
		inodes:       NewInodeTable(),
		uid:          uint32(os.Getuid()),
		gid:          uint32(os.Getgid()),
		openFiles:    make(map[uint64]*os.File),
		virtualNodes: make(map[uint64]virtualNode),
		virtualNames: make(map[nameKey]uint64),
		lastGen:      make(map[cache.RepoKey]cache.GenerationID),
		log:          log,
	}
	f.virtualNodes[RootIno] = virtualNode{kind: vnodeRoot}
	f.nextVirtual.Store(VirtualInoStart)
	return f
}

func (f *Filesystem) allocVirtualIno() (uint64, syscall.Errno) {
	ino := f.nextVirtual.Add(1) - 1
	if ino > VirtualInoEnd {
		return 0, syscall.ENOSPC
	}
	return ino, 0
}

func (f *Filesystem) getVirtual(ino uint64) (virtualNode, bool) {
	f.vMu.RLock()
	defer f.vMu.RUnlock()

	node, ok := f.virtualNodes[ino]
	return node, ok
}

func (f *Filesystem) getOrCreateOwner(owner string) (uint64, syscall.Errno) {
	f.vMu.Lock()
	defer f.vMu.Unlock()

	key := nameKey{parent: RootIno, name: owner}
	if ino, ok := f.virtualNames[key]; ok {
		return ino, 0
	}
	ino, errno := f.allocVirtualIno()
	if errno != 0 {
		return 0, errno
	}
	f.virtualNodes[ino] = virtualNode{kind: vnodeOwner, owner: owner}
	f.virtualNames[key] = ino
	return ino, 0
}

func (f *Filesystem) getOrCreateRepo(parent uint64, owner, repo string) (uint64, syscall.Errno) {
	f.vMu.Lock()
	defer f.vMu.Unlock()

	key := nameKey{parent: parent, name: repo}
	if ino, ok := f.virtualNames[key]; ok {
		return ino, 0
	}
	ino, errno := f.allocVirtualIno()
	if errno != 0 {
		return 0, errno
	}
	f.virtualNodes[ino] = virtualNode{kind: vnodeRepo, owner: owner, repo: repo, parent: parent}
	f.virtualNames[key] = ino
	return ino, 0
}

// ensureRepoMaterialized resolves a repo directory into its generation path
// and id. A readable "current" is served directly from the upcall goroutine
// with a background refresh enqueued; otherwise the call blocks on the
// worker until the repo is materialized.
func (f *Filesystem) ensureRepoMaterialized(owner, repo string) (string, cache.GenerationID, bool) {
	key, err := cache.ParseRepoKey(owner + "/" + repo)
	if err != nil {
		return "", 0, false
	}

	currentLink := f.layout.CurrentSymlink(key)
	if target, err := utils.ReadAbsLink(currentLink); err == nil && target != "" {
		if gen, ok := cache.ParseGenerationDirName(filepath.Base(target)); ok {
			if _, err := os.Stat(target); err == nil {
				f.worker.Refresh(key)
				f.noteGeneration(key, gen)
				return target, gen, true
			}
		}
	}

	ref, err := f.worker.Materialize(key)
	if err != nil {
		f.log.Error("failed to materialize repo", "repo", key, "err", err)
		return "", 0, false
	}
	f.noteGeneration(key, ref.Generation)
	return ref.Path, ref.Generation, true
}

// noteGeneration tracks the generation a repo last resolved to and clears
// the passthrough table wholesale when it changes, so inodes from a
// superseded generation are never served against the new one.
func (f *Filesystem) noteGeneration(key cache.RepoKey, gen cache.GenerationID) {
	f.genMu.Lock()
	prev, seen := f.lastGen[key]
	f.lastGen[key] = gen
	f.genMu.Unlock()

	if seen && prev != gen {
		f.log.Debug("generation changed, clearing passthrough inodes", "repo", key, "from", prev, "to", gen)
		f.ClearPassthrough()
	}
}

// listCachedOwners enumerates owner directories under worktrees/, keeping
// only names that pass owner validation.
func (f *Filesystem) listCachedOwners() []string {
	var owners []string

	entries, err := os.ReadDir(f.layout.WorktreesDir())
	if err != nil {
		return owners
	}
	for _, e := range entries {
		if e.IsDir() && cache.IsValidOwner(e.Name()) {
			owners = append(owners, e.Name())
		}
	}
	sort.Strings(owners)
	return owners
}

func (f *Filesystem) listCachedRepos(owner string) []string {
	var repos []string

	entries, err := os.ReadDir(filepath.Join(f.layout.WorktreesDir(), owner))
	if err != nil {
		return repos
	}
	for _, e := range entries {
		if e.IsDir() && cache.IsValidRepo(e.Name()) {
			repos = append(repos, e.Name())
		}
	}
	sort.Strings(repos)
	return repos
}

// Lookup resolves name under parent into an inode.
func (f *Filesystem) Lookup(parent uint64, name string) (uint64, syscall.Errno) {
	if parent == RootIno {
		if !cache.IsValidOwner(name) {
			return 0, syscall.ENOENT
		}
		return f.getOrCreateOwner(name)
	}

	if node, ok := f.getVirtual(parent); ok {
		switch node.kind {
		case vnodeOwner:
			if !cache.IsValidRepo(name) {
				return 0, syscall.ENOENT
			}
			return f.getOrCreateRepo(parent, node.owner, name)
		case vnodeRepo:
			genPath, gen, ok := f.ensureRepoMaterialized(node.owner, node.repo)
			if !ok {
				return 0, syscall.EIO
			}
			return f.lookupPathChild(parent, genPath, gen, name)
		default:
			return 0, syscall.ENOENT
		}
	}

	if IsVirtual(parent) {
		return 0, syscall.ENOENT
	}

	info, ok := f.inodes.Get(parent)
	if !ok {
		return 0, syscall.ENOENT
	}
	return f.lookupPathChild(parent, info.Path, info.Key.Generation, name)
}

func (f *Filesystem) lookupPathChild(parent uint64, basePath string, gen cache.GenerationID, name string) (uint64, syscall.Errno) {
	childPath := filepath.Join(basePath, name)

	var st syscall.Stat_t
	if err := syscall.Lstat(childPath, &st); err != nil {
		return 0, syscall.ENOENT
	}

	key := UnderlyingKey{Dev: uint64(st.Dev), Ino: st.Ino, Generation: gen}
	ino, _ := f.inodes.GetOrInsert(childPath, key, parent)
	return ino, 0
}

// Getattr stats an inode. Virtual nodes get a synthetic directory
// attribute; passthrough nodes translate the underlying lstat.
func (f *Filesystem) Getattr(ino uint64) (Attr, syscall.Errno) {
	if IsVirtual(ino) {
		if _, ok := f.getVirtual(ino); !ok {
			return Attr{}, syscall.ENOENT
		}
		return f.virtualDirAttr(ino), 0
	}

	info, ok := f.inodes.Get(ino)
	if !ok {
		return Attr{}, syscall.ENOENT
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(info.Path, &st); err != nil {
		return Attr{}, errnoOf(err, syscall.EIO)
	}
	return statToAttr(ino, &st), 0
}

func (f *Filesystem) virtualDirAttr(ino uint64) Attr {
	return Attr{
		Ino:     ino,
		Kind:    KindDirectory,
		Perm:    0755,
		Nlink:   2,
		Uid:     f.uid,
		Gid:     f.gid,
		Blksize: 512,
	}
}

func statToAttr(ino uint64, st *syscall.Stat_t) Attr {
	kind := KindRegular
	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		kind = KindDirectory
	case syscall.S_IFLNK:
		kind = KindSymlink
	}

	return Attr{
		Ino:     ino,
		Size:    uint64(st.Size),
		Blocks:  uint64(st.Blocks),
		Atime:   time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec)),
		Mtime:   time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec)),
		Ctime:   time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)),
		Kind:    kind,
		Perm:    uint32(st.Mode) & 0o7777,
		Nlink:   uint32(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    uint32(st.Rdev),
		Blksize: uint32(st.Blksize),
	}
}

func errnoOf(err error, fallback syscall.Errno) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return fallback
}

// ParentIno returns the ".." inode for a directory. The parent of a repo
// root is its owner virtual node.
func (f *Filesystem) ParentIno(ino uint64) uint64 {
	if ino == RootIno {
		return RootIno
	}

	if node, ok := f.getVirtual(ino); ok {
		switch node.kind {
		case vnodeRepo:
			return node.parent
		default:
			return RootIno
		}
	}

	if info, ok := f.inodes.Get(ino); ok {
		return info.Parent
	}
	return RootIno
}

// ListChildren enumerates a directory, without the "." and ".." entries.
func (f *Filesystem) ListChildren(ino uint64) ([]DirEntry, syscall.Errno) {
	if node, ok := f.getVirtual(ino); ok {
		switch node.kind {
		case vnodeRoot:
			var out []DirEntry
			for _, owner := range f.listCachedOwners() {
				ownerIno, errno := f.getOrCreateOwner(owner)
				if errno != 0 {
					continue
				}
				out = append(out, DirEntry{Ino: ownerIno, Kind: KindDirectory, Name: owner})
			}
			return out, 0
		case vnodeOwner:
			var out []DirEntry
			for _, repo := range f.listCachedRepos(node.owner) {
				repoIno, errno := f.getOrCreateRepo(ino, node.owner, repo)
				if errno != 0 {
					continue
				}
				out = append(out, DirEntry{Ino: repoIno, Kind: KindDirectory, Name: repo})
			}
			return out, 0
		case vnodeRepo:
			genPath, gen, ok := f.ensureRepoMaterialized(node.owner, node.repo)
			if !ok {
				return nil, syscall.EIO
			}
			return f.listRealChildren(ino, genPath, gen)
		}
	}

	if IsVirtual(ino) {
		return nil, syscall.ENOENT
	}

	info, ok := f.inodes.Get(ino)
	if !ok {
		return nil, syscall.ENOENT
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(info.Path, &st); err != nil {
		return nil, errnoOf(err, syscall.EIO)
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		return nil, syscall.ENOTDIR
	}
	return f.listRealChildren(ino, info.Path, info.Key.Generation)
}

func (f *Filesystem) listRealChildren(parentIno uint64, dirPath string, gen cache.GenerationID) ([]DirEntry, syscall.Errno) {
	dirents, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, errnoOf(err, syscall.EIO)
	}

	var out []DirEntry
	for _, e := range dirents {
		childPath := filepath.Join(dirPath, e.Name())

		var st syscall.Stat_t
		if err := syscall.Lstat(childPath, &st); err != nil {
			continue
		}

		key := UnderlyingKey{Dev: uint64(st.Dev), Ino: st.Ino, Generation: gen}
		childIno, _ := f.inodes.GetOrInsert(childPath, key, parentIno)

		kind := KindRegular
		switch st.Mode & syscall.S_IFMT {
		case syscall.S_IFDIR:
			kind = KindDirectory
		case syscall.S_IFLNK:
			kind = KindSymlink
		}
		out = append(out, DirEntry{Ino: childIno, Kind: kind, Name: e.Name()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, 0
}

// ReadDirEntries is ListChildren with "." and ".." prepended, as emitted to
// the kernel.
func (f *Filesystem) ReadDirEntries(ino uint64) ([]DirEntry, syscall.Errno) {
	children, errno := f.ListChildren(ino)
	if errno != 0 {
		return nil, errno
	}

	entries := make([]DirEntry, 0, len(children)+2)
	entries = append(entries,
		DirEntry{Ino: ino, Kind: KindDirectory, Name: "."},
		DirEntry{Ino: f.ParentIno(ino), Kind: KindDirectory, Name: ".."},
	)
	return append(entries, children...), 0
}

// Open opens a passthrough file for reading and returns a handle. Any write
// intent is rejected with EROFS; virtual nodes are directories.
func (f *Filesystem) Open(ino uint64, flags uint32) (uint64, syscall.Errno) {
	if int(flags)&syscall.O_ACCMODE != syscall.O_RDONLY {
		return 0, syscall.EROFS
	}

	if IsVirtual(ino) {
		return 0, syscall.EISDIR
	}

	info, ok := f.inodes.Get(ino)
	if !ok {
		return 0, syscall.ENOENT
	}

	file, err := os.Open(info.Path)
	if err != nil {
		return 0, errnoOf(err, syscall.EIO)
	}

	fh := f.nextFh.Add(1)
	f.openMu.Lock()
	f.openFiles[fh] = file
	f.openMu.Unlock()
	return fh, 0
}

// Read reads size bytes at offset from an open handle. Short reads are
// returned as-is.
func (f *Filesystem) Read(fh uint64, offset int64, size uint32) ([]byte, syscall.Errno) {
	if offset < 0 {
		return nil, syscall.EINVAL
	}

	f.openMu.Lock()
	file, ok := f.openFiles[fh]
	f.openMu.Unlock()
	if !ok {
		return nil, syscall.EBADF
	}

	buf := make([]byte, size)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, errnoOf(err, syscall.EIO)
	}
	return buf[:n], 0
}

// Release drops an open handle.
func (f *Filesystem) Release(fh uint64) {
	f.openMu.Lock()
	file, ok := f.openFiles[fh]
	delete(f.openFiles, fh)
	f.openMu.Unlock()

	if ok {
		file.Close()
	}
}

// Readlink returns the raw link target bytes of a passthrough symlink.
func (f *Filesystem) Readlink(ino uint64) ([]byte, syscall.Errno) {
	if IsVirtual(ino) {
		return nil, syscall.EINVAL
	}

	info, ok := f.inodes.Get(ino)
	if !ok {
		return nil, syscall.ENOENT
	}

	target, err := os.Readlink(info.Path)
	if err != nil {
		return nil, errnoOf(err, syscall.EIO)
	}
	return []byte(target), 0
}

// Forget drops a passthrough inode from the table. Virtual inodes are kept
// for the life of the process.
func (f *Filesystem) Forget(ino uint64) {
	if !IsVirtual(ino) {
		f.inodes.Forget(ino)
	}
}

// ClearPassthrough drops the whole passthrough table, for generation
// transitions.
func (f *Filesystem) ClearPassthrough() {
	f.inodes.ClearPassthrough()
}

// TTL returns the attribute/entry timeout for an inode.
func (f *Filesystem) TTL(ino uint64) time.Duration {
	if !IsVirtual(ino) {
		return fileTTL
	}
	if node, ok := f.getVirtual(ino); ok && node.kind == vnodeRepo {
		return repoTTL
	}
	return virtualTTL
}
