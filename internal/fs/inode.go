package fs

import (
	"github.com/utilitywarehouse/ghfs/internal/cache"
	"github.com/utilitywarehouse/ghfs/internal/lock"
)

// Reserved inode ranges. Virtual nodes (root, owners, repos) live below
// PassthroughInoStart; everything at or above it is backed by a real file
// inside a generation.
const (
	RootIno             uint64 = 1
	VirtualInoStart     uint64 = 2
	VirtualInoEnd       uint64 = 1000
	PassthroughInoStart uint64 = 1001
)

// UnderlyingKey identifies a real file independently of its path. Two
// directory entries from different generations that share (dev, ino) are
// distinct keys.
type UnderlyingKey struct {
	Dev        uint64
	Ino        uint64
	Generation cache.GenerationID
}

// InodeInfo is what the table stores per passthrough inode.
type InodeInfo struct {
	// Path is the real file the inode delegates to. It was observed to
	// exist when the inode was allocated.
	Path string
	// Key is the underlying identity the inode was allocated for.
	Key UnderlyingKey
	// Parent is the inode of the directory the entry was first resolved
	// under.
	Parent uint64
}

// InodeTable maps passthrough inodes to real files and back. The reverse
// map makes repeated lookups of the same underlying file idempotent.
type InodeTable struct {
	mu      lock.RWMutex
	nextIno uint64
	inodes  map[uint64]InodeInfo
	reverse map[UnderlyingKey]uint64
}

// NewInodeTable creates an empty table allocating from PassthroughInoStart.
func NewInodeTable() *InodeTable {
	return &InodeTable{
		nextIno: PassthroughInoStart,
		inodes:  make(map[uint64]InodeInfo),
		reverse: make(map[UnderlyingKey]uint64),
	}
}

// IsVirtual reports whether ino falls in the virtual range.
func IsVirtual(ino uint64) bool {
	return ino < PassthroughInoStart
}

// GetOrInsert returns the inode for key, allocating one if this underlying
// file has not been seen. The first inserter wins; callers racing on the
// same key all get the same inode.
func (t *InodeTable) GetOrInsert(path string, key UnderlyingKey, parent uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino, ok := t.reverse[key]; ok {
		return ino, false
	}

	ino := t.nextIno
	t.nextIno++
	t.inodes[ino] = InodeInfo{Path: path, Key: key, Parent: parent}
	t.reverse[key] = ino
	return ino, true
}

// Get looks up info for a passthrough inode.
func (t *InodeTable) Get(ino uint64) (InodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.inodes[ino]
	return info, ok
}

// Forget drops an inode from both directions. Called when the kernel
// forgets the node.
func (t *InodeTable) Forget(ino uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if info, ok := t.inodes[ino]; ok {
		delete(t.reverse, info.Key)
		delete(t.inodes, ino)
	}
}

// ClearPassthrough drops every entry, for use on generation transitions.
func (t *InodeTable) ClearPassthrough() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inodes = make(map[uint64]InodeInfo)
	t.reverse = make(map[UnderlyingKey]uint64)
}

// Len returns the number of live passthrough inodes.
func (t *InodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.inodes)
}
