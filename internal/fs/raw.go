package fs

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// rawFS binds the protocol adapter to the go-fuse raw filesystem API.
// Unimplemented operations fall through to the embedded default (ENOSYS);
// every mutating operation is pinned to EROFS.
type rawFS struct {
	fuse.RawFileSystem
	fs *Filesystem
}

// NewServer mounts the filesystem read-only at mountpoint and returns the
// FUSE server. The caller runs Serve and Unmount.
func NewServer(f *Filesystem, mountpoint string, debug bool) (*fuse.Server, error) {
	raw := &rawFS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            f,
	}

	opts := &fuse.MountOptions{
		FsName:  "ghfs",
		Name:    "ghfs",
		Options: []string{"ro"},
		Debug:   debug,
	}
	return fuse.NewServer(raw, mountpoint, opts)
}

func (r *rawFS) String() string {
	return "ghfs"
}

func kindToMode(kind FileKind) uint32 {
	switch kind {
	case KindDirectory:
		return syscall.S_IFDIR
	case KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func (r *rawFS) fillAttr(a Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Atime = uint64(a.Atime.Unix())
	out.Atimensec = uint32(a.Atime.Nanosecond())
	out.Mtime = uint64(a.Mtime.Unix())
	out.Mtimensec = uint32(a.Mtime.Nanosecond())
	out.Ctime = uint64(a.Ctime.Unix())
	out.Ctimensec = uint32(a.Ctime.Nanosecond())
	out.Mode = kindToMode(a.Kind) | a.Perm
	out.Nlink = a.Nlink
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.Rdev = a.Rdev
	out.Blksize = a.Blksize
}

func (r *rawFS) fillEntry(ino uint64, out *fuse.EntryOut) fuse.Status {
	attr, errno := r.fs.Getattr(ino)
	if errno != 0 {
		return fuse.ToStatus(errno)
	}

	out.NodeId = ino
	r.fillAttr(attr, &out.Attr)
	ttl := r.fs.TTL(ino)
	out.SetEntryTimeout(ttl)
	out.SetAttrTimeout(ttl)
	return fuse.OK
}

func (r *rawFS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	recordOp("lookup")
	ino, errno := r.fs.Lookup(header.NodeId, name)
	if errno != 0 {
		return fuse.ToStatus(errno)
	}
	return r.fillEntry(ino, out)
}

func (r *rawFS) Forget(nodeid, nlookup uint64) {
	r.fs.Forget(nodeid)
}

func (r *rawFS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	recordOp("getattr")
	attr, errno := r.fs.Getattr(input.NodeId)
	if errno != 0 {
		return fuse.ToStatus(errno)
	}
	r.fillAttr(attr, &out.Attr)
	out.SetTimeout(r.fs.TTL(input.NodeId))
	return fuse.OK
}

func (r *rawFS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	return fuse.OK
}

func (r *rawFS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	recordOp("readdir")
	entries, errno := r.fs.ReadDirEntries(input.NodeId)
	if errno != 0 {
		return fuse.ToStatus(errno)
	}

	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		if !out.AddDirEntry(fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: kindToMode(e.Kind)}) {
			break
		}
	}
	return fuse.OK
}

func (r *rawFS) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	recordOp("readdir")
	entries, errno := r.fs.ReadDirEntries(input.NodeId)
	if errno != 0 {
		return fuse.ToStatus(errno)
	}

	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: kindToMode(e.Kind)})
		if entryOut == nil {
			break
		}
		// "." and ".." never get lookup entries
		if e.Name == "." || e.Name == ".." {
			continue
		}
		r.fillEntry(e.Ino, entryOut)
	}
	return fuse.OK
}

func (r *rawFS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	recordOp("open")
	fh, errno := r.fs.Open(input.NodeId, input.Flags)
	if errno != 0 {
		return fuse.ToStatus(errno)
	}
	out.Fh = fh
	// generations are immutable, let the kernel keep its page cache
	out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	return fuse.OK
}

func (r *rawFS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	recordOp("read")
	data, errno := r.fs.Read(input.Fh, int64(input.Offset), input.Size)
	if errno != 0 {
		return nil, fuse.ToStatus(errno)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (r *rawFS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	r.fs.Release(input.Fh)
}

func (r *rawFS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	recordOp("readlink")
	data, errno := r.fs.Readlink(header.NodeId)
	if errno != 0 {
		return nil, fuse.ToStatus(errno)
	}
	return data, fuse.OK
}

func (r *rawFS) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	out.Bsize = 4096
	out.NameLen = 255
	out.Frsize = 4096
	return fuse.OK
}

// write rejection

func (r *rawFS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	return 0, fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}

func (r *rawFS) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	return fuse.ToStatus(syscall.EROFS)
}
