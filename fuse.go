package agentfs

import (
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"sync"
	"sync/atomic"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func errToFuseStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}

	var e *Error
	if errors.As(err, &e) {
		return fuse.Status(e.Errno)
	}
	if errno, ok := err.(unix.Errno); ok {
		return fuse.Status(errno)
	}

	if errors.Is(err, iofs.ErrNotExist) {
		return fuse.Status(unix.ENOENT)
	} else if errors.Is(err, iofs.ErrPermission) {
		return fuse.Status(unix.EPERM)
	} else if errors.Is(err, iofs.ErrExist) {
		return fuse.Status(unix.EEXIST)
	} else if errors.Is(err, iofs.ErrInvalid) {
		return fuse.Status(unix.EINVAL)
	}

	return fuse.Status(fuse.EIO)
}

func fillFuseAttrFromStat(stat *Stat, chunkSize uint64, out *fuse.Attr) {
	out.Ino = stat.Ino
	out.Size = stat.Size
	out.Blocks = stat.Size / 512
	out.Blksize = uint32(chunkSize)
	out.Atime = stat.Atimesec
	out.Atimensec = stat.Atimensec
	out.Mtime = stat.Mtimesec
	out.Mtimensec = stat.Mtimensec
	out.Ctime = stat.Ctimesec
	out.Ctimensec = stat.Ctimensec
	out.Mode = stat.Mode
	out.Nlink = stat.Nlink
	out.Owner.Uid = stat.Uid
	out.Owner.Gid = stat.Gid
	out.Rdev = stat.Rdev
}

type openHandle struct {
	f  File
	di *DirIter
}

// FuseFs adapts any FileSystem to the go-fuse raw protocol.
type FuseFs struct {
	fuse.RawFileSystem
	server *fuse.Server

	fs        FileSystem
	chunkSize uint64

	fileHandleCounter uint64

	lock      sync.Mutex
	fh2Handle map[uint64]*openHandle
	// parents remembers the parent of every directory the kernel has
	// seen, so readdir can report a real inode for '..'.
	parents map[uint64]uint64
}

func NewFuseFs(fs FileSystem) *FuseFs {
	chunkSize := uint64(DEFAULT_CHUNK_SIZE)
	switch inner := fs.(type) {
	case *Fs:
		chunkSize = inner.ChunkSize()
	case *Overlay:
		chunkSize = inner.Delta().ChunkSize()
	}
	return &FuseFs{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
		chunkSize:     chunkSize,
		fh2Handle:     make(map[uint64]*openHandle),
		parents:       make(map[uint64]uint64),
	}
}

func (fs *FuseFs) rememberParent(child *Stat, parent uint64) {
	if child.Mode&S_IFMT != S_IFDIR {
		return
	}
	fs.lock.Lock()
	fs.parents[child.Ino] = parent
	fs.lock.Unlock()
}

// parentIno falls back to the directory itself when the parent is
// unknown, which only happens for the root.
func (fs *FuseFs) parentIno(dir uint64) uint64 {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if parent, ok := fs.parents[dir]; ok {
		return parent
	}
	return dir
}

func (fs *FuseFs) fillFuseEntryOutFromStat(stat *Stat, out *fuse.EntryOut) {
	out.Generation = 0
	out.NodeId = stat.Ino
	fillFuseAttrFromStat(stat, fs.chunkSize, &out.Attr)
}

func (fs *FuseFs) nextFileHandle() uint64 {
	return atomic.AddUint64(&fs.fileHandleCounter, 1)
}

func (fs *FuseFs) newHandle(h *openHandle) uint64 {
	fh := fs.nextFileHandle()
	fs.lock.Lock()
	fs.fh2Handle[fh] = h
	fs.lock.Unlock()
	return fh
}

func (fs *FuseFs) handle(fh uint64) *openHandle {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.fh2Handle[fh]
}

func (fs *FuseFs) Init(server *fuse.Server) {
	fs.server = server
}

func (fs *FuseFs) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	stat, err := fs.fs.Lookup(context.Background(), header.NodeId, name)
	if err != nil {
		return errToFuseStatus(err)
	}
	fs.rememberParent(&stat, header.NodeId)
	fs.fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) Forget(nodeId, nlookup uint64) {
	fs.lock.Lock()
	delete(fs.parents, nodeId)
	fs.lock.Unlock()
	_ = fs.fs.Forget(context.Background(), nodeId, nlookup)
}

func (fs *FuseFs) GetAttr(cancel <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	stat, err := fs.fs.GetStat(context.Background(), in.NodeId)
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseAttrFromStat(&stat, fs.chunkSize, &out.Attr)
	return fuse.OK
}

func (fs *FuseFs) SetAttr(cancel <-chan struct{}, in *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	opts := SetStatOpts{}

	if mtime, ok := in.GetMTime(); ok {
		opts.SetMtime(mtime)
	}
	if atime, ok := in.GetATime(); ok {
		opts.SetAtime(atime)
	}
	if ctime, ok := in.GetCTime(); ok {
		opts.SetCtime(ctime)
	}
	if size, ok := in.GetSize(); ok {
		opts.SetSize(size)
	}
	if mode, ok := in.GetMode(); ok {
		opts.SetMode(mode)
	}
	if uid, ok := in.GetUID(); ok {
		opts.SetUid(uid)
	}
	if gid, ok := in.GetGID(); ok {
		opts.SetGid(gid)
	}

	stat, err := fs.fs.SetStat(context.Background(), in.NodeId, opts)
	if err != nil {
		return errToFuseStatus(err)
	}

	fillFuseAttrFromStat(&stat, fs.chunkSize, &out.Attr)
	return fuse.OK
}

func (fs *FuseFs) Open(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	accMode := in.Flags & unix.O_ACCMODE
	f, err := fs.fs.OpenFile(context.Background(), in.NodeId, OpenFileOpts{
		Truncate: in.Flags&unix.O_TRUNC != 0,
		ForWrite: accMode == unix.O_WRONLY || accMode == unix.O_RDWR,
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	out.Fh = fs.newHandle(&openHandle{f: f})
	out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	return fuse.OK
}

func (fs *FuseFs) Create(cancel <-chan struct{}, in *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	f, stat, err := fs.fs.CreateFile(context.Background(), in.NodeId, name, CreateFileOpts{
		Truncate: in.Flags&unix.O_TRUNC != 0,
		Mode:     (in.Mode &^ S_IFMT) | S_IFREG,
		Uid:      in.Owner.Uid,
		Gid:      in.Owner.Gid,
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	fs.fillFuseEntryOutFromStat(&stat, &out.EntryOut)

	out.Fh = fs.newHandle(&openHandle{f: f})
	out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	return fuse.OK
}

func (fs *FuseFs) Mknod(cancel <-chan struct{}, in *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	stat, err := fs.fs.Mknod(context.Background(), in.NodeId, name, MknodOpts{
		Mode: in.Mode,
		Uid:  in.Owner.Uid,
		Gid:  in.Owner.Gid,
		Rdev: in.Rdev,
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	fs.fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) Release(cancel <-chan struct{}, in *fuse.ReleaseIn) {
	fs.lock.Lock()
	h := fs.fh2Handle[in.Fh]
	delete(fs.fh2Handle, in.Fh)
	fs.lock.Unlock()
	if h != nil && h.f != nil {
		_ = h.f.Close()
	}
}

func (fs *FuseFs) Flush(cancel <-chan struct{}, in *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (fs *FuseFs) Rename(cancel <-chan struct{}, in *fuse.RenameIn, fromName string, toName string) fuse.Status {
	err := fs.fs.Rename(context.Background(), in.NodeId, fromName, in.Newdir, toName)
	return errToFuseStatus(err)
}

func (fs *FuseFs) Link(cancel <-chan struct{}, in *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	stat, err := fs.fs.HardLink(context.Background(), in.NodeId, name, in.Oldnodeid)
	if err != nil {
		return errToFuseStatus(err)
	}
	fs.fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) Read(cancel <-chan struct{}, in *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	h := fs.handle(in.Fh)
	if h == nil || h.f == nil {
		return nil, fuse.Status(unix.EBADF)
	}
	n, err := h.f.ReadData(context.Background(), buf, in.Offset)
	if err != nil && err != io.EOF {
		return nil, errToFuseStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (fs *FuseFs) Write(cancel <-chan struct{}, in *fuse.WriteIn, buf []byte) (uint32, fuse.Status) {
	h := fs.handle(in.Fh)
	if h == nil || h.f == nil {
		return 0, fuse.Status(unix.EBADF)
	}
	nWritten := uint32(0)
	for nWritten < uint32(len(buf)) {
		n, err := h.f.WriteData(context.Background(), buf[nWritten:], in.Offset+uint64(nWritten))
		nWritten += n
		if err != nil {
			return nWritten, errToFuseStatus(err)
		}
	}
	return nWritten, fuse.OK
}

func (fs *FuseFs) Unlink(cancel <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	err := fs.fs.Unlink(context.Background(), in.NodeId, name)
	return errToFuseStatus(err)
}

func (fs *FuseFs) Rmdir(cancel <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	err := fs.fs.Rmdir(context.Background(), in.NodeId, name)
	return errToFuseStatus(err)
}

func (fs *FuseFs) Symlink(cancel <-chan struct{}, in *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	stat, err := fs.fs.Mknod(context.Background(), in.NodeId, linkName, MknodOpts{
		Mode:       S_IFLNK | 0o777,
		Uid:        in.Owner.Uid,
		Gid:        in.Owner.Gid,
		LinkTarget: []byte(pointedTo),
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	fs.fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) Readlink(cancel <-chan struct{}, in *fuse.InHeader) ([]byte, fuse.Status) {
	target, err := fs.fs.ReadSymlink(context.Background(), in.NodeId)
	if err != nil {
		return nil, errToFuseStatus(err)
	}
	return []byte(target), fuse.OK
}

func (fs *FuseFs) Mkdir(cancel <-chan struct{}, in *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	stat, err := fs.fs.Mknod(context.Background(), in.NodeId, name, MknodOpts{
		Mode: (in.Mode &^ S_IFMT) | S_IFDIR,
		Uid:  in.Owner.Uid,
		Gid:  in.Owner.Gid,
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	fs.rememberParent(&stat, in.NodeId)
	fs.fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) OpenDir(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	dirIter, err := fs.fs.IterDirEnts(context.Background(), in.NodeId)
	if err != nil {
		return errToFuseStatus(err)
	}
	out.Fh = fs.newHandle(&openHandle{di: dirIter})
	out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	return fuse.OK
}

func (fs *FuseFs) readDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList, plus bool) fuse.Status {
	h := fs.handle(in.Fh)
	if h == nil || h.di == nil {
		return fuse.Status(unix.EBADF)
	}

	// '.' and '..' are synthesized, the store never holds them.
	if in.Offset == 0 {
		self := fuse.DirEntry{Name: ".", Mode: S_IFDIR, Ino: in.NodeId}
		parent := fuse.DirEntry{Name: "..", Mode: S_IFDIR, Ino: fs.parentIno(in.NodeId)}
		if plus {
			out.AddDirLookupEntry(self)
			out.AddDirLookupEntry(parent)
		} else {
			out.AddDirEntry(self)
			out.AddDirEntry(parent)
		}
	}

	for {
		ent, err := h.di.NextPlus()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return errToFuseStatus(err)
		}
		fuseDirEnt := fuse.DirEntry{
			Name: ent.Name,
			Mode: ent.Mode,
			Ino:  ent.Ino,
		}
		if plus {
			entryOut := out.AddDirLookupEntry(fuseDirEnt)
			if entryOut != nil {
				fs.fillFuseEntryOutFromStat(&ent.Stat, entryOut)
			} else {
				h.di.Unget(ent)
				break
			}
		} else {
			if !out.AddDirEntry(fuseDirEnt) {
				h.di.Unget(ent)
				break
			}
		}
	}
	return fuse.OK
}

func (fs *FuseFs) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return fs.readDir(cancel, in, out, false)
}

func (fs *FuseFs) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return fs.readDir(cancel, in, out, true)
}

func (fs *FuseFs) Fsync(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	h := fs.handle(in.Fh)
	if h == nil || h.f == nil {
		return fuse.Status(unix.EBADF)
	}
	return errToFuseStatus(h.f.Fsync(context.Background()))
}

func (fs *FuseFs) FsyncDir(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (fs *FuseFs) ReleaseDir(in *fuse.ReleaseIn) {
	fs.lock.Lock()
	delete(fs.fh2Handle, in.Fh)
	fs.lock.Unlock()
}

func (fs *FuseFs) StatFs(cancel <-chan struct{}, in *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	stat, err := fs.fs.StatFs(context.Background())
	if err != nil {
		return errToFuseStatus(err)
	}
	out.Bsize = uint32(stat.ChunkSize)
	out.Frsize = uint32(stat.ChunkSize)
	out.Blocks = stat.UsedBytes / stat.ChunkSize
	out.Files = stat.TotalInodes
	out.NameLen = 4096
	return fuse.OK
}
