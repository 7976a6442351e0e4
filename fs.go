package agentfs

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FileSystem is the operation surface shared by the store backed
// filesystem, the overlay and the host passthrough. Layers compose
// against this interface, a FUSE mount serves any of them.
type FileSystem interface {
	Lookup(ctx context.Context, parent uint64, name string) (Stat, error)
	GetStat(ctx context.Context, ino uint64) (Stat, error)
	SetStat(ctx context.Context, ino uint64, opts SetStatOpts) (Stat, error)
	Mknod(ctx context.Context, parent uint64, name string, opts MknodOpts) (Stat, error)
	CreateFile(ctx context.Context, parent uint64, name string, opts CreateFileOpts) (File, Stat, error)
	OpenFile(ctx context.Context, ino uint64, opts OpenFileOpts) (File, error)
	HardLink(ctx context.Context, parent uint64, name string, ino uint64) (Stat, error)
	Unlink(ctx context.Context, parent uint64, name string) error
	Rmdir(ctx context.Context, parent uint64, name string) error
	Rename(ctx context.Context, fromParent uint64, fromName string, toParent uint64, toName string) error
	ReadSymlink(ctx context.Context, ino uint64) (string, error)
	IterDirEnts(ctx context.Context, ino uint64) (*DirIter, error)
	StatFs(ctx context.Context) (StatFs, error)
	Forget(ctx context.Context, ino uint64, count uint64) error
	Close() error
}

// File is an open handle on a regular file.
type File interface {
	WriteData(ctx context.Context, buf []byte, offset uint64) (uint32, error)
	ReadData(ctx context.Context, buf []byte, offset uint64) (uint32, error)
	Fsync(ctx context.Context) error
	Close() error
}

type inoRef struct {
	handles int
	nlookup uint64
}

// Fs implements FileSystem over a Store. All mutations are single
// transactions, a crash between operations never leaves torn state.
type Fs struct {
	store  *Store
	dcache *dentryCache
	hooks  *HookRegistry
	logger *slog.Logger

	readOnly bool

	refMu sync.Mutex
	refs  map[uint64]*inoRef
}

type AttachOpts struct {
	Logger *slog.Logger
	Hooks  *HookRegistry
	// DentryCacheSize bounds the lookup cache, zero picks a default.
	DentryCacheSize int
	ReadOnly        bool
}

// Attach binds a filesystem instance to an opened store.
func Attach(store *Store, opts AttachOpts) (*Fs, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fs := &Fs{
		store:    store,
		dcache:   newDentryCache(opts.DentryCacheSize),
		hooks:    opts.Hooks,
		logger:   logger,
		readOnly: opts.ReadOnly,
		refs:     make(map[uint64]*inoRef),
	}
	// Fail fast if the root is missing or the store was never formatted.
	_, err := fs.GetStat(context.Background(), ROOT_INO)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// Close shuts down the hook dispatcher and the underlying store.
func (fs *Fs) Close() error {
	if fs.hooks != nil {
		fs.hooks.Close()
	}
	return fs.store.Close()
}

func (fs *Fs) Store() *Store { return fs.store }

func (fs *Fs) ChunkSize() uint64 { return fs.store.chunkSize }

func (fs *Fs) retain(ino uint64) {
	fs.refMu.Lock()
	ref := fs.refs[ino]
	if ref == nil {
		ref = &inoRef{}
		fs.refs[ino] = ref
	}
	ref.nlookup += 1
	fs.refMu.Unlock()
}

func (fs *Fs) retainHandle(ino uint64) {
	fs.refMu.Lock()
	ref := fs.refs[ino]
	if ref == nil {
		ref = &inoRef{}
		fs.refs[ino] = ref
	}
	ref.handles += 1
	fs.refMu.Unlock()
}

// referenced reports whether any open handle or kernel lookup still pins
// the inode.
func (fs *Fs) referenced(ino uint64) bool {
	fs.refMu.Lock()
	defer fs.refMu.Unlock()
	ref := fs.refs[ino]
	return ref != nil && (ref.handles > 0 || ref.nlookup > 0)
}

func (fs *Fs) checkWritable() error {
	if fs.readOnly {
		return ErrReadOnly
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmtErr(ErrInvalid, "invalid name %q", name)
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return fmtErr(ErrInvalid, "invalid name %q", name)
	}
	return nil
}

func (fs *Fs) GetStat(ctx context.Context, ino uint64) (Stat, error) {
	var stat Stat
	err := fs.store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		stat, err = fs.store.getStat(conn, ino)
		return err
	})
	return stat, err
}

func (fs *Fs) Lookup(ctx context.Context, parent uint64, name string) (Stat, error) {
	if cachedIno, ok := fs.dcache.Get(parent, name); ok {
		stat, err := fs.GetStat(ctx, cachedIno)
		if err == nil {
			fs.retain(stat.Ino)
			return stat, nil
		}
		fs.dcache.Invalidate(parent, name)
	}
	var stat Stat
	err := fs.store.readTx(ctx, func(conn *sqlite.Conn) error {
		parentStat, err := fs.store.getStat(conn, parent)
		if err != nil {
			return err
		}
		if !parentStat.IsDir() {
			return ErrNotDir
		}
		ino, err := fs.store.lookupDentry(conn, parent, name)
		if err != nil {
			return err
		}
		stat, err = fs.store.getStat(conn, ino)
		return err
	})
	if err != nil {
		return Stat{}, err
	}
	fs.dcache.Put(parent, name, stat.Ino)
	fs.retain(stat.Ino)
	return stat, nil
}

func (fs *Fs) SetStat(ctx context.Context, ino uint64, opts SetStatOpts) (Stat, error) {
	if err := fs.checkWritable(); err != nil {
		return Stat{}, err
	}
	ev := HookEvent{Op: HookOpTruncate, Ino: ino, Size: opts.Size}
	if opts.Valid&SETSTAT_SIZE != 0 {
		if err := fs.checkHooks(ctx, &ev); err != nil {
			return Stat{}, err
		}
	}
	var stat Stat
	err := fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		stat, err = fs.store.getStat(conn, ino)
		if err != nil {
			return err
		}
		now := time.Now()
		if opts.Valid&SETSTAT_MODE != 0 {
			stat.Mode = (stat.Mode & S_IFMT) | (opts.Mode &^ S_IFMT)
		}
		if opts.Valid&SETSTAT_UID != 0 {
			stat.Uid = opts.Uid
		}
		if opts.Valid&SETSTAT_GID != 0 {
			stat.Gid = opts.Gid
		}
		if opts.Valid&SETSTAT_ATIME != 0 {
			stat.Atimesec, stat.Atimensec = opts.Atimesec, opts.Atimensec
		}
		if opts.Valid&SETSTAT_MTIME != 0 {
			stat.Mtimesec, stat.Mtimensec = opts.Mtimesec, opts.Mtimensec
		}
		if opts.Valid&SETSTAT_SIZE != 0 {
			if stat.Mode&S_IFMT != S_IFREG {
				return ErrInvalid
			}
			err = fs.truncateInode(conn, &stat, opts.Size)
			if err != nil {
				return err
			}
			stat.SetMtime(now)
		}
		stat.SetCtime(now)
		return fs.store.updateStat(conn, stat)
	})
	if err != nil {
		return Stat{}, err
	}
	if opts.Valid&SETSTAT_SIZE != 0 {
		fs.notifyHooks(ev)
	}
	return stat, nil
}

// truncateInode adjusts stat.Size and the chunk rows to match. Shrinking
// drops whole chunks past the new end and trims the boundary chunk,
// growing is a pure size update since absent chunks read as zeros.
func (fs *Fs) truncateInode(conn *sqlite.Conn, stat *Stat, size uint64) error {
	chunkSize := fs.store.chunkSize
	if size < stat.Size {
		boundary := size / chunkSize
		keepWithin := size % chunkSize
		dropFrom := boundary
		if keepWithin != 0 {
			dropFrom = boundary + 1
			chunk, err := fs.store.getChunk(conn, stat.Ino, boundary)
			if err != nil {
				return err
			}
			if uint64(len(chunk)) > keepWithin {
				err = fs.store.putChunk(conn, stat.Ino, boundary, zeroTrimChunk(chunk[:keepWithin]))
				if err != nil {
					return err
				}
			}
		}
		if err := fs.store.dropChunksFrom(conn, stat.Ino, dropFrom); err != nil {
			return err
		}
	}
	stat.Size = size
	return nil
}

func (fs *Fs) Mknod(ctx context.Context, parent uint64, name string, opts MknodOpts) (Stat, error) {
	if err := fs.checkWritable(); err != nil {
		return Stat{}, err
	}
	if err := validName(name); err != nil {
		return Stat{}, err
	}
	ev := HookEvent{Op: hookOpForMode(opts.Mode), Parent: parent, Name: name}
	if err := fs.checkHooks(ctx, &ev); err != nil {
		return Stat{}, err
	}

	var stat Stat
	err := fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		parentStat, err := fs.store.getStat(conn, parent)
		if err != nil {
			return err
		}
		if !parentStat.IsDir() {
			return ErrNotDir
		}

		existingIno, err := fs.store.lookupDentry(conn, parent, name)
		if err == nil {
			if !opts.Truncate {
				return fmtErr(ErrExist, "%q", name)
			}
			existing, err := fs.store.getStat(conn, existingIno)
			if err != nil {
				return err
			}
			if existing.Mode&S_IFMT != S_IFREG || opts.Mode&S_IFMT != S_IFREG {
				return fmtErr(ErrExist, "%q", name)
			}
			err = fs.truncateInode(conn, &existing, 0)
			if err != nil {
				return err
			}
			now := time.Now()
			existing.SetMtime(now)
			existing.SetCtime(now)
			if err := fs.store.updateStat(conn, existing); err != nil {
				return err
			}
			stat = existing
			return nil
		} else if !isNotExist(err) {
			return err
		}

		now := time.Now()
		stat = Stat{
			Mode:  opts.Mode,
			Uid:   opts.Uid,
			Gid:   opts.Gid,
			Nlink: 1,
			Rdev:  opts.Rdev,
		}
		stat.SetAtime(now)
		stat.SetMtime(now)
		stat.SetCtime(now)
		if opts.Mode&S_IFMT == S_IFLNK {
			stat.Size = uint64(len(opts.LinkTarget))
		}
		if err := fs.store.insertInode(conn, &stat); err != nil {
			return err
		}
		if opts.Mode&S_IFMT == S_IFLNK {
			if err := fs.store.setSymlink(conn, stat.Ino, string(opts.LinkTarget)); err != nil {
				return err
			}
		}
		if err := fs.store.addDentry(conn, parent, name, stat.Ino); err != nil {
			return err
		}
		return fs.touchDir(conn, parentStat)
	})
	if err != nil {
		return Stat{}, err
	}
	fs.dcache.Put(parent, name, stat.Ino)
	fs.retain(stat.Ino)
	fs.notifyHooks(ev)
	return stat, nil
}

func (fs *Fs) CreateFile(ctx context.Context, parent uint64, name string, opts CreateFileOpts) (File, Stat, error) {
	stat, err := fs.Mknod(ctx, parent, name, MknodOpts{
		Truncate: opts.Truncate,
		Mode:     (opts.Mode &^ S_IFMT) | S_IFREG,
		Uid:      opts.Uid,
		Gid:      opts.Gid,
	})
	if err != nil {
		return nil, Stat{}, err
	}
	fs.retainHandle(stat.Ino)
	return &storeFile{fs: fs, ino: stat.Ino}, stat, nil
}

func (fs *Fs) OpenFile(ctx context.Context, ino uint64, opts OpenFileOpts) (File, error) {
	stat, err := fs.GetStat(ctx, ino)
	if err != nil {
		return nil, err
	}
	switch stat.Mode & S_IFMT {
	case S_IFREG:
	case S_IFDIR:
		return nil, ErrIsDir
	default:
		return nil, ErrInvalid
	}
	if opts.Truncate {
		truncOpts := SetStatOpts{}
		truncOpts.SetSize(0)
		_, err = fs.SetStat(ctx, ino, truncOpts)
		if err != nil {
			return nil, err
		}
	}
	fs.retainHandle(ino)
	if fs.readOnly {
		return &readOnlyFile{inner: &storeFile{fs: fs, ino: ino}}, nil
	}
	return &storeFile{fs: fs, ino: ino}, nil
}

func (fs *Fs) HardLink(ctx context.Context, parent uint64, name string, ino uint64) (Stat, error) {
	if err := fs.checkWritable(); err != nil {
		return Stat{}, err
	}
	if err := validName(name); err != nil {
		return Stat{}, err
	}
	ev := HookEvent{Op: HookOpLink, Parent: parent, Name: name, Ino: ino}
	if err := fs.checkHooks(ctx, &ev); err != nil {
		return Stat{}, err
	}
	var stat Stat
	err := fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		parentStat, err := fs.store.getStat(conn, parent)
		if err != nil {
			return err
		}
		if !parentStat.IsDir() {
			return ErrNotDir
		}
		stat, err = fs.store.getStat(conn, ino)
		if err != nil {
			return err
		}
		if stat.IsDir() {
			return ErrPermission
		}
		if stat.Nlink == 0 {
			// Linking back an unlinked inode would resurrect it.
			return fmtErr(ErrNotExist, "inode %d", ino)
		}
		if err := fs.store.addDentry(conn, parent, name, ino); err != nil {
			return err
		}
		stat.Nlink += 1
		stat.SetCtime(time.Now())
		if err := fs.store.updateStat(conn, stat); err != nil {
			return err
		}
		return fs.touchDir(conn, parentStat)
	})
	if err != nil {
		return Stat{}, err
	}
	fs.dcache.Put(parent, name, ino)
	fs.retain(ino)
	fs.notifyHooks(ev)
	return stat, nil
}

func (fs *Fs) Unlink(ctx context.Context, parent uint64, name string) error {
	return fs.removeDirent(ctx, parent, name, false, "")
}

func (fs *Fs) Rmdir(ctx context.Context, parent uint64, name string) error {
	return fs.removeDirent(ctx, parent, name, true, "")
}

// removeDirent unlinks parent/name. A non-empty whiteoutPath records a
// whiteout for that path in the same transaction, so an overlay delta
// never loses the dentry without gaining the cover.
func (fs *Fs) removeDirent(ctx context.Context, parent uint64, name string, wantDir bool, whiteoutPath string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	op := HookOpUnlink
	if wantDir {
		op = HookOpRmdir
	}
	ev := HookEvent{Op: op, Parent: parent, Name: name}
	if err := fs.checkHooks(ctx, &ev); err != nil {
		return err
	}
	var removedDir uint64
	err := fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		removedDir = 0
		parentStat, err := fs.store.getStat(conn, parent)
		if err != nil {
			return err
		}
		ino, err := fs.store.lookupDentry(conn, parent, name)
		if err != nil {
			return err
		}
		stat, err := fs.store.getStat(conn, ino)
		if err != nil {
			return err
		}
		if stat.IsDir() != wantDir {
			if wantDir {
				return ErrNotDir
			}
			return ErrIsDir
		}
		if stat.IsDir() {
			nChildren, err := fs.store.countChildren(conn, ino)
			if err != nil {
				return err
			}
			if nChildren != 0 {
				return ErrNotEmpty
			}
			removedDir = ino
		}
		if err := fs.store.removeDentry(conn, parent, name); err != nil {
			return err
		}
		if err := fs.touchDir(conn, parentStat); err != nil {
			return err
		}
		stat.Nlink -= 1
		switch {
		case stat.Nlink > 0:
			stat.SetCtime(time.Now())
			err = fs.store.updateStat(conn, stat)
		case fs.referenced(ino):
			stat.SetCtime(time.Now())
			if err = fs.store.updateStat(conn, stat); err == nil {
				err = fs.store.markOrphaned(conn, ino, time.Now())
			}
		default:
			err = fs.store.removeInode(conn, ino)
		}
		if err != nil {
			return err
		}
		if whiteoutPath != "" {
			return fs.store.addWhiteout(conn, whiteoutPath)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fs.dcache.Invalidate(parent, name)
	if removedDir != 0 {
		fs.dcache.InvalidateDir(removedDir)
	}
	fs.notifyHooks(ev)
	return nil
}

func (fs *Fs) Rename(ctx context.Context, fromParent uint64, fromName string, toParent uint64, toName string) error {
	return fs.rename(ctx, fromParent, fromName, toParent, toName, "", "")
}

// rename moves fromParent/fromName over toParent/toName. A non-empty
// addWhiteoutPath gains a whiteout and a non-empty clearWhiteoutPath
// loses one inside the rename transaction, for overlay delta moves.
func (fs *Fs) rename(ctx context.Context, fromParent uint64, fromName string, toParent uint64, toName string, addWhiteoutPath, clearWhiteoutPath string) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if err := validName(fromName); err != nil {
		return err
	}
	if err := validName(toName); err != nil {
		return err
	}
	ev := HookEvent{Op: HookOpRename, Parent: fromParent, Name: fromName, ToParent: toParent, ToName: toName}
	if err := fs.checkHooks(ctx, &ev); err != nil {
		return err
	}
	var replacedDir uint64
	err := fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		replacedDir = 0
		if fromParent == toParent && fromName == toName {
			_, err := fs.store.lookupDentry(conn, fromParent, fromName)
			return err
		}
		fromParentStat, err := fs.store.getStat(conn, fromParent)
		if err != nil {
			return err
		}
		toParentStat, err := fs.store.getStat(conn, toParent)
		if err != nil {
			return err
		}
		if !fromParentStat.IsDir() || !toParentStat.IsDir() {
			return ErrNotDir
		}
		srcIno, err := fs.store.lookupDentry(conn, fromParent, fromName)
		if err != nil {
			return err
		}
		srcStat, err := fs.store.getStat(conn, srcIno)
		if err != nil {
			return err
		}
		if srcStat.IsDir() && fromParent != toParent {
			err := fs.checkNotAncestor(conn, srcIno, toParent)
			if err != nil {
				return err
			}
		}

		dstIno, err := fs.store.lookupDentry(conn, toParent, toName)
		if err == nil {
			if dstIno == srcIno {
				return nil
			}
			dstStat, err := fs.store.getStat(conn, dstIno)
			if err != nil {
				return err
			}
			if dstStat.IsDir() {
				if !srcStat.IsDir() {
					return ErrIsDir
				}
				nChildren, err := fs.store.countChildren(conn, dstIno)
				if err != nil {
					return err
				}
				if nChildren != 0 {
					return ErrNotEmpty
				}
				replacedDir = dstIno
			} else if srcStat.IsDir() {
				return ErrNotDir
			}
			if err := fs.store.removeDentry(conn, toParent, toName); err != nil {
				return err
			}
			dstStat.Nlink -= 1
			if dstStat.Nlink > 0 {
				dstStat.SetCtime(time.Now())
				if err := fs.store.updateStat(conn, dstStat); err != nil {
					return err
				}
			} else if fs.referenced(dstIno) {
				dstStat.SetCtime(time.Now())
				if err := fs.store.updateStat(conn, dstStat); err != nil {
					return err
				}
				if err := fs.store.markOrphaned(conn, dstIno, time.Now()); err != nil {
					return err
				}
			} else {
				if err := fs.store.removeInode(conn, dstIno); err != nil {
					return err
				}
			}
		} else if !isNotExist(err) {
			return err
		}

		if err := fs.store.removeDentry(conn, fromParent, fromName); err != nil {
			return err
		}
		if err := fs.store.addDentry(conn, toParent, toName, srcIno); err != nil {
			return err
		}
		srcStat.SetCtime(time.Now())
		if err := fs.store.updateStat(conn, srcStat); err != nil {
			return err
		}
		if err := fs.touchDir(conn, fromParentStat); err != nil {
			return err
		}
		if toParent != fromParent {
			if err := fs.touchDir(conn, toParentStat); err != nil {
				return err
			}
		}
		if addWhiteoutPath != "" {
			if err := fs.store.addWhiteout(conn, addWhiteoutPath); err != nil {
				return err
			}
		}
		if clearWhiteoutPath != "" {
			if err := fs.store.removeWhiteout(conn, clearWhiteoutPath); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fs.dcache.Invalidate(fromParent, fromName)
	fs.dcache.Invalidate(toParent, toName)
	if replacedDir != 0 {
		fs.dcache.InvalidateDir(replacedDir)
	}
	fs.notifyHooks(ev)
	return nil
}

// checkNotAncestor rejects moving a directory into its own subtree by
// walking from candidate up to the root.
func (fs *Fs) checkNotAncestor(conn *sqlite.Conn, dir, candidate uint64) error {
	cur := candidate
	for cur != ROOT_INO {
		if cur == dir {
			return ErrInvalid
		}
		var parent uint64
		found := false
		err := sqlitex.Execute(conn, "SELECT parent FROM fs_dentry WHERE ino = ? LIMIT 1", &sqlitex.ExecOptions{
			Args: []any{int64(cur)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parent = uint64(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
		if err != nil {
			return err
		}
		if !found {
			return fmtErr(ErrNotExist, "inode %d is detached", cur)
		}
		cur = parent
	}
	return nil
}

func (fs *Fs) touchDir(conn *sqlite.Conn, stat Stat) error {
	now := time.Now()
	stat.SetMtime(now)
	stat.SetCtime(now)
	return fs.store.updateStat(conn, stat)
}

func (fs *Fs) ReadSymlink(ctx context.Context, ino uint64) (string, error) {
	var target string
	err := fs.store.readTx(ctx, func(conn *sqlite.Conn) error {
		stat, err := fs.store.getStat(conn, ino)
		if err != nil {
			return err
		}
		if stat.Mode&S_IFMT != S_IFLNK {
			return ErrInvalid
		}
		target, err = fs.store.getSymlink(conn, ino)
		return err
	})
	return target, err
}

func (fs *Fs) IterDirEnts(ctx context.Context, ino uint64) (*DirIter, error) {
	stat, err := fs.GetStat(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, ErrNotDir
	}
	return newDirIter(func(offset, limit uint64) ([]DirEntPlus, error) {
		var ents []DirEntPlus
		err := fs.store.readTx(ctx, func(conn *sqlite.Conn) error {
			ents = nil
			return sqlitex.Execute(conn, `SELECT d.name, i.ino, i.mode, i.uid, i.gid, i.size, i.nlink,
				i.atime, i.atime_nsec, i.mtime, i.mtime_nsec, i.ctime, i.ctime_nsec, i.rdev
				FROM fs_dentry d JOIN fs_inode i ON i.ino = d.ino
				WHERE d.parent = ? ORDER BY d.rowid LIMIT ? OFFSET ?`, &sqlitex.ExecOptions{
				Args: []any{int64(ino), int64(limit), int64(offset)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					name := stmt.ColumnText(0)
					entStat := Stat{
						Ino:       uint64(stmt.ColumnInt64(1)),
						Mode:      uint32(stmt.ColumnInt64(2)),
						Uid:       uint32(stmt.ColumnInt64(3)),
						Gid:       uint32(stmt.ColumnInt64(4)),
						Size:      uint64(stmt.ColumnInt64(5)),
						Nlink:     uint32(stmt.ColumnInt64(6)),
						Atimesec:  uint64(stmt.ColumnInt64(7)),
						Atimensec: uint32(stmt.ColumnInt64(8)),
						Mtimesec:  uint64(stmt.ColumnInt64(9)),
						Mtimensec: uint32(stmt.ColumnInt64(10)),
						Ctimesec:  uint64(stmt.ColumnInt64(11)),
						Ctimensec: uint32(stmt.ColumnInt64(12)),
						Rdev:      uint32(stmt.ColumnInt64(13)),
					}
					ents = append(ents, DirEntPlus{
						DirEnt: DirEnt{Name: name, Mode: entStat.Mode & S_IFMT, Ino: entStat.Ino},
						Stat:   entStat,
					})
					return nil
				},
			})
		})
		return ents, err
	}), nil
}

func (fs *Fs) StatFs(ctx context.Context) (StatFs, error) {
	var out StatFs
	err := fs.store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		out, err = fs.store.statFs(conn)
		return err
	})
	return out, err
}

// Forget drops count kernel references on ino. When the last reference
// on an unlinked inode goes away its rows are reclaimed.
func (fs *Fs) Forget(ctx context.Context, ino uint64, count uint64) error {
	fs.refMu.Lock()
	ref := fs.refs[ino]
	if ref == nil {
		fs.refMu.Unlock()
		return nil
	}
	if count > ref.nlookup {
		count = ref.nlookup
	}
	ref.nlookup -= count
	done := ref.nlookup == 0 && ref.handles == 0
	if done {
		delete(fs.refs, ino)
	}
	fs.refMu.Unlock()
	if !done {
		return nil
	}
	return fs.reclaimIfUnlinked(ctx, ino)
}

// releaseHandle is the File.Close counterpart of Forget.
func (fs *Fs) releaseHandle(ctx context.Context, ino uint64) error {
	fs.refMu.Lock()
	ref := fs.refs[ino]
	if ref == nil {
		fs.refMu.Unlock()
		return nil
	}
	if ref.handles > 0 {
		ref.handles -= 1
	}
	done := ref.nlookup == 0 && ref.handles == 0
	if done {
		delete(fs.refs, ino)
	}
	fs.refMu.Unlock()
	if !done {
		return nil
	}
	return fs.reclaimIfUnlinked(ctx, ino)
}

func (fs *Fs) reclaimIfUnlinked(ctx context.Context, ino uint64) error {
	if fs.readOnly {
		return nil
	}
	return fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		stat, err := fs.store.getStat(conn, ino)
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if stat.Nlink != 0 {
			return nil
		}
		return fs.store.removeInode(conn, ino)
	})
}

// RemoveExpiredUnlinked reclaims unlinked inodes that have been orphaned
// for longer than removalDelay and are no longer pinned by an open
// handle. It backs the gc command and can run while mounted.
func (fs *Fs) RemoveExpiredUnlinked(ctx context.Context, removalDelay time.Duration) (uint64, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	var candidates []uint64
	err := fs.store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		candidates, err = fs.store.expiredOrphans(conn, time.Now().Add(-removalDelay))
		return err
	})
	if err != nil {
		return 0, err
	}
	nRemoved := uint64(0)
	for _, ino := range candidates {
		if fs.referenced(ino) {
			continue
		}
		err := fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
			stat, err := fs.store.getStat(conn, ino)
			if err != nil {
				if isNotExist(err) {
					return nil
				}
				return err
			}
			if stat.Nlink != 0 {
				return nil
			}
			return fs.store.removeInode(conn, ino)
		})
		if err != nil {
			return nRemoved, err
		}
		nRemoved += 1
	}
	return nRemoved, nil
}

// Fsync flushes the write ahead log so committed transactions survive
// power loss.
func (fs *Fs) Fsync(ctx context.Context) error {
	conn, err := fs.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer fs.store.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "PRAGMA wal_checkpoint(FULL)", nil)
}

func (fs *Fs) checkHooks(ctx context.Context, ev *HookEvent) error {
	if fs.hooks == nil {
		return nil
	}
	return fs.hooks.checkSync(ctx, ev)
}

func (fs *Fs) notifyHooks(ev HookEvent) {
	if fs.hooks == nil {
		return
	}
	fs.hooks.notifyAsync(ev)
}

func isNotExist(err error) bool {
	return errnoFromErr(err) == ErrNotExist.Errno
}
