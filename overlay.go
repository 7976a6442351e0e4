package agentfs

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"zombiezen.com/go/sqlite"
)

// Overlay stacks a writable delta filesystem over a read-only base.
// Reads prefer the delta, whiteouts hide base paths, the first mutation
// of a base path materializes it into the delta (copy-up) with an origin
// record linking back. Both layers are plain FileSystem values, the
// delta additionally owns the whiteout and origin tables of its store.
//
// Overlay inode numbers are synthetic, keyed by path, and stable for the
// lifetime of the instance.
type Overlay struct {
	base   FileSystem
	delta  *Fs
	logger *slog.Logger

	copyGroup singleflight.Group

	mu      sync.Mutex
	nextIno uint64
	byIno   map[uint64]string
	byPath  map[string]uint64
}

const copyUpBufSize = 64 * 1024

func NewOverlay(base FileSystem, delta *Fs, logger *slog.Logger) (*Overlay, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if delta.readOnly {
		return nil, fmtErr(ErrReadOnly, "overlay delta must be writable")
	}
	if pathed, ok := base.(interface{ Root() string }); ok {
		if err := bindOverlayBase(delta, pathed.Root()); err != nil {
			return nil, err
		}
	}
	return &Overlay{
		base:    base,
		delta:   delta,
		logger:  logger,
		nextIno: ROOT_INO + 1,
		byIno:   map[uint64]string{ROOT_INO: "."},
		byPath:  map[string]uint64{".": ROOT_INO},
	}, nil
}

// bindOverlayBase records the base path in the delta store on the first
// overlay attach and rejects any later pairing with a different base.
// Whiteout and origin rows only mean anything against the base they
// were written for.
func bindOverlayBase(delta *Fs, basePath string) error {
	return delta.store.writeTx(context.Background(), func(conn *sqlite.Conn) error {
		recorded, err := delta.store.configGet(conn, "overlay_base")
		if err != nil {
			return err
		}
		if recorded == "" {
			return delta.store.configSet(conn, "overlay_base", basePath)
		}
		if recorded != basePath {
			return fmtErr(ErrInvalid, "store was overlaid over %q, not %q", recorded, basePath)
		}
		return nil
	})
}

func (o *Overlay) Delta() *Fs { return o.delta }

func (o *Overlay) Base() FileSystem { return o.base }

func joinPath(dir, name string) string {
	if dir == "." {
		return name
	}
	return dir + "/" + name
}

func splitPath(path string) (string, string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ".", path
	}
	return path[:i], path[i+1:]
}

func (o *Overlay) inoForPath(path string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ino, ok := o.byPath[path]; ok {
		return ino
	}
	ino := o.nextIno
	o.nextIno += 1
	o.byPath[path] = ino
	o.byIno[ino] = path
	return ino
}

func (o *Overlay) pathForIno(ino uint64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	path, ok := o.byIno[ino]
	if !ok {
		return "", fmtErr(ErrNotExist, "inode %d", ino)
	}
	return path, nil
}

const (
	layerDelta = iota
	layerBase
)

type resolvedPath struct {
	path  string
	layer int
	// stat carries the underlying layer's inode, not the overlay one.
	stat Stat
}

// deltaStatPath walks path inside the delta store within one snapshot.
func (o *Overlay) deltaStatPath(ctx context.Context, path string) (Stat, error) {
	var stat Stat
	err := o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		ino := uint64(ROOT_INO)
		if path != "." {
			for _, part := range strings.Split(path, "/") {
				childIno, err := o.delta.store.lookupDentry(conn, ino, part)
				if err != nil {
					return err
				}
				ino = childIno
			}
		}
		var err error
		stat, err = o.delta.store.getStat(conn, ino)
		return err
	})
	return stat, err
}

// whiteoutCovered reports whether path or any of its ancestors carries a
// whiteout. A whiteout on a directory hides its whole base subtree.
func (o *Overlay) whiteoutCovered(ctx context.Context, path string) (bool, error) {
	covered := false
	err := o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		cur := path
		for cur != "." {
			hit, err := o.delta.store.hasWhiteout(conn, cur)
			if err != nil {
				return err
			}
			if hit {
				covered = true
				return nil
			}
			cur, _ = splitPath(cur)
		}
		return nil
	})
	return covered, err
}

// baseStatPath walks path in the base layer without consulting
// whiteouts.
func (o *Overlay) baseStatPath(ctx context.Context, path string) (Stat, error) {
	stat, err := o.base.GetStat(ctx, ROOT_INO)
	if err != nil {
		return Stat{}, err
	}
	if path == "." {
		return stat, nil
	}
	ino := uint64(ROOT_INO)
	for _, part := range strings.Split(path, "/") {
		stat, err = o.base.Lookup(ctx, ino, part)
		if err != nil {
			return Stat{}, err
		}
		ino = stat.Ino
	}
	return stat, nil
}

// resolve applies the layering rule for one path: delta wins, then
// whiteouts hide, then the base serves.
func (o *Overlay) resolve(ctx context.Context, path string) (resolvedPath, error) {
	stat, err := o.deltaStatPath(ctx, path)
	if err == nil {
		return resolvedPath{path: path, layer: layerDelta, stat: stat}, nil
	}
	if !isNotExist(err) {
		return resolvedPath{}, err
	}
	covered, err := o.whiteoutCovered(ctx, path)
	if err != nil {
		return resolvedPath{}, err
	}
	if covered {
		return resolvedPath{}, fmtErr(ErrNotExist, "%q", path)
	}
	stat, err = o.baseStatPath(ctx, path)
	if err != nil {
		return resolvedPath{}, err
	}
	return resolvedPath{path: path, layer: layerBase, stat: stat}, nil
}

func (o *Overlay) overlayStat(path string, stat Stat) Stat {
	stat.Ino = o.inoForPath(path)
	return stat
}

// copyUp materializes path into the delta and returns its delta stat.
// It is idempotent and deduplicated, concurrent mutations of the same
// base path perform a single copy.
func (o *Overlay) copyUp(ctx context.Context, path string) (Stat, error) {
	if path == "." {
		return o.delta.GetStat(ctx, ROOT_INO)
	}
	v, err, _ := o.copyGroup.Do(path, func() (interface{}, error) {
		return o.doCopyUp(ctx, path)
	})
	if err != nil {
		return Stat{}, err
	}
	return v.(Stat), nil
}

func (o *Overlay) doCopyUp(ctx context.Context, path string) (Stat, error) {
	stat, err := o.deltaStatPath(ctx, path)
	if err == nil {
		return stat, nil
	}
	if !isNotExist(err) {
		return Stat{}, err
	}

	covered, err := o.whiteoutCovered(ctx, path)
	if err != nil {
		return Stat{}, err
	}
	if covered {
		return Stat{}, fmtErr(ErrNotExist, "%q", path)
	}
	baseStat, err := o.baseStatPath(ctx, path)
	if err != nil {
		return Stat{}, err
	}

	parentPath, name := splitPath(path)
	parentStat, err := o.copyUp(ctx, parentPath)
	if err != nil {
		return Stat{}, err
	}

	switch baseStat.Mode & S_IFMT {
	case S_IFDIR:
		stat, err = o.delta.Mknod(ctx, parentStat.Ino, name, MknodOpts{
			Mode: baseStat.Mode,
			Uid:  baseStat.Uid,
			Gid:  baseStat.Gid,
		})
	case S_IFLNK:
		var target string
		target, err = o.base.ReadSymlink(ctx, baseStat.Ino)
		if err != nil {
			return Stat{}, err
		}
		stat, err = o.delta.Mknod(ctx, parentStat.Ino, name, MknodOpts{
			Mode:       baseStat.Mode,
			Uid:        baseStat.Uid,
			Gid:        baseStat.Gid,
			LinkTarget: []byte(target),
		})
	case S_IFREG:
		stat, err = o.copyUpFile(ctx, parentStat.Ino, name, baseStat)
	default:
		stat, err = o.delta.Mknod(ctx, parentStat.Ino, name, MknodOpts{
			Mode: baseStat.Mode,
			Uid:  baseStat.Uid,
			Gid:  baseStat.Gid,
			Rdev: baseStat.Rdev,
		})
	}
	if err != nil {
		return Stat{}, err
	}
	deltaIno := stat.Ino

	// Preserve base timestamps so copy-up alone is invisible to stat.
	times := SetStatOpts{}
	times.SetAtime(baseStat.Atime())
	times.SetMtime(baseStat.Mtime())
	stat, err = o.delta.SetStat(ctx, deltaIno, times)
	if err == nil {
		err = o.delta.store.writeTx(ctx, func(conn *sqlite.Conn) error {
			return o.delta.store.addOrigin(conn, Origin{
				DeltaIno: deltaIno,
				BaseIno:  baseStat.Ino,
				BasePath: path,
			})
		})
	}
	if err != nil {
		o.discardPartialCopyUp(ctx, parentStat.Ino, name, deltaIno, baseStat.IsDir())
		return Stat{}, err
	}
	o.logger.Debug("copied up", "path", path, "delta_ino", deltaIno, "base_ino", baseStat.Ino)
	return stat, nil
}

// discardPartialCopyUp unlinks a half-built delta entry so later
// resolves keep serving the base instead of a truncated copy. The
// removeInode path also clears any origin row for the inode.
func (o *Overlay) discardPartialCopyUp(ctx context.Context, deltaParent uint64, name string, ino uint64, isDir bool) {
	var err error
	if isDir {
		err = o.delta.Rmdir(ctx, deltaParent, name)
	} else {
		err = o.delta.Unlink(ctx, deltaParent, name)
	}
	if err == nil {
		err = o.delta.Forget(ctx, ino, 1)
	}
	if err != nil {
		o.logger.Error("unable to discard partial copy-up", "name", name, "delta_ino", ino, "err", err)
	}
}

func (o *Overlay) copyUpFile(ctx context.Context, deltaParent uint64, name string, baseStat Stat) (Stat, error) {
	src, err := o.base.OpenFile(ctx, baseStat.Ino, OpenFileOpts{})
	if err != nil {
		return Stat{}, err
	}
	defer src.Close()

	dst, stat, err := o.delta.CreateFile(ctx, deltaParent, name, CreateFileOpts{
		Mode: baseStat.Mode,
		Uid:  baseStat.Uid,
		Gid:  baseStat.Gid,
	})
	if err != nil {
		return Stat{}, err
	}

	buf := make([]byte, copyUpBufSize)
	offset := uint64(0)
	copyErr := func() error {
		for offset < baseStat.Size {
			n, err := src.ReadData(ctx, buf, offset)
			if err == io.EOF && n == 0 {
				break
			}
			if err != nil && err != io.EOF {
				return err
			}
			written := uint32(0)
			for written < n {
				w, err := dst.WriteData(ctx, buf[written:n], offset+uint64(written))
				if err != nil {
					return err
				}
				written += w
			}
			offset += uint64(n)
		}
		return nil
	}()
	if cerr := dst.Close(); copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		o.discardPartialCopyUp(ctx, deltaParent, name, stat.Ino, false)
		return Stat{}, copyErr
	}
	stat.Size = offset
	return stat, nil
}

// copyUpTree recursively materializes a whole base subtree, used before
// renaming a directory that still lives in the base.
func (o *Overlay) copyUpTree(ctx context.Context, path string) (Stat, error) {
	stat, err := o.copyUp(ctx, path)
	if err != nil {
		return Stat{}, err
	}
	if stat.Mode&S_IFMT != S_IFDIR {
		return stat, nil
	}
	ents, err := o.mergedEnts(ctx, path)
	if err != nil {
		return Stat{}, err
	}
	for _, ent := range ents {
		_, err := o.copyUpTree(ctx, joinPath(path, ent.Name))
		if err != nil {
			return Stat{}, err
		}
	}
	return stat, nil
}

// mergedEnts lists the union view of a directory: delta entries first in
// their insertion order, then base entries that are neither shadowed nor
// whited out.
func (o *Overlay) mergedEnts(ctx context.Context, path string) ([]DirEntPlus, error) {
	var ents []DirEntPlus
	seen := make(map[string]bool)

	deltaStat, err := o.deltaStatPath(ctx, path)
	if err == nil && deltaStat.IsDir() {
		iter, err := o.delta.IterDirEnts(ctx, deltaStat.Ino)
		if err != nil {
			return nil, err
		}
		for {
			ent, err := iter.NextPlus()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			seen[ent.Name] = true
			childPath := joinPath(path, ent.Name)
			ent.Stat = o.overlayStat(childPath, ent.Stat)
			ent.DirEnt.Ino = ent.Stat.Ino
			ents = append(ents, ent)
		}
	} else if err != nil && !isNotExist(err) {
		return nil, err
	}

	covered, err := o.whiteoutCovered(ctx, path)
	if err != nil {
		return nil, err
	}
	if !covered {
		baseStat, err := o.baseStatPath(ctx, path)
		if err == nil && baseStat.IsDir() {
			iter, err := o.base.IterDirEnts(ctx, baseStat.Ino)
			if err != nil {
				return nil, err
			}
			for {
				ent, err := iter.NextPlus()
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, err
				}
				if seen[ent.Name] {
					continue
				}
				childPath := joinPath(path, ent.Name)
				hidden, err := o.whiteoutCovered(ctx, childPath)
				if err != nil {
					return nil, err
				}
				if hidden {
					continue
				}
				ent.Stat = o.overlayStat(childPath, ent.Stat)
				ent.DirEnt.Ino = ent.Stat.Ino
				ents = append(ents, ent)
			}
		} else if err != nil && !isNotExist(err) {
			return nil, err
		}
	}
	return ents, nil
}

func (o *Overlay) baseHasPath(ctx context.Context, path string) (bool, error) {
	_, err := o.baseStatPath(ctx, path)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

func (o *Overlay) removeWhiteout(ctx context.Context, path string) error {
	return o.delta.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		return o.delta.store.removeWhiteout(conn, path)
	})
}

func (o *Overlay) addWhiteout(ctx context.Context, path string) error {
	return o.delta.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		return o.delta.store.addWhiteout(conn, path)
	})
}

func (o *Overlay) Lookup(ctx context.Context, parent uint64, name string) (Stat, error) {
	if err := validName(name); err != nil {
		return Stat{}, err
	}
	parentPath, err := o.pathForIno(parent)
	if err != nil {
		return Stat{}, err
	}
	parentRes, err := o.resolve(ctx, parentPath)
	if err != nil {
		return Stat{}, err
	}
	if !parentRes.stat.IsDir() {
		return Stat{}, ErrNotDir
	}
	childPath := joinPath(parentPath, name)
	res, err := o.resolve(ctx, childPath)
	if err != nil {
		return Stat{}, err
	}
	return o.overlayStat(childPath, res.stat), nil
}

func (o *Overlay) GetStat(ctx context.Context, ino uint64) (Stat, error) {
	path, err := o.pathForIno(ino)
	if err != nil {
		return Stat{}, err
	}
	res, err := o.resolve(ctx, path)
	if err != nil {
		return Stat{}, err
	}
	return o.overlayStat(path, res.stat), nil
}

func (o *Overlay) SetStat(ctx context.Context, ino uint64, opts SetStatOpts) (Stat, error) {
	path, err := o.pathForIno(ino)
	if err != nil {
		return Stat{}, err
	}
	stat, err := o.copyUp(ctx, path)
	if err != nil {
		return Stat{}, err
	}
	stat, err = o.delta.SetStat(ctx, stat.Ino, opts)
	if err != nil {
		return Stat{}, err
	}
	return o.overlayStat(path, stat), nil
}

func (o *Overlay) Mknod(ctx context.Context, parent uint64, name string, opts MknodOpts) (Stat, error) {
	if err := validName(name); err != nil {
		return Stat{}, err
	}
	parentPath, err := o.pathForIno(parent)
	if err != nil {
		return Stat{}, err
	}
	childPath := joinPath(parentPath, name)

	res, err := o.resolve(ctx, childPath)
	if err == nil {
		replaceable := opts.Truncate &&
			res.stat.Mode&S_IFMT == S_IFREG && opts.Mode&S_IFMT == S_IFREG
		if !replaceable {
			return Stat{}, fmtErr(ErrExist, "%q", name)
		}
	} else if !isNotExist(err) {
		return Stat{}, err
	}

	parentStat, err := o.copyUp(ctx, parentPath)
	if err != nil {
		return Stat{}, err
	}
	if !parentStat.IsDir() {
		return Stat{}, ErrNotDir
	}
	stat, err := o.delta.Mknod(ctx, parentStat.Ino, name, opts)
	if err != nil {
		return Stat{}, err
	}
	if err := o.removeWhiteout(ctx, childPath); err != nil {
		return Stat{}, err
	}
	return o.overlayStat(childPath, stat), nil
}

func (o *Overlay) CreateFile(ctx context.Context, parent uint64, name string, opts CreateFileOpts) (File, Stat, error) {
	stat, err := o.Mknod(ctx, parent, name, MknodOpts{
		Truncate: opts.Truncate,
		Mode:     (opts.Mode &^ S_IFMT) | S_IFREG,
		Uid:      opts.Uid,
		Gid:      opts.Gid,
	})
	if err != nil {
		return nil, Stat{}, err
	}
	path, err := o.pathForIno(stat.Ino)
	if err != nil {
		return nil, Stat{}, err
	}
	deltaStat, err := o.deltaStatPath(ctx, path)
	if err != nil {
		return nil, Stat{}, err
	}
	f, err := o.delta.OpenFile(ctx, deltaStat.Ino, OpenFileOpts{ForWrite: true})
	if err != nil {
		return nil, Stat{}, err
	}
	return f, stat, nil
}

func (o *Overlay) OpenFile(ctx context.Context, ino uint64, opts OpenFileOpts) (File, error) {
	path, err := o.pathForIno(ino)
	if err != nil {
		return nil, err
	}
	if opts.ForWrite || opts.Truncate {
		stat, err := o.copyUp(ctx, path)
		if err != nil {
			return nil, err
		}
		return o.delta.OpenFile(ctx, stat.Ino, opts)
	}
	res, err := o.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if res.layer == layerDelta {
		return o.delta.OpenFile(ctx, res.stat.Ino, opts)
	}
	return o.base.OpenFile(ctx, res.stat.Ino, opts)
}

func (o *Overlay) HardLink(ctx context.Context, parent uint64, name string, ino uint64) (Stat, error) {
	if err := validName(name); err != nil {
		return Stat{}, err
	}
	parentPath, err := o.pathForIno(parent)
	if err != nil {
		return Stat{}, err
	}
	srcPath, err := o.pathForIno(ino)
	if err != nil {
		return Stat{}, err
	}
	childPath := joinPath(parentPath, name)
	if _, err := o.resolve(ctx, childPath); err == nil {
		return Stat{}, fmtErr(ErrExist, "%q", name)
	} else if !isNotExist(err) {
		return Stat{}, err
	}
	srcStat, err := o.copyUp(ctx, srcPath)
	if err != nil {
		return Stat{}, err
	}
	parentStat, err := o.copyUp(ctx, parentPath)
	if err != nil {
		return Stat{}, err
	}
	stat, err := o.delta.HardLink(ctx, parentStat.Ino, name, srcStat.Ino)
	if err != nil {
		return Stat{}, err
	}
	if err := o.removeWhiteout(ctx, childPath); err != nil {
		return Stat{}, err
	}
	return o.overlayStat(childPath, stat), nil
}

func (o *Overlay) Unlink(ctx context.Context, parent uint64, name string) error {
	return o.removeDirent(ctx, parent, name, false)
}

func (o *Overlay) Rmdir(ctx context.Context, parent uint64, name string) error {
	return o.removeDirent(ctx, parent, name, true)
}

func (o *Overlay) removeDirent(ctx context.Context, parent uint64, name string, wantDir bool) error {
	parentPath, err := o.pathForIno(parent)
	if err != nil {
		return err
	}
	childPath := joinPath(parentPath, name)
	res, err := o.resolve(ctx, childPath)
	if err != nil {
		return err
	}
	if res.stat.IsDir() != wantDir {
		if wantDir {
			return ErrNotDir
		}
		return ErrIsDir
	}
	if wantDir {
		ents, err := o.mergedEnts(ctx, childPath)
		if err != nil {
			return err
		}
		if len(ents) != 0 {
			return ErrNotEmpty
		}
	}

	inBase, err := o.baseHasPath(ctx, childPath)
	if err != nil {
		return err
	}
	if res.layer == layerDelta {
		parentStat, err := o.deltaStatPath(ctx, parentPath)
		if err != nil {
			return err
		}
		// The delta unlink and the whiteout land in one transaction,
		// a failure in between must not resurrect the base copy.
		whiteoutPath := ""
		if inBase {
			whiteoutPath = childPath
		}
		return o.delta.removeDirent(ctx, parentStat.Ino, name, wantDir, whiteoutPath)
	}
	if inBase {
		return o.addWhiteout(ctx, childPath)
	}
	return nil
}

func (o *Overlay) Rename(ctx context.Context, fromParent uint64, fromName string, toParent uint64, toName string) error {
	if err := validName(fromName); err != nil {
		return err
	}
	if err := validName(toName); err != nil {
		return err
	}
	fromParentPath, err := o.pathForIno(fromParent)
	if err != nil {
		return err
	}
	toParentPath, err := o.pathForIno(toParent)
	if err != nil {
		return err
	}
	fromPath := joinPath(fromParentPath, fromName)
	toPath := joinPath(toParentPath, toName)
	if fromPath == toPath {
		_, err := o.resolve(ctx, fromPath)
		return err
	}
	if strings.HasPrefix(toPath+"/", fromPath+"/") {
		return ErrInvalid
	}

	srcRes, err := o.resolve(ctx, fromPath)
	if err != nil {
		return err
	}
	dstRes, err := o.resolve(ctx, toPath)
	if err == nil {
		if dstRes.stat.IsDir() {
			if !srcRes.stat.IsDir() {
				return ErrIsDir
			}
			ents, err := o.mergedEnts(ctx, toPath)
			if err != nil {
				return err
			}
			if len(ents) != 0 {
				return ErrNotEmpty
			}
		} else if srcRes.stat.IsDir() {
			return ErrNotDir
		}
	} else if !isNotExist(err) {
		return err
	}

	// The whole source has to live in the delta before it can move.
	if _, err := o.copyUpTree(ctx, fromPath); err != nil {
		return err
	}
	toParentStat, err := o.copyUp(ctx, toParentPath)
	if err != nil {
		return err
	}
	if !toParentStat.IsDir() {
		return ErrNotDir
	}
	fromParentStat, err := o.deltaStatPath(ctx, fromParentPath)
	if err != nil {
		return err
	}

	inBase, err := o.baseHasPath(ctx, fromPath)
	if err != nil {
		return err
	}
	addWhiteoutPath := ""
	if inBase {
		addWhiteoutPath = fromPath
	}

	// A base-layer destination is only shadowed, drop any delta entry
	// it may have via the rename itself. The source whiteout and the
	// destination whiteout removal ride the same transaction.
	if err := o.delta.rename(ctx, fromParentStat.Ino, fromName, toParentStat.Ino, toName, addWhiteoutPath, toPath); err != nil {
		return err
	}

	// Rebind cached overlay inodes under the moved prefix.
	o.mu.Lock()
	for ino, path := range o.byIno {
		if path == fromPath || strings.HasPrefix(path, fromPath+"/") {
			newPath := toPath + strings.TrimPrefix(path, fromPath)
			delete(o.byPath, path)
			o.byIno[ino] = newPath
			o.byPath[newPath] = ino
		}
	}
	o.mu.Unlock()
	return nil
}

func (o *Overlay) ReadSymlink(ctx context.Context, ino uint64) (string, error) {
	path, err := o.pathForIno(ino)
	if err != nil {
		return "", err
	}
	res, err := o.resolve(ctx, path)
	if err != nil {
		return "", err
	}
	if res.layer == layerDelta {
		return o.delta.ReadSymlink(ctx, res.stat.Ino)
	}
	return o.base.ReadSymlink(ctx, res.stat.Ino)
}

func (o *Overlay) IterDirEnts(ctx context.Context, ino uint64) (*DirIter, error) {
	path, err := o.pathForIno(ino)
	if err != nil {
		return nil, err
	}
	res, err := o.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if !res.stat.IsDir() {
		return nil, ErrNotDir
	}
	ents, err := o.mergedEnts(ctx, path)
	if err != nil {
		return nil, err
	}
	return newDirIter(func(offset, limit uint64) ([]DirEntPlus, error) {
		if offset >= uint64(len(ents)) {
			return nil, nil
		}
		end := offset + limit
		if end > uint64(len(ents)) {
			end = uint64(len(ents))
		}
		return ents[offset:end], nil
	}), nil
}

func (o *Overlay) StatFs(ctx context.Context) (StatFs, error) {
	return o.delta.StatFs(ctx)
}

func (o *Overlay) Forget(ctx context.Context, ino uint64, count uint64) error {
	// Overlay inodes are path bindings, nothing to reclaim.
	return nil
}

func (o *Overlay) Close() error {
	err := o.delta.Close()
	if berr := o.base.Close(); err == nil {
		err = berr
	}
	return err
}

type DiffKind int

const (
	DiffAdded DiffKind = iota
	DiffModified
	DiffRemoved
)

func (k DiffKind) String() string {
	switch k {
	case DiffAdded:
		return "added"
	case DiffModified:
		return "modified"
	case DiffRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type DiffEntry struct {
	Path string
	Kind DiffKind
}

// Diff reports every path the delta changes relative to the base:
// whiteouts of base paths as removals, delta-only paths as additions and
// copied-up paths whose content or metadata differs as modifications.
// Unchanged copy-ups are omitted.
func (o *Overlay) Diff(ctx context.Context) ([]DiffEntry, error) {
	var out []DiffEntry

	var whiteouts []string
	err := o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		whiteouts, err = o.delta.store.listWhiteouts(conn)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, path := range whiteouts {
		inBase, err := o.baseHasPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if inBase {
			out = append(out, DiffEntry{Path: path, Kind: DiffRemoved})
		}
	}

	err = o.diffWalk(ctx, ".", &out)
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (o *Overlay) diffWalk(ctx context.Context, dir string, out *[]DiffEntry) error {
	deltaStat, err := o.deltaStatPath(ctx, dir)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	if !deltaStat.IsDir() {
		return nil
	}
	iter, err := o.delta.IterDirEnts(ctx, deltaStat.Ino)
	if err != nil {
		return err
	}
	for {
		ent, err := iter.NextPlus()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		childPath := joinPath(dir, ent.Name)
		baseStat, err := o.baseStatPath(ctx, childPath)
		switch {
		case err == nil:
			changed, err := o.pathChanged(ctx, childPath, ent.Stat, baseStat)
			if err != nil {
				return err
			}
			if changed {
				*out = append(*out, DiffEntry{Path: childPath, Kind: DiffModified})
			}
		case isNotExist(err):
			*out = append(*out, DiffEntry{Path: childPath, Kind: DiffAdded})
		default:
			return err
		}
		if ent.Stat.IsDir() {
			if err := o.diffWalk(ctx, childPath, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Overlay) pathChanged(ctx context.Context, path string, deltaStat, baseStat Stat) (bool, error) {
	if deltaStat.Mode != baseStat.Mode || deltaStat.Uid != baseStat.Uid || deltaStat.Gid != baseStat.Gid {
		return true, nil
	}
	switch deltaStat.Mode & S_IFMT {
	case S_IFDIR:
		return false, nil
	case S_IFLNK:
		deltaTarget, err := o.delta.ReadSymlink(ctx, deltaStat.Ino)
		if err != nil {
			return false, err
		}
		baseTarget, err := o.base.ReadSymlink(ctx, baseStat.Ino)
		if err != nil {
			return false, err
		}
		return deltaTarget != baseTarget, nil
	case S_IFREG:
		if deltaStat.Size != baseStat.Size {
			return true, nil
		}
		return o.contentDiffers(ctx, deltaStat, baseStat)
	default:
		return deltaStat.Rdev != baseStat.Rdev, nil
	}
}

func (o *Overlay) contentDiffers(ctx context.Context, deltaStat, baseStat Stat) (bool, error) {
	df, err := o.delta.OpenFile(ctx, deltaStat.Ino, OpenFileOpts{})
	if err != nil {
		return false, err
	}
	defer df.Close()
	bf, err := o.base.OpenFile(ctx, baseStat.Ino, OpenFileOpts{})
	if err != nil {
		return false, err
	}
	defer bf.Close()

	dbuf := make([]byte, copyUpBufSize)
	bbuf := make([]byte, copyUpBufSize)
	offset := uint64(0)
	for offset < deltaStat.Size {
		dn, err := readFull(ctx, df, dbuf, offset)
		if err != nil {
			return false, err
		}
		bn, err := readFull(ctx, bf, bbuf, offset)
		if err != nil {
			return false, err
		}
		if dn != bn || !bytes.Equal(dbuf[:dn], bbuf[:bn]) {
			return true, nil
		}
		if dn == 0 {
			break
		}
		offset += uint64(dn)
	}
	return false, nil
}

// readFull reads until buf is full, EOF is reached or the file has no
// more data at offset.
func readFull(ctx context.Context, f File, buf []byte, offset uint64) (uint32, error) {
	total := uint32(0)
	for total < uint32(len(buf)) {
		n, err := f.ReadData(ctx, buf[total:], offset+uint64(total))
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
