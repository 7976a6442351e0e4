package agentfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// HostFs exposes a host directory as a read-only FileSystem. It exists
// so an overlay can stack a writable store over files that live on the
// ordinary host filesystem. Inode numbers are synthetic and stable for
// the lifetime of the instance.
type HostFs struct {
	root string

	mu      sync.Mutex
	nextIno uint64
	byIno   map[uint64]string
	byPath  map[string]uint64
}

func NewHostFs(root string) (*HostFs, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(absRoot, &st); err != nil {
		return nil, fmtErr(ErrNotExist, "%s", absRoot)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmtErr(ErrNotDir, "%s", absRoot)
	}
	return &HostFs{
		root:    absRoot,
		nextIno: ROOT_INO + 1,
		byIno:   map[uint64]string{ROOT_INO: "."},
		byPath:  map[string]uint64{".": ROOT_INO},
	}, nil
}

func (h *HostFs) Root() string { return h.root }

func (h *HostFs) inoForPath(rel string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ino, ok := h.byPath[rel]; ok {
		return ino
	}
	ino := h.nextIno
	h.nextIno += 1
	h.byPath[rel] = ino
	h.byIno[ino] = rel
	return ino
}

func (h *HostFs) pathForIno(ino uint64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rel, ok := h.byIno[ino]
	if !ok {
		return "", fmtErr(ErrNotExist, "inode %d", ino)
	}
	return rel, nil
}

// InoPath returns the path of ino relative to the host root. Used by the
// overlay to key whiteouts and origin records.
func (h *HostFs) InoPath(ino uint64) (string, error) {
	return h.pathForIno(ino)
}

// PathIno resolves a relative path to its synthetic inode, statting the
// host to confirm the path exists.
func (h *HostFs) PathIno(rel string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Lstat(filepath.Join(h.root, rel), &st); err != nil {
		return 0, fmtErr(ErrNotExist, "%s", rel)
	}
	return h.inoForPath(rel), nil
}

func statFromUnix(ino uint64, st *unix.Stat_t) Stat {
	return Stat{
		Ino:       ino,
		Size:      uint64(st.Size),
		Mode:      uint32(st.Mode),
		Nlink:     uint32(st.Nlink),
		Uid:       st.Uid,
		Gid:       st.Gid,
		Rdev:      uint32(st.Rdev),
		Atimesec:  uint64(st.Atim.Sec),
		Atimensec: uint32(st.Atim.Nsec),
		Mtimesec:  uint64(st.Mtim.Sec),
		Mtimensec: uint32(st.Mtim.Nsec),
		Ctimesec:  uint64(st.Ctim.Sec),
		Ctimensec: uint32(st.Ctim.Nsec),
	}
}

func (h *HostFs) statRel(rel string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(filepath.Join(h.root, rel), &st); err != nil {
		return Stat{}, fmtErr(ErrNotExist, "%s", rel)
	}
	return statFromUnix(h.inoForPath(rel), &st), nil
}

func (h *HostFs) Lookup(ctx context.Context, parent uint64, name string) (Stat, error) {
	if err := validName(name); err != nil {
		return Stat{}, err
	}
	parentRel, err := h.pathForIno(parent)
	if err != nil {
		return Stat{}, err
	}
	return h.statRel(filepath.Join(parentRel, name))
}

func (h *HostFs) GetStat(ctx context.Context, ino uint64) (Stat, error) {
	rel, err := h.pathForIno(ino)
	if err != nil {
		return Stat{}, err
	}
	return h.statRel(rel)
}

func (h *HostFs) SetStat(ctx context.Context, ino uint64, opts SetStatOpts) (Stat, error) {
	return Stat{}, ErrReadOnly
}

func (h *HostFs) Mknod(ctx context.Context, parent uint64, name string, opts MknodOpts) (Stat, error) {
	return Stat{}, ErrReadOnly
}

func (h *HostFs) CreateFile(ctx context.Context, parent uint64, name string, opts CreateFileOpts) (File, Stat, error) {
	return nil, Stat{}, ErrReadOnly
}

func (h *HostFs) OpenFile(ctx context.Context, ino uint64, opts OpenFileOpts) (File, error) {
	if opts.Truncate {
		return nil, ErrReadOnly
	}
	rel, err := h.pathForIno(ino)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(h.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmtErr(ErrNotExist, "%s", rel)
		}
		return nil, err
	}
	return &hostFile{f: f}, nil
}

func (h *HostFs) HardLink(ctx context.Context, parent uint64, name string, ino uint64) (Stat, error) {
	return Stat{}, ErrReadOnly
}

func (h *HostFs) Unlink(ctx context.Context, parent uint64, name string) error { return ErrReadOnly }

func (h *HostFs) Rmdir(ctx context.Context, parent uint64, name string) error { return ErrReadOnly }

func (h *HostFs) Rename(ctx context.Context, fromParent uint64, fromName string, toParent uint64, toName string) error {
	return ErrReadOnly
}

func (h *HostFs) ReadSymlink(ctx context.Context, ino uint64) (string, error) {
	rel, err := h.pathForIno(ino)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(filepath.Join(h.root, rel))
	if err != nil {
		return "", fmtErr(ErrInvalid, "%s", rel)
	}
	return target, nil
}

func (h *HostFs) IterDirEnts(ctx context.Context, ino uint64) (*DirIter, error) {
	rel, err := h.pathForIno(ino)
	if err != nil {
		return nil, err
	}
	dirEnts, err := os.ReadDir(filepath.Join(h.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmtErr(ErrNotExist, "%s", rel)
		}
		return nil, ErrNotDir
	}
	ents := make([]DirEntPlus, 0, len(dirEnts))
	for _, de := range dirEnts {
		stat, err := h.statRel(filepath.Join(rel, de.Name()))
		if err != nil {
			// Raced with a host-side delete, skip it.
			continue
		}
		ents = append(ents, DirEntPlus{
			DirEnt: DirEnt{Name: de.Name(), Mode: stat.Mode & S_IFMT, Ino: stat.Ino},
			Stat:   stat,
		})
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

func (h *HostFs) StatFs(ctx context.Context) (StatFs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(h.root, &st); err != nil {
		return StatFs{}, err
	}
	return StatFs{
		UsedBytes: (uint64(st.Blocks) - uint64(st.Bfree)) * uint64(st.Bsize),
		ChunkSize: uint64(st.Bsize),
	}, nil
}

func (h *HostFs) Forget(ctx context.Context, ino uint64, count uint64) error { return nil }

func (h *HostFs) Close() error { return nil }

type hostFile struct {
	f *os.File
}

func (f *hostFile) WriteData(ctx context.Context, buf []byte, offset uint64) (uint32, error) {
	return 0, ErrReadOnly
}

func (f *hostFile) ReadData(ctx context.Context, buf []byte, offset uint64) (uint32, error) {
	n, err := f.f.ReadAt(buf, int64(offset))
	if err == io.EOF {
		if n == 0 {
			return 0, io.EOF
		}
		err = nil
	}
	return uint32(n), err
}

func (f *hostFile) Fsync(ctx context.Context) error { return nil }

func (f *hostFile) Close() error { return f.f.Close() }
