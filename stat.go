package agentfs

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	S_IFMT   = unix.S_IFMT
	S_IFREG  = unix.S_IFREG
	S_IFDIR  = unix.S_IFDIR
	S_IFLNK  = unix.S_IFLNK
	S_IFIFO  = unix.S_IFIFO
	S_IFSOCK = unix.S_IFSOCK
	S_IFBLK  = unix.S_IFBLK
	S_IFCHR  = unix.S_IFCHR
)

// ROOT_INO is the fixed inode number of the filesystem root directory.
const ROOT_INO = 1

// Stat is the metadata of a single inode.
type Stat struct {
	Ino       uint64
	Size      uint64
	Atimesec  uint64
	Mtimesec  uint64
	Ctimesec  uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
}

func (s *Stat) IsDir() bool { return s.Mode&S_IFMT == S_IFDIR }

func (s *Stat) Atime() time.Time {
	return time.Unix(int64(s.Atimesec), int64(s.Atimensec))
}

func (s *Stat) Mtime() time.Time {
	return time.Unix(int64(s.Mtimesec), int64(s.Mtimensec))
}

func (s *Stat) Ctime() time.Time {
	return time.Unix(int64(s.Ctimesec), int64(s.Ctimensec))
}

func (s *Stat) SetAtime(t time.Time) {
	s.Atimesec = uint64(t.Unix())
	s.Atimensec = uint32(t.Nanosecond())
}

func (s *Stat) SetMtime(t time.Time) {
	s.Mtimesec = uint64(t.Unix())
	s.Mtimensec = uint32(t.Nanosecond())
}

func (s *Stat) SetCtime(t time.Time) {
	s.Ctimesec = uint64(t.Unix())
	s.Ctimensec = uint32(t.Nanosecond())
}

const (
	SETSTAT_MODE = 1 << iota
	SETSTAT_UID
	SETSTAT_GID
	SETSTAT_SIZE
	SETSTAT_ATIME
	SETSTAT_MTIME
	SETSTAT_CTIME
)

// SetStatOpts is a partial metadata update, Valid selects which fields
// apply. Ctime is updated on every accepted change regardless of the mask.
type SetStatOpts struct {
	Valid     uint32
	Size      uint64
	Atimesec  uint64
	Mtimesec  uint64
	Ctimesec  uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Uid       uint32
	Gid       uint32
}

func (o *SetStatOpts) SetMode(mode uint32) {
	o.Valid |= SETSTAT_MODE
	o.Mode = mode
}

func (o *SetStatOpts) SetUid(uid uint32) {
	o.Valid |= SETSTAT_UID
	o.Uid = uid
}

func (o *SetStatOpts) SetGid(gid uint32) {
	o.Valid |= SETSTAT_GID
	o.Gid = gid
}

func (o *SetStatOpts) SetSize(size uint64) {
	o.Valid |= SETSTAT_SIZE
	o.Size = size
}

func (o *SetStatOpts) SetAtime(t time.Time) {
	o.Valid |= SETSTAT_ATIME
	o.Atimesec = uint64(t.Unix())
	o.Atimensec = uint32(t.Nanosecond())
}

func (o *SetStatOpts) SetMtime(t time.Time) {
	o.Valid |= SETSTAT_MTIME
	o.Mtimesec = uint64(t.Unix())
	o.Mtimensec = uint32(t.Nanosecond())
}

func (o *SetStatOpts) SetCtime(t time.Time) {
	o.Valid |= SETSTAT_CTIME
	o.Ctimesec = uint64(t.Unix())
	o.Ctimensec = uint32(t.Nanosecond())
}

// MknodOpts controls creation of any inode type. LinkTarget must be set
// for symlinks, Rdev for block and character devices. Truncate permits
// recreating an existing regular file in place (O_CREAT|O_TRUNC shape).
type MknodOpts struct {
	Truncate   bool
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Rdev       uint32
	LinkTarget []byte
}

type CreateFileOpts struct {
	Truncate bool
	Mode     uint32
	Uid      uint32
	Gid      uint32
}

type OpenFileOpts struct {
	Truncate bool
	// ForWrite declares write intent at open time so layered
	// filesystems can materialize the file before handing out a handle.
	ForWrite bool
}

// DirEnt is a single directory entry. Mode only carries the type bits.
type DirEnt struct {
	Name string
	Mode uint32
	Ino  uint64
}

// DirEntPlus is a directory entry with its inode attributes fetched
// inline, the readdirplus shape that avoids one stat round-trip per entry.
type DirEntPlus struct {
	DirEnt
	Stat Stat
}

// StatFs summarizes store usage for the statfs call.
type StatFs struct {
	UsedBytes   uint64
	TotalInodes uint64
	TotalChunks uint64
	ChunkSize   uint64
}
