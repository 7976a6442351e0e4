package agentfs

import (
	iofs "io/fs"
	"os"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func TestErrToFuseStatus(t *testing.T) {

	testCases := []struct {
		e error
		s fuse.Status
	}{
		{ErrNotExist, fuse.Status(unix.ENOENT)},
		{ErrExist, fuse.Status(unix.EEXIST)},
		{ErrNotEmpty, fuse.Status(unix.ENOTEMPTY)},
		{ErrNotDir, fuse.Status(unix.ENOTDIR)},
		{ErrIsDir, fuse.Status(unix.EISDIR)},
		{ErrInvalid, fuse.Status(unix.EINVAL)},
		{ErrReadOnly, fuse.Status(unix.EROFS)},

		{iofs.ErrNotExist, fuse.Status(unix.ENOENT)},
		{iofs.ErrExist, fuse.Status(unix.EEXIST)},
		{iofs.ErrInvalid, fuse.Status(unix.EINVAL)},

		{os.ErrNotExist, fuse.Status(unix.ENOENT)},
		{os.ErrExist, fuse.Status(unix.EEXIST)},
		{os.ErrInvalid, fuse.Status(unix.EINVAL)},
	}

	for _, tc := range testCases {
		if errToFuseStatus(tc.e) != tc.s {
			t.Fatalf("%v != %v", tc.e, tc.s)
		}
	}

}

func TestFuseLookupAndGetAttr(t *testing.T) {
	fs := tmpFs(t)
	ffs := NewFuseFs(fs)
	cancel := make(chan struct{})

	mkdirOut := fuse.EntryOut{}
	status := ffs.Mkdir(cancel, &fuse.MkdirIn{
		InHeader: fuse.InHeader{NodeId: ROOT_INO},
		Mode:     0o755,
	}, "d", &mkdirOut)
	if status != fuse.OK {
		t.Fatalf("mkdir: %v", status)
	}
	if mkdirOut.Attr.Mode&S_IFMT != S_IFDIR {
		t.Fatalf("unexpected mode %o", mkdirOut.Attr.Mode)
	}

	lookupOut := fuse.EntryOut{}
	status = ffs.Lookup(cancel, &fuse.InHeader{NodeId: ROOT_INO}, "d", &lookupOut)
	if status != fuse.OK {
		t.Fatalf("lookup: %v", status)
	}
	if lookupOut.NodeId != mkdirOut.NodeId {
		t.Fatal("lookup returned a different node")
	}

	status = ffs.Lookup(cancel, &fuse.InHeader{NodeId: ROOT_INO}, "missing", &lookupOut)
	if status != fuse.Status(unix.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", status)
	}

	attrOut := fuse.AttrOut{}
	status = ffs.GetAttr(cancel, &fuse.GetAttrIn{
		InHeader: fuse.InHeader{NodeId: mkdirOut.NodeId},
	}, &attrOut)
	if status != fuse.OK {
		t.Fatalf("getattr: %v", status)
	}
	if attrOut.Attr.Ino != mkdirOut.NodeId {
		t.Fatalf("unexpected ino %d", attrOut.Attr.Ino)
	}
	if attrOut.Attr.Blksize != uint32(fs.ChunkSize()) {
		t.Fatalf("unexpected blksize %d", attrOut.Attr.Blksize)
	}
}

func TestFuseCreateWriteRead(t *testing.T) {
	fs := tmpFs(t)
	ffs := NewFuseFs(fs)
	cancel := make(chan struct{})

	createOut := fuse.CreateOut{}
	status := ffs.Create(cancel, &fuse.CreateIn{
		InHeader: fuse.InHeader{NodeId: ROOT_INO},
		Mode:     0o644,
	}, "f", &createOut)
	if status != fuse.OK {
		t.Fatalf("create: %v", status)
	}
	if createOut.OpenFlags&fuse.FOPEN_DIRECT_IO == 0 {
		t.Fatal("direct io not requested")
	}

	data := []byte("through the kernel protocol")
	n, status := ffs.Write(cancel, &fuse.WriteIn{
		InHeader: fuse.InHeader{NodeId: createOut.NodeId},
		Fh:       createOut.Fh,
	}, data)
	if status != fuse.OK {
		t.Fatalf("write: %v", status)
	}
	if n != uint32(len(data)) {
		t.Fatalf("short write %d", n)
	}

	buf := make([]byte, len(data))
	res, status := ffs.Read(cancel, &fuse.ReadIn{
		InHeader: fuse.InHeader{NodeId: createOut.NodeId},
		Fh:       createOut.Fh,
	}, buf)
	if status != fuse.OK {
		t.Fatalf("read: %v", status)
	}
	got, _ := res.Bytes(nil)
	if string(got) != string(data) {
		t.Fatalf("unexpected content %q", got)
	}

	ffs.Release(cancel, &fuse.ReleaseIn{
		InHeader: fuse.InHeader{NodeId: createOut.NodeId},
		Fh:       createOut.Fh,
	})

	// A released handle is gone.
	_, status = ffs.Read(cancel, &fuse.ReadIn{
		InHeader: fuse.InHeader{NodeId: createOut.NodeId},
		Fh:       createOut.Fh,
	}, buf)
	if status != fuse.Status(unix.EBADF) {
		t.Fatalf("expected EBADF, got %v", status)
	}
}

func TestFuseUnlinkAndRename(t *testing.T) {
	fs := tmpFs(t)
	ffs := NewFuseFs(fs)
	cancel := make(chan struct{})

	out := fuse.EntryOut{}
	status := ffs.Mknod(cancel, &fuse.MknodIn{
		InHeader: fuse.InHeader{NodeId: ROOT_INO},
		Mode:     S_IFREG | 0o644,
	}, "f", &out)
	if status != fuse.OK {
		t.Fatalf("mknod: %v", status)
	}

	status = ffs.Rename(cancel, &fuse.RenameIn{
		InHeader: fuse.InHeader{NodeId: ROOT_INO},
		Newdir:   ROOT_INO,
	}, "f", "g")
	if status != fuse.OK {
		t.Fatalf("rename: %v", status)
	}

	status = ffs.Unlink(cancel, &fuse.InHeader{NodeId: ROOT_INO}, "f")
	if status != fuse.Status(unix.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", status)
	}
	status = ffs.Unlink(cancel, &fuse.InHeader{NodeId: ROOT_INO}, "g")
	if status != fuse.OK {
		t.Fatalf("unlink: %v", status)
	}
}

func TestFuseSymlink(t *testing.T) {
	fs := tmpFs(t)
	ffs := NewFuseFs(fs)
	cancel := make(chan struct{})

	out := fuse.EntryOut{}
	status := ffs.Symlink(cancel, &fuse.InHeader{NodeId: ROOT_INO}, "target", "l", &out)
	if status != fuse.OK {
		t.Fatalf("symlink: %v", status)
	}

	target, status := ffs.Readlink(cancel, &fuse.InHeader{NodeId: out.NodeId})
	if status != fuse.OK {
		t.Fatalf("readlink: %v", status)
	}
	if string(target) != "target" {
		t.Fatalf("unexpected target %q", target)
	}
}

func TestFuseStatFs(t *testing.T) {
	fs := tmpFs(t)
	ffs := NewFuseFs(fs)
	cancel := make(chan struct{})

	out := fuse.StatfsOut{}
	status := ffs.StatFs(cancel, &fuse.InHeader{NodeId: ROOT_INO}, &out)
	if status != fuse.OK {
		t.Fatalf("statfs: %v", status)
	}
	if out.Bsize != uint32(fs.ChunkSize()) {
		t.Fatalf("unexpected bsize %d", out.Bsize)
	}
	if out.Files == 0 {
		t.Fatal("no inodes reported")
	}
}

func TestFuseReaddirParentIno(t *testing.T) {
	fs := tmpFs(t)
	ffs := NewFuseFs(fs)
	cancel := make(chan struct{})

	dirOut := fuse.EntryOut{}
	status := ffs.Mkdir(cancel, &fuse.MkdirIn{
		InHeader: fuse.InHeader{NodeId: ROOT_INO},
		Mode:     0o755,
	}, "d", &dirOut)
	if status != fuse.OK {
		t.Fatalf("mkdir: %v", status)
	}
	subOut := fuse.EntryOut{}
	status = ffs.Mkdir(cancel, &fuse.MkdirIn{
		InHeader: fuse.InHeader{NodeId: dirOut.NodeId},
		Mode:     0o755,
	}, "sub", &subOut)
	if status != fuse.OK {
		t.Fatalf("mkdir: %v", status)
	}

	// '..' points at the real parent, the root at itself.
	if got := ffs.parentIno(subOut.NodeId); got != dirOut.NodeId {
		t.Fatalf("unexpected parent %d", got)
	}
	if got := ffs.parentIno(dirOut.NodeId); got != ROOT_INO {
		t.Fatalf("unexpected parent %d", got)
	}
	if got := ffs.parentIno(ROOT_INO); got != ROOT_INO {
		t.Fatalf("unexpected parent %d", got)
	}

	// Forget drops the binding, lookup restores it.
	ffs.Forget(subOut.NodeId, 1)
	if got := ffs.parentIno(subOut.NodeId); got != subOut.NodeId {
		t.Fatalf("unexpected parent %d after forget", got)
	}
	lookupOut := fuse.EntryOut{}
	status = ffs.Lookup(cancel, &fuse.InHeader{NodeId: dirOut.NodeId}, "sub", &lookupOut)
	if status != fuse.OK {
		t.Fatalf("lookup: %v", status)
	}
	if got := ffs.parentIno(lookupOut.NodeId); got != dirOut.NodeId {
		t.Fatalf("unexpected parent %d after lookup", got)
	}
}
