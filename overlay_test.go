package agentfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
)

func tmpBaseDir(t *testing.T) string {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	err = os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	if err != nil {
		t.Fatal(err)
	}
	err = os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	err = os.Symlink("hello.txt", filepath.Join(dir, "link"))
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func tmpOverlay(t *testing.T) (*Overlay, string) {
	baseDir := tmpBaseDir(t)
	delta := tmpFs(t)
	base, err := NewHostFs(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	o, err := NewOverlay(base, delta, nil)
	if err != nil {
		t.Fatal(err)
	}
	return o, baseDir
}

func lookupPath(t *testing.T, fsys FileSystem, path string) Stat {
	ctx := context.Background()
	stat, err := fsys.GetStat(ctx, ROOT_INO)
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range strings.Split(path, "/") {
		stat, err = fsys.Lookup(ctx, stat.Ino, part)
		if err != nil {
			t.Fatalf("lookup %q: %s", path, err)
		}
	}
	return stat
}

func readFileContents(t *testing.T, fsys FileSystem, ino uint64) []byte {
	ctx := context.Background()
	f, err := fsys.OpenFile(ctx, ino, OpenFileOpts{})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	out := &bytes.Buffer{}
	buf := make([]byte, 8192)
	offset := uint64(0)
	for {
		n, err := f.ReadData(ctx, buf, offset)
		offset += uint64(n)
		_, _ = out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
	}
	return out.Bytes()
}

func writeFileContents(t *testing.T, fsys FileSystem, ino uint64, data []byte) {
	ctx := context.Background()
	f, err := fsys.OpenFile(ctx, ino, OpenFileOpts{ForWrite: true, Truncate: true})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	nWritten := 0
	for nWritten != len(data) {
		n, err := f.WriteData(ctx, data[nWritten:], uint64(nWritten))
		if err != nil {
			t.Fatal(err)
		}
		nWritten += int(n)
	}
}

func TestOverlayReadThrough(t *testing.T) {
	o, _ := tmpOverlay(t)

	stat := lookupPath(t, o, "hello.txt")
	if stat.Size != uint64(len("hello world\n")) {
		t.Fatalf("unexpected size %d", stat.Size)
	}

	data := readFileContents(t, o, stat.Ino)
	if string(data) != "hello world\n" {
		t.Fatalf("unexpected content %q", data)
	}

	nested := lookupPath(t, o, "sub/nested.txt")
	data = readFileContents(t, o, nested.Ino)
	if string(data) != "nested\n" {
		t.Fatalf("unexpected content %q", data)
	}

	linkStat := lookupPath(t, o, "link")
	target, err := o.ReadSymlink(context.Background(), linkStat.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if target != "hello.txt" {
		t.Fatalf("unexpected target %q", target)
	}
}

func TestOverlayCopyUpOnWrite(t *testing.T) {
	o, baseDir := tmpOverlay(t)
	ctx := context.Background()

	stat := lookupPath(t, o, "hello.txt")
	writeFileContents(t, o, stat.Ino, []byte("rewritten\n"))

	data := readFileContents(t, o, stat.Ino)
	if string(data) != "rewritten\n" {
		t.Fatalf("unexpected content %q", data)
	}

	// The base layer never changes.
	hostData, err := os.ReadFile(filepath.Join(baseDir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(hostData) != "hello world\n" {
		t.Fatalf("base file modified: %q", hostData)
	}

	// Copy-up leaves an origin record behind.
	var found bool
	err = o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		_, found, err = o.delta.store.originByPath(conn, "hello.txt")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("no origin record after copy-up")
	}
}

func TestOverlayCopyUpIdempotent(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	stat := lookupPath(t, o, "sub/nested.txt")
	writeFileContents(t, o, stat.Ino, []byte("first\n"))

	deltaStat1, err := o.deltaStatPath(ctx, "sub/nested.txt")
	if err != nil {
		t.Fatal(err)
	}

	writeFileContents(t, o, stat.Ino, []byte("second\n"))

	deltaStat2, err := o.deltaStatPath(ctx, "sub/nested.txt")
	if err != nil {
		t.Fatal(err)
	}
	if deltaStat1.Ino != deltaStat2.Ino {
		t.Fatal("second copy-up allocated a new inode")
	}

	var origins []Origin
	err = o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		origins, err = o.delta.store.listOrigins(conn)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, origin := range origins {
		if origin.BasePath == "sub/nested.txt" && origin.DeltaIno != deltaStat1.Ino {
			t.Fatalf("stale origin record %v", origin)
		}
	}
}

func TestOverlayCopyUpPreservesTimes(t *testing.T) {
	o, baseDir := tmpOverlay(t)

	when := time.Unix(1600000000, 0)
	err := os.Chtimes(filepath.Join(baseDir, "hello.txt"), when, when)
	if err != nil {
		t.Fatal(err)
	}

	stat := lookupPath(t, o, "hello.txt")
	f, err := o.OpenFile(context.Background(), stat.Ino, OpenFileOpts{ForWrite: true})
	if err != nil {
		t.Fatal(err)
	}
	err = f.Close()
	if err != nil {
		t.Fatal(err)
	}

	deltaStat, err := o.deltaStatPath(context.Background(), "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if deltaStat.Mtimesec != uint64(when.Unix()) {
		t.Fatalf("mtime not preserved: %d != %d", deltaStat.Mtimesec, when.Unix())
	}
}

func TestOverlayWhiteout(t *testing.T) {
	o, baseDir := tmpOverlay(t)
	ctx := context.Background()

	err := o.Unlink(ctx, ROOT_INO, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Lookup(ctx, ROOT_INO, "hello.txt")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}

	// The base file is untouched.
	_, err = os.Stat(filepath.Join(baseDir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}

	// Recreating over the whiteout clears it.
	_, err = o.Mknod(ctx, ROOT_INO, "hello.txt", MknodOpts{
		Mode: S_IFREG | 0o644,
	})
	if err != nil {
		t.Fatal(err)
	}
	stat, err := o.Lookup(ctx, ROOT_INO, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if stat.Size != 0 {
		t.Fatalf("unexpected size %d", stat.Size)
	}

	var hasWhiteout bool
	err = o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		hasWhiteout, err = o.delta.store.hasWhiteout(conn, "hello.txt")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if hasWhiteout {
		t.Fatal("whiteout survived recreation")
	}
}

func TestOverlayWhiteoutHidesSubtree(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	subStat := lookupPath(t, o, "sub")

	err := o.Rmdir(ctx, ROOT_INO, "sub")
	if !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}

	err = o.Unlink(ctx, subStat.Ino, "nested.txt")
	if err != nil {
		t.Fatal(err)
	}
	err = o.Rmdir(ctx, ROOT_INO, "sub")
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Lookup(ctx, ROOT_INO, "sub")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestOverlayMergedReaddir(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	_, err := o.Mknod(ctx, ROOT_INO, "new.txt", MknodOpts{
		Mode: S_IFREG | 0o644,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = o.Unlink(ctx, ROOT_INO, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}

	it, err := o.IterDirEnts(ctx, ROOT_INO)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]struct{})
	for {
		ent, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		_, dup := seen[ent.Name]
		if dup {
			t.Fatalf("duplicate entry %q", ent.Name)
		}
		seen[ent.Name] = struct{}{}
	}

	for _, want := range []string{"new.txt", "sub", "link"} {
		_, ok := seen[want]
		if !ok {
			t.Fatalf("missing entry %q", want)
		}
	}
	_, ok := seen["hello.txt"]
	if ok {
		t.Fatal("whited-out entry listed")
	}
}

func TestOverlayShadowedReaddir(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	// A copied-up file must appear exactly once.
	stat := lookupPath(t, o, "hello.txt")
	writeFileContents(t, o, stat.Ino, []byte("changed\n"))

	it, err := o.IterDirEnts(ctx, ROOT_INO)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		ent, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if ent.Name == "hello.txt" {
			count += 1
		}
	}
	if count != 1 {
		t.Fatalf("hello.txt listed %d times", count)
	}
}

func TestOverlayRename(t *testing.T) {
	o, baseDir := tmpOverlay(t)
	ctx := context.Background()

	err := o.Rename(ctx, ROOT_INO, "hello.txt", ROOT_INO, "renamed.txt")
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Lookup(ctx, ROOT_INO, "hello.txt")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}

	stat, err := o.Lookup(ctx, ROOT_INO, "renamed.txt")
	if err != nil {
		t.Fatal(err)
	}
	data := readFileContents(t, o, stat.Ino)
	if string(data) != "hello world\n" {
		t.Fatalf("unexpected content %q", data)
	}

	_, err = os.Stat(filepath.Join(baseDir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
}

func TestOverlayRenameDirTree(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	err := o.Rename(ctx, ROOT_INO, "sub", ROOT_INO, "moved")
	if err != nil {
		t.Fatal(err)
	}

	stat := lookupPath(t, o, "moved/nested.txt")
	data := readFileContents(t, o, stat.Ino)
	if string(data) != "nested\n" {
		t.Fatalf("unexpected content %q", data)
	}

	_, err = o.Lookup(ctx, ROOT_INO, "sub")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestOverlayDiff(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	// One addition, one modification, one removal. A copy-up without any
	// change stays out of the diff.
	_, err := o.Mknod(ctx, ROOT_INO, "a.txt", MknodOpts{
		Mode: S_IFREG | 0o644,
	})
	if err != nil {
		t.Fatal(err)
	}

	helloStat := lookupPath(t, o, "hello.txt")
	writeFileContents(t, o, helloStat.Ino, []byte("different\n"))

	err = o.Unlink(ctx, ROOT_INO, "link")
	if err != nil {
		t.Fatal(err)
	}

	nestedStat := lookupPath(t, o, "sub/nested.txt")
	f, err := o.OpenFile(ctx, nestedStat.Ino, OpenFileOpts{ForWrite: true})
	if err != nil {
		t.Fatal(err)
	}
	err = f.Close()
	if err != nil {
		t.Fatal(err)
	}

	diff, err := o.Diff(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]DiffKind)
	for _, ent := range diff {
		got[ent.Path] = ent.Kind
	}

	kind, ok := got["a.txt"]
	if !ok || kind != DiffAdded {
		t.Fatalf("a.txt: %v %v", ok, kind)
	}
	kind, ok = got["hello.txt"]
	if !ok || kind != DiffModified {
		t.Fatalf("hello.txt: %v %v", ok, kind)
	}
	kind, ok = got["link"]
	if !ok || kind != DiffRemoved {
		t.Fatalf("link: %v %v", ok, kind)
	}
	_, ok = got["sub/nested.txt"]
	if ok {
		t.Fatal("unchanged copy-up reported")
	}
}

func TestOverlayDiffRenameIsAddAndRemove(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	err := o.Rename(ctx, ROOT_INO, "hello.txt", ROOT_INO, "renamed.txt")
	if err != nil {
		t.Fatal(err)
	}

	diff, err := o.Diff(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]DiffKind)
	for _, ent := range diff {
		got[ent.Path] = ent.Kind
	}
	kind, ok := got["hello.txt"]
	if !ok || kind != DiffRemoved {
		t.Fatalf("hello.txt: %v %v", ok, kind)
	}
	kind, ok = got["renamed.txt"]
	if !ok || kind != DiffAdded {
		t.Fatalf("renamed.txt: %v %v", ok, kind)
	}
}

func TestHostFsReadOnly(t *testing.T) {
	baseDir := tmpBaseDir(t)
	h, err := NewHostFs(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	_, err = h.Mknod(ctx, ROOT_INO, "x", MknodOpts{
		Mode: S_IFREG | 0o644,
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}

	stat, err := h.Lookup(ctx, ROOT_INO, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	data := readFileContents(t, h, stat.Ino)
	if string(data) != "hello world\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

// unreadableBase serves stats and dirents but fails every data read,
// standing in for a base that disappears mid copy-up.
type unreadableBase struct {
	*HostFs
}

type unreadableFile struct {
	File
}

func (f unreadableFile) ReadData(ctx context.Context, buf []byte, offset uint64) (uint32, error) {
	return 0, fmtErr(ErrUnavailable, "base gone")
}

func (b unreadableBase) OpenFile(ctx context.Context, ino uint64, opts OpenFileOpts) (File, error) {
	f, err := b.HostFs.OpenFile(ctx, ino, opts)
	if err != nil {
		return nil, err
	}
	return unreadableFile{f}, nil
}

func TestOverlayCopyUpFailureKeepsBaseVisible(t *testing.T) {
	baseDir := tmpBaseDir(t)
	delta := tmpFs(t)
	host, err := NewHostFs(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	o, err := NewOverlay(unreadableBase{host}, delta, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	stat := lookupPath(t, o, "hello.txt")
	_, err = o.OpenFile(ctx, stat.Ino, OpenFileOpts{ForWrite: true})
	if err == nil {
		t.Fatal("expected copy-up to fail")
	}

	// No truncated delta file may shadow the base afterwards.
	stat = lookupPath(t, o, "hello.txt")
	if stat.Size != uint64(len("hello world\n")) {
		t.Fatalf("unexpected size %d", stat.Size)
	}
	_, err = o.deltaStatPath(ctx, "hello.txt")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected no delta entry, got %v", err)
	}
	var found bool
	err = o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		_, found, err = o.delta.store.originByPath(conn, "hello.txt")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("stale origin after failed copy-up")
	}
}

func TestOverlayBaseBinding(t *testing.T) {
	baseDir := tmpBaseDir(t)
	delta := tmpFs(t)

	base, err := NewHostFs(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewOverlay(base, delta, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Reattaching over the same base is fine.
	_, err = NewOverlay(base, delta, nil)
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewHostFs(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewOverlay(other, delta, nil)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestOverlayUnlinkCopiedUpFile(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	stat := lookupPath(t, o, "hello.txt")
	writeFileContents(t, o, stat.Ino, []byte("HELLO"))

	err := o.Unlink(ctx, ROOT_INO, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}

	// One call removed the delta entry and gained the whiteout.
	_, err = o.deltaStatPath(ctx, "hello.txt")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected no delta entry, got %v", err)
	}
	var hasWhiteout bool
	err = o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		hasWhiteout, err = o.delta.store.hasWhiteout(conn, "hello.txt")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !hasWhiteout {
		t.Fatal("missing whiteout")
	}
	_, err = o.Lookup(ctx, ROOT_INO, "hello.txt")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestOverlayRenameWhiteoutRows(t *testing.T) {
	o, _ := tmpOverlay(t)
	ctx := context.Background()

	whiteout := func(path string) bool {
		var hit bool
		err := o.delta.store.readTx(ctx, func(conn *sqlite.Conn) error {
			var err error
			hit, err = o.delta.store.hasWhiteout(conn, path)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return hit
	}

	err := o.Rename(ctx, ROOT_INO, "hello.txt", ROOT_INO, "moved.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !whiteout("hello.txt") {
		t.Fatal("missing whiteout on the moved-from path")
	}
	if whiteout("moved.txt") {
		t.Fatal("unexpected whiteout on the destination")
	}

	// Renaming over a whited-out path clears the cover again.
	_, err = o.Mknod(ctx, ROOT_INO, "fresh.txt", MknodOpts{
		Mode: S_IFREG | 0o644,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = o.Rename(ctx, ROOT_INO, "fresh.txt", ROOT_INO, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if whiteout("hello.txt") {
		t.Fatal("stale whiteout under the new entry")
	}
}
