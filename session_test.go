package agentfs

import (
	"context"
	"errors"
	"os"
	"testing"
)

func tmpStateDir(t *testing.T) {
	t.Setenv("AGENTFS_DIR", t.TempDir())
}

func TestCreateAndListSessions(t *testing.T) {
	tmpStateDir(t)

	sessions, err := ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("unexpected sessions %v", sessions)
	}

	s1, err := CreateSession(CreateSessionOpts{})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := CreateSession(CreateSessionOpts{ChunkSize: 8192})
	if err != nil {
		t.Fatal(err)
	}

	sessions, err = ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("unexpected session count %d", len(sessions))
	}
	if sessions[1].CreatedAt.Before(sessions[0].CreatedAt) {
		t.Fatal("sessions not ordered by creation time")
	}

	if s1.ChunkSize != DEFAULT_CHUNK_SIZE {
		t.Fatalf("unexpected chunk size %d", s1.ChunkSize)
	}
	if s2.ChunkSize != 8192 {
		t.Fatalf("unexpected chunk size %d", s2.ChunkSize)
	}

	if _, err := os.Stat(s1.StorePath()); err != nil {
		t.Fatal(err)
	}
}

func TestResolveSession(t *testing.T) {
	tmpStateDir(t)

	s, err := CreateSession(CreateSessionOpts{})
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := ResolveSession(s.Id)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Id != s.Id {
		t.Fatalf("unexpected session %q", resolved.Id)
	}

	resolved, err = ResolveSession(s.Id[:8])
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Id != s.Id {
		t.Fatalf("unexpected session %q", resolved.Id)
	}

	_, err = ResolveSession("nope")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestRemoveSession(t *testing.T) {
	tmpStateDir(t)

	s, err := CreateSession(CreateSessionOpts{})
	if err != nil {
		t.Fatal(err)
	}

	err = RemoveSession(s.Id)
	if err != nil {
		t.Fatal(err)
	}

	_, err = ResolveSession(s.Id)
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestOpenSession(t *testing.T) {
	tmpStateDir(t)

	s, err := CreateSession(CreateSessionOpts{})
	if err != nil {
		t.Fatal(err)
	}

	fsys, err := OpenSession(s, AttachOpts{})
	if err != nil {
		t.Fatal(err)
	}
	defer fsys.Close()

	_, ok := fsys.(*Fs)
	if !ok {
		t.Fatalf("expected plain filesystem, got %T", fsys)
	}

	ctx := context.Background()
	_, err = fsys.Mknod(ctx, ROOT_INO, "foo", MknodOpts{
		Mode: S_IFREG | 0o644,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenSessionOverlay(t *testing.T) {
	tmpStateDir(t)
	baseDir := tmpBaseDir(t)

	s, err := CreateSession(CreateSessionOpts{BaseDir: baseDir})
	if err != nil {
		t.Fatal(err)
	}

	fsys, err := OpenSession(s, AttachOpts{})
	if err != nil {
		t.Fatal(err)
	}
	defer fsys.Close()

	o, ok := fsys.(*Overlay)
	if !ok {
		t.Fatalf("expected overlay, got %T", fsys)
	}

	stat := lookupPath(t, o, "hello.txt")
	data := readFileContents(t, o, stat.Ino)
	if string(data) != "hello world\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestOpenSessionBaseMismatch(t *testing.T) {
	tmpStateDir(t)
	baseDir := tmpBaseDir(t)

	session, err := CreateSession(CreateSessionOpts{BaseDir: baseDir})
	if err != nil {
		t.Fatal(err)
	}
	fsys, err := OpenSession(session, AttachOpts{})
	if err != nil {
		t.Fatal(err)
	}
	err = fsys.Close()
	if err != nil {
		t.Fatal(err)
	}

	// A manifest rewritten to point at a different base must not pair
	// with the delta that was bound to the original one.
	session.BaseDir = t.TempDir()
	err = writeSessionManifest(session)
	if err != nil {
		t.Fatal(err)
	}
	session, err = ResolveSession(session.Id)
	if err != nil {
		t.Fatal(err)
	}
	_, err = OpenSession(session, AttachOpts{})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
