package testutil

import (
	"path/filepath"
	"testing"

	"github.com/lev-os/lev-agentfs"
)

// NewTestStore formats and opens a store in a temp directory that is
// cleaned up when the test finishes.
func NewTestStore(t *testing.T, opts agentfs.MkfsOpts) *agentfs.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	err := agentfs.Mkfs(path, opts)
	if err != nil {
		t.Fatalf("unable to format test store: %s", err)
	}
	store, err := agentfs.OpenStore(path, agentfs.OpenStoreOpts{})
	if err != nil {
		t.Fatalf("unable to open test store: %s", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// NewTestFs attaches a filesystem over a fresh test store. Closing is
// handled by the test cleanup.
func NewTestFs(t *testing.T, attachOpts agentfs.AttachOpts) *agentfs.Fs {
	t.Helper()
	store := NewTestStore(t, agentfs.MkfsOpts{})
	fs, err := agentfs.Attach(store, attachOpts)
	if err != nil {
		t.Fatalf("unable to attach test filesystem: %s", err)
	}
	return fs
}
