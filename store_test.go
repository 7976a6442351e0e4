package agentfs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
)

func tmpStore(t *testing.T) *Store {
	storePath := filepath.Join(t.TempDir(), "store.db")
	err := Mkfs(storePath, MkfsOpts{})
	if err != nil {
		t.Fatal(err)
	}
	store, err := OpenStore(storePath, OpenStoreOpts{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		err := store.Close()
		if err != nil {
			t.Logf("unable to close store: %s", err)
		}
	})
	return store
}

func TestOpenStoreUnformatted(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")

	_, err := OpenStore(storePath, OpenStoreOpts{})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestOpenStoreSchemaVersionMismatch(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	err := Mkfs(storePath, MkfsOpts{})
	if err != nil {
		t.Fatal(err)
	}

	store, err := OpenStore(storePath, OpenStoreOpts{})
	if err != nil {
		t.Fatal(err)
	}
	err = store.writeTx(context.Background(), func(conn *sqlite.Conn) error {
		return store.configSet(conn, "schema_version", "0.0")
	})
	if err != nil {
		t.Fatal(err)
	}
	err = store.Close()
	if err != nil {
		t.Fatal(err)
	}

	_, err = OpenStore(storePath, OpenStoreOpts{})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestStoreChunkRoundTrip(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	err := store.writeTx(ctx, func(conn *sqlite.Conn) error {
		return store.putChunk(conn, 2, 0, []byte{1, 2, 3})
	})
	if err != nil {
		t.Fatal(err)
	}

	var chunk []byte
	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		chunk, err = store.getChunk(conn, 2, 0)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk) != 3 || chunk[0] != 1 || chunk[2] != 3 {
		t.Fatalf("unexpected chunk %v", chunk)
	}

	// Storing an empty chunk removes the row, holes take no space.
	err = store.writeTx(ctx, func(conn *sqlite.Conn) error {
		return store.putChunk(conn, 2, 0, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		chunk, err = store.getChunk(conn, 2, 0)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if chunk != nil {
		t.Fatalf("empty chunk stored a row: %v", chunk)
	}
}

func TestStoreDropChunksFrom(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	err := store.writeTx(ctx, func(conn *sqlite.Conn) error {
		for idx := uint64(0); idx < 4; idx++ {
			if err := store.putChunk(conn, 2, idx, []byte{byte(idx + 1)}); err != nil {
				return err
			}
		}
		return store.dropChunksFrom(conn, 2, 2)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		for idx := uint64(0); idx < 4; idx++ {
			chunk, err := store.getChunk(conn, 2, idx)
			if err != nil {
				return err
			}
			if idx < 2 && chunk == nil {
				t.Fatalf("chunk %d dropped", idx)
			}
			if idx >= 2 && chunk != nil {
				t.Fatalf("chunk %d survived", idx)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreWhiteouts(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	err := store.writeTx(ctx, func(conn *sqlite.Conn) error {
		if err := store.addWhiteout(conn, "a/b"); err != nil {
			return err
		}
		// Adding the same whiteout twice is fine.
		return store.addWhiteout(conn, "a/b")
	})
	if err != nil {
		t.Fatal(err)
	}

	var has bool
	var all []string
	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		has, err = store.hasWhiteout(conn, "a/b")
		if err != nil {
			return err
		}
		all, err = store.listWhiteouts(conn)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("whiteout missing")
	}
	if len(all) != 1 || all[0] != "a/b" {
		t.Fatalf("unexpected whiteouts %v", all)
	}

	err = store.writeTx(ctx, func(conn *sqlite.Conn) error {
		return store.removeWhiteout(conn, "a/b")
	})
	if err != nil {
		t.Fatal(err)
	}
	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		has, err = store.hasWhiteout(conn, "a/b")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("whiteout survived removal")
	}
}

func TestStoreOrigins(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	err := store.writeTx(ctx, func(conn *sqlite.Conn) error {
		return store.addOrigin(conn, Origin{DeltaIno: 5, BaseIno: 9, BasePath: "x/y"})
	})
	if err != nil {
		t.Fatal(err)
	}

	var origin Origin
	var found bool
	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		origin, found, err = store.originByPath(conn, "x/y")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !found || origin.DeltaIno != 5 || origin.BaseIno != 9 {
		t.Fatalf("unexpected origin %v %v", found, origin)
	}

	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		_, found, err = store.originByPath(conn, "missing")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("found an origin that was never written")
	}
}

func TestStoreConfig(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	var value string
	err := store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		value, err = store.configGet(conn, "chunk_size")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if value != fmt.Sprintf("%d", DEFAULT_CHUNK_SIZE) {
		t.Fatalf("unexpected chunk_size %q", value)
	}

	err = store.readTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		value, err = store.configGet(conn, "missing")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if value != "" {
		t.Fatalf("unexpected value %q", value)
	}
}
