package agentfs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	CURRENT_SCHEMA_VERSION = "0.4"
	DEFAULT_CHUNK_SIZE     = 4096
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS fs_inode (
	ino         INTEGER PRIMARY KEY AUTOINCREMENT,
	mode        INTEGER NOT NULL,
	uid         INTEGER NOT NULL,
	gid         INTEGER NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	nlink       INTEGER NOT NULL DEFAULT 0,
	atime       INTEGER NOT NULL DEFAULT 0,
	atime_nsec  INTEGER NOT NULL DEFAULT 0,
	mtime       INTEGER NOT NULL DEFAULT 0,
	mtime_nsec  INTEGER NOT NULL DEFAULT 0,
	ctime       INTEGER NOT NULL DEFAULT 0,
	ctime_nsec  INTEGER NOT NULL DEFAULT 0,
	rdev        INTEGER NOT NULL DEFAULT 0,
	orphaned_at INTEGER
);

CREATE TABLE IF NOT EXISTS fs_dentry (
	parent INTEGER NOT NULL,
	name   TEXT NOT NULL,
	ino    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fs_dentry_parent_name ON fs_dentry(parent, name);
CREATE INDEX IF NOT EXISTS idx_fs_dentry_ino ON fs_dentry(ino);

CREATE TABLE IF NOT EXISTS fs_data (
	ino  INTEGER NOT NULL,
	idx  INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (ino, idx)
);

CREATE TABLE IF NOT EXISTS fs_symlink (
	ino    INTEGER PRIMARY KEY,
	target TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fs_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fs_whiteout (
	path TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS fs_origin (
	delta_ino INTEGER PRIMARY KEY,
	base_ino  INTEGER NOT NULL,
	base_path TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fs_origin_path ON fs_origin(base_path);
`

// Store is the durable metadata and chunk store backing one filesystem
// instance. Every mutating call runs inside one immediate transaction so
// partial writes are never observable. Store owns the inode, dentry,
// chunk, symlink, whiteout and origin rows exclusively.
type Store struct {
	pool      *Pool
	path      string
	logger    *slog.Logger
	chunkSize uint64
}

type MkfsOpts struct {
	// ChunkSize is fixed at format time and may not change afterwards.
	// Zero means DEFAULT_CHUNK_SIZE.
	ChunkSize uint64
	Overwrite bool
	Logger    *slog.Logger
}

// Mkfs formats a new filesystem database at path: schema, config rows and
// the root directory inode.
func Mkfs(path string, opts MkfsOpts) error {
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DEFAULT_CHUNK_SIZE
	}
	if chunkSize < 512 || chunkSize > 1<<20 {
		return fmtErr(ErrInvalid, "mkfs: chunk size %d out of range", chunkSize)
	}

	pool, err := OpenPool(PoolConfig{Path: path, PoolSize: 1, Logger: opts.Logger})
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("mkfs: begin: %w", err)
	}
	defer endTx(&err)

	var existing string
	err = sqlitex.Execute(conn, "SELECT value FROM fs_config WHERE key = 'schema_version'", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			existing = stmt.ColumnText(0)
			return nil
		},
	})
	if err == nil && existing != "" && !opts.Overwrite {
		err = fmtErr(ErrExist, "mkfs: %s is already formatted", path)
		return err
	}

	for _, table := range []string{"fs_inode", "fs_dentry", "fs_data", "fs_symlink", "fs_config", "fs_whiteout", "fs_origin"} {
		serr := sqlitex.ExecuteTransient(conn, "DROP TABLE IF EXISTS "+table, nil)
		if serr != nil {
			err = serr
			return err
		}
	}

	if err = sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return fmt.Errorf("mkfs: schema: %w", err)
	}

	now := time.Now()
	root := Stat{
		Ino:   ROOT_INO,
		Mode:  S_IFDIR | 0o755,
		Nlink: 1,
	}
	root.SetAtime(now)
	root.SetMtime(now)
	root.SetCtime(now)

	err = sqlitex.Execute(conn, `INSERT INTO fs_inode
		(ino, mode, uid, gid, size, nlink, atime, atime_nsec, mtime, mtime_nsec, ctime, ctime_nsec, rdev)
		VALUES (?, ?, ?, ?, 0, 1, ?, ?, ?, ?, ?, ?, 0)`, &sqlitex.ExecOptions{
		Args: []any{
			int64(ROOT_INO), int64(root.Mode), int64(root.Uid), int64(root.Gid),
			int64(root.Atimesec), int64(root.Atimensec),
			int64(root.Mtimesec), int64(root.Mtimensec),
			int64(root.Ctimesec), int64(root.Ctimensec),
		},
	})
	if err != nil {
		return fmt.Errorf("mkfs: root inode: %w", err)
	}

	for key, value := range map[string]string{
		"schema_version": CURRENT_SCHEMA_VERSION,
		"chunk_size":     fmt.Sprintf("%d", chunkSize),
	} {
		err = sqlitex.Execute(conn, "INSERT OR REPLACE INTO fs_config (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{key, value},
		})
		if err != nil {
			return fmt.Errorf("mkfs: config: %w", err)
		}
	}

	return err
}

type OpenStoreOpts struct {
	PoolSize int
	Logger   *slog.Logger
}

// OpenStore opens a formatted filesystem database and validates its
// schema version.
func OpenStore(path string, opts OpenStoreOpts) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := OpenPool(PoolConfig{
		Path:     path,
		PoolSize: opts.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		pool:   pool,
		path:   path,
		logger: logger,
	}

	err = s.readTx(context.Background(), func(conn *sqlite.Conn) error {
		version, err := s.configGet(conn, "schema_version")
		if err != nil {
			return err
		}
		if version == "" {
			return fmtErr(ErrInvalid, "%s is not a formatted filesystem", path)
		}
		if version != CURRENT_SCHEMA_VERSION {
			return fmtErr(ErrInvalid, "%s has schema version %s, expected %s (run a migration first)", path, version, CURRENT_SCHEMA_VERSION)
		}
		chunkSizeStr, err := s.configGet(conn, "chunk_size")
		if err != nil {
			return err
		}
		var chunkSize uint64
		_, err = fmt.Sscanf(chunkSizeStr, "%d", &chunkSize)
		if err != nil || chunkSize == 0 {
			return fmtErr(ErrInvalid, "%s has invalid chunk_size %q", path, chunkSizeStr)
		}
		s.chunkSize = chunkSize
		return nil
	})
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) Path() string { return s.path }

func (s *Store) ChunkSize() uint64 { return s.chunkSize }

func isBusyErr(err error) bool {
	code := sqlite.ErrCode(err).ToPrimary()
	return code == sqlite.ResultBusy || code == sqlite.ResultLocked
}

const (
	busyRetries  = 5
	busyBackoff  = 10 * time.Millisecond
	maxBusyDelay = 500 * time.Millisecond
)

// writeTx runs f inside one immediate (writer) transaction. Lock
// contention is retried a bounded number of times with backoff before
// surfacing ErrUnavailable. Once f has begun it runs to completion or
// rollback, there is no mid-transaction cancellation.
func (s *Store) writeTx(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	delay := busyBackoff
	for attempt := 0; ; attempt++ {
		err = func() (err error) {
			endTx, err := sqlitex.ImmediateTransaction(conn)
			if err != nil {
				return err
			}
			defer endTx(&err)
			err = f(conn)
			return err
		}()
		if err == nil || !isBusyErr(err) {
			return err
		}
		if attempt+1 >= busyRetries {
			s.logger.Warn("store busy, giving up", "path", s.path, "attempts", attempt+1)
			return fmtErr(ErrUnavailable, "store %s is locked", s.path)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxBusyDelay {
			delay = maxBusyDelay
		}
	}
}

// readTx runs f inside one deferred transaction, giving it a consistent
// snapshot across multiple statements.
func (s *Store) readTx(ctx context.Context, f func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx := sqlitex.Transaction(conn)
	err = f(conn)
	endTx(&err)
	if err != nil && isBusyErr(err) {
		return fmtErr(ErrUnavailable, "store %s is locked", s.path)
	}
	return err
}

func (s *Store) configGet(conn *sqlite.Conn, key string) (string, error) {
	var value string
	err := sqlitex.Execute(conn, "SELECT value FROM fs_config WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			return nil
		},
	})
	return value, err
}

func (s *Store) configSet(conn *sqlite.Conn, key, value string) error {
	return sqlitex.Execute(conn, "INSERT OR REPLACE INTO fs_config (key, value) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{key, value},
	})
}

func scanStat(stmt *sqlite.Stmt) Stat {
	return Stat{
		Ino:       uint64(stmt.ColumnInt64(0)),
		Mode:      uint32(stmt.ColumnInt64(1)),
		Uid:       uint32(stmt.ColumnInt64(2)),
		Gid:       uint32(stmt.ColumnInt64(3)),
		Size:      uint64(stmt.ColumnInt64(4)),
		Nlink:     uint32(stmt.ColumnInt64(5)),
		Atimesec:  uint64(stmt.ColumnInt64(6)),
		Atimensec: uint32(stmt.ColumnInt64(7)),
		Mtimesec:  uint64(stmt.ColumnInt64(8)),
		Mtimensec: uint32(stmt.ColumnInt64(9)),
		Ctimesec:  uint64(stmt.ColumnInt64(10)),
		Ctimensec: uint32(stmt.ColumnInt64(11)),
		Rdev:      uint32(stmt.ColumnInt64(12)),
	}
}

const statColumns = "ino, mode, uid, gid, size, nlink, atime, atime_nsec, mtime, mtime_nsec, ctime, ctime_nsec, rdev"

func (s *Store) getStat(conn *sqlite.Conn, ino uint64) (Stat, error) {
	var stat Stat
	found := false
	err := sqlitex.Execute(conn, "SELECT "+statColumns+" FROM fs_inode WHERE ino = ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stat = scanStat(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return Stat{}, err
	}
	if !found {
		return Stat{}, fmtErr(ErrNotExist, "inode %d", ino)
	}
	return stat, nil
}

func (s *Store) updateStat(conn *sqlite.Conn, stat Stat) error {
	return sqlitex.Execute(conn, `UPDATE fs_inode SET
		mode = ?, uid = ?, gid = ?, size = ?, nlink = ?,
		atime = ?, atime_nsec = ?, mtime = ?, mtime_nsec = ?, ctime = ?, ctime_nsec = ?, rdev = ?
		WHERE ino = ?`, &sqlitex.ExecOptions{
		Args: []any{
			int64(stat.Mode), int64(stat.Uid), int64(stat.Gid), int64(stat.Size), int64(stat.Nlink),
			int64(stat.Atimesec), int64(stat.Atimensec),
			int64(stat.Mtimesec), int64(stat.Mtimensec),
			int64(stat.Ctimesec), int64(stat.Ctimensec),
			int64(stat.Rdev), int64(stat.Ino),
		},
	})
}

// insertInode allocates a fresh inode id and fills it into stat.
func (s *Store) insertInode(conn *sqlite.Conn, stat *Stat) error {
	err := sqlitex.Execute(conn, `INSERT INTO fs_inode
		(mode, uid, gid, size, nlink, atime, atime_nsec, mtime, mtime_nsec, ctime, ctime_nsec, rdev)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			int64(stat.Mode), int64(stat.Uid), int64(stat.Gid), int64(stat.Size), int64(stat.Nlink),
			int64(stat.Atimesec), int64(stat.Atimensec),
			int64(stat.Mtimesec), int64(stat.Mtimensec),
			int64(stat.Ctimesec), int64(stat.Ctimensec),
			int64(stat.Rdev),
		},
	})
	if err != nil {
		return err
	}
	stat.Ino = uint64(conn.LastInsertRowID())
	return nil
}

// removeInode deletes the inode row together with its chunks and symlink
// target. Dentries must already be gone.
func (s *Store) removeInode(conn *sqlite.Conn, ino uint64) error {
	for _, q := range []string{
		"DELETE FROM fs_data WHERE ino = ?",
		"DELETE FROM fs_symlink WHERE ino = ?",
		"DELETE FROM fs_origin WHERE delta_ino = ?",
		"DELETE FROM fs_inode WHERE ino = ?",
	} {
		err := sqlitex.Execute(conn, q, &sqlitex.ExecOptions{Args: []any{int64(ino)}})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) markOrphaned(conn *sqlite.Conn, ino uint64, at time.Time) error {
	return sqlitex.Execute(conn, "UPDATE fs_inode SET orphaned_at = ? WHERE ino = ?", &sqlitex.ExecOptions{
		Args: []any{at.Unix(), int64(ino)},
	})
}

func (s *Store) lookupDentry(conn *sqlite.Conn, parent uint64, name string) (uint64, error) {
	var ino uint64
	err := sqlitex.Execute(conn, "SELECT ino FROM fs_dentry WHERE parent = ? AND name = ?", &sqlitex.ExecOptions{
		Args: []any{int64(parent), name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ino = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	if ino == 0 {
		return 0, fmtErr(ErrNotExist, "%q", name)
	}
	return ino, nil
}

func (s *Store) addDentry(conn *sqlite.Conn, parent uint64, name string, ino uint64) error {
	err := sqlitex.Execute(conn, "INSERT INTO fs_dentry (parent, name, ino) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{int64(parent), name, int64(ino)},
	})
	if err != nil && sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
		return fmtErr(ErrExist, "%q", name)
	}
	return err
}

func (s *Store) removeDentry(conn *sqlite.Conn, parent uint64, name string) error {
	err := sqlitex.Execute(conn, "DELETE FROM fs_dentry WHERE parent = ? AND name = ?", &sqlitex.ExecOptions{
		Args: []any{int64(parent), name},
	})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return fmtErr(ErrNotExist, "%q", name)
	}
	return nil
}

func (s *Store) countChildren(conn *sqlite.Conn, ino uint64) (uint64, error) {
	var n uint64
	err := sqlitex.Execute(conn, "SELECT COUNT(*) FROM fs_dentry WHERE parent = ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	return n, err
}

func (s *Store) getSymlink(conn *sqlite.Conn, ino uint64) (string, error) {
	var target string
	found := false
	err := sqlitex.Execute(conn, "SELECT target FROM fs_symlink WHERE ino = ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			target = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmtErr(ErrInvalid, "inode %d is not a symlink", ino)
	}
	return target, nil
}

func (s *Store) setSymlink(conn *sqlite.Conn, ino uint64, target string) error {
	return sqlitex.Execute(conn, "INSERT OR REPLACE INTO fs_symlink (ino, target) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{int64(ino), target},
	})
}

// getChunk returns the stored bytes of one chunk, nil if absent (sparse).
// Stored chunks are zero-trimmed, callers zero-expand as needed.
func (s *Store) getChunk(conn *sqlite.Conn, ino, idx uint64) ([]byte, error) {
	var data []byte
	err := sqlitex.Execute(conn, "SELECT data FROM fs_data WHERE ino = ? AND idx = ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino), int64(idx)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, data)
			return nil
		},
	})
	return data, err
}

func (s *Store) putChunk(conn *sqlite.Conn, ino, idx uint64, data []byte) error {
	if len(data) == 0 {
		return sqlitex.Execute(conn, "DELETE FROM fs_data WHERE ino = ? AND idx = ?", &sqlitex.ExecOptions{
			Args: []any{int64(ino), int64(idx)},
		})
	}
	return sqlitex.Execute(conn, "INSERT OR REPLACE INTO fs_data (ino, idx, data) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{int64(ino), int64(idx), data},
	})
}

// dropChunksFrom removes every chunk at or beyond idx.
func (s *Store) dropChunksFrom(conn *sqlite.Conn, ino, idx uint64) error {
	return sqlitex.Execute(conn, "DELETE FROM fs_data WHERE ino = ? AND idx >= ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino), int64(idx)},
	})
}

func (s *Store) addWhiteout(conn *sqlite.Conn, path string) error {
	return sqlitex.Execute(conn, "INSERT OR IGNORE INTO fs_whiteout (path) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{path},
	})
}

func (s *Store) removeWhiteout(conn *sqlite.Conn, path string) error {
	return sqlitex.Execute(conn, "DELETE FROM fs_whiteout WHERE path = ?", &sqlitex.ExecOptions{
		Args: []any{path},
	})
}

func (s *Store) hasWhiteout(conn *sqlite.Conn, path string) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, "SELECT 1 FROM fs_whiteout WHERE path = ?", &sqlitex.ExecOptions{
		Args: []any{path},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func (s *Store) listWhiteouts(conn *sqlite.Conn) ([]string, error) {
	var paths []string
	err := sqlitex.Execute(conn, "SELECT path FROM fs_whiteout ORDER BY path", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			paths = append(paths, stmt.ColumnText(0))
			return nil
		},
	})
	return paths, err
}

// Origin records link a copied-up delta inode back to its base
// counterpart. One record per copy-up, created in the copy-up transaction.
type Origin struct {
	DeltaIno uint64
	BaseIno  uint64
	BasePath string
}

func (s *Store) addOrigin(conn *sqlite.Conn, o Origin) error {
	return sqlitex.Execute(conn, "INSERT OR REPLACE INTO fs_origin (delta_ino, base_ino, base_path) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{int64(o.DeltaIno), int64(o.BaseIno), o.BasePath},
	})
}

func (s *Store) originByPath(conn *sqlite.Conn, basePath string) (Origin, bool, error) {
	var o Origin
	found := false
	err := sqlitex.Execute(conn, "SELECT delta_ino, base_ino, base_path FROM fs_origin WHERE base_path = ?", &sqlitex.ExecOptions{
		Args: []any{basePath},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			o = Origin{
				DeltaIno: uint64(stmt.ColumnInt64(0)),
				BaseIno:  uint64(stmt.ColumnInt64(1)),
				BasePath: stmt.ColumnText(2),
			}
			found = true
			return nil
		},
	})
	return o, found, err
}

func (s *Store) listOrigins(conn *sqlite.Conn) ([]Origin, error) {
	var origins []Origin
	err := sqlitex.Execute(conn, "SELECT delta_ino, base_ino, base_path FROM fs_origin ORDER BY base_path", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			origins = append(origins, Origin{
				DeltaIno: uint64(stmt.ColumnInt64(0)),
				BaseIno:  uint64(stmt.ColumnInt64(1)),
				BasePath: stmt.ColumnText(2),
			})
			return nil
		},
	})
	return origins, err
}

func (s *Store) statFs(conn *sqlite.Conn) (StatFs, error) {
	out := StatFs{ChunkSize: s.chunkSize}
	err := sqlitex.Execute(conn, "SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM fs_data", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out.TotalChunks = uint64(stmt.ColumnInt64(0))
			out.UsedBytes = uint64(stmt.ColumnInt64(1))
			return nil
		},
	})
	if err != nil {
		return StatFs{}, err
	}
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM fs_inode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out.TotalInodes = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return StatFs{}, err
	}
	return out, nil
}

// expiredOrphans lists unlinked inodes whose orphan timestamp is older
// than the removal delay.
func (s *Store) expiredOrphans(conn *sqlite.Conn, olderThan time.Time) ([]uint64, error) {
	var inos []uint64
	err := sqlitex.Execute(conn, "SELECT ino FROM fs_inode WHERE nlink = 0 AND orphaned_at IS NOT NULL AND orphaned_at <= ?", &sqlitex.ExecOptions{
		Args: []any{olderThan.Unix()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			inos = append(inos, uint64(stmt.ColumnInt64(0)))
			return nil
		},
	})
	return inos, err
}
