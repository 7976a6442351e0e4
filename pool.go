package agentfs

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// PoolConfig holds the parameters for opening a store connection pool.
type PoolConfig struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist. Use ":memory:" with PoolSize 1 for tests.
	Path string

	// PoolSize is the number of connections in the pool. SQLite
	// serializes writers regardless of pool size, extra connections only
	// help concurrent readers. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas,
	// used for schema creation and version checks.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of store connections. A caller borrows a
// connection for the duration of one transaction and must return it via
// Put whether the transaction succeeded or failed. Take blocks when all
// connections are borrowed, there is no overflow queue.
//
// Prepared statements are cached per connection, keyed by statement text.
// The cache survives every data mutation and is discarded only when the
// connection itself is discarded (pool close, schema migration reopen).
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func OpenPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return preparePoolConn(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pool: opening %s: %w", cfg.Path, err)
	}

	logger.Debug("store pool opened", "path", cfg.Path, "pool_size", poolSize)

	return &Pool{
		inner:  inner,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Take borrows a connection, blocking until one is available or ctx is
// cancelled. The caller must Put it back, typically via defer.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmtErr(ErrUnavailable, "pool: take")
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes every connection. Blocks until all borrowed connections
// have been returned.
func (p *Pool) Close() error {
	err := p.inner.Close()
	if err != nil {
		return fmt.Errorf("pool: closing %s: %w", p.path, err)
	}
	p.logger.Debug("store pool closed", "path", p.path)
	return nil
}

func preparePoolConn(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	// WAL keeps readers unblocked while the single writer commits.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("pool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("pool: on connect: %w", err)
		}
	}

	return nil
}
