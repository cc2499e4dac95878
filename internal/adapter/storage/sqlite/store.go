package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/varchive/varchive/internal/infrastructure/logger"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store owns the archive database: one local file, WAL journaling, a
// fixed-size connection pool and goose-managed schema migrations. A failed
// migration aborts construction; the queue cannot run on a partial schema.
type Store struct {
	db   *sql.DB
	pool *Pool
	log  zerolog.Logger
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			// synchronous=NORMAL is safe under WAL; at worst the last few
			// commits are lost on power failure.
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
				"PRAGMA cache_size = -8000", // 8MB
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

func NewStore(dataDir string, poolSize int, acquireTimeout time.Duration) (*Store, error) {
	registerHook()

	dbPath := filepath.Join(dataDir, "archived_videos.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Headroom above the fixed pool for overflow connections.
	db.SetMaxOpenConns(poolSize * 2)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := NewPool(context.Background(), db, poolSize, acquireTimeout)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	return &Store{
		db:   db,
		pool: pool,
		log:  logger.With("sqlite_store"),
	}, nil
}

func (s *Store) Pool() *Pool {
	return s.pool
}

func (s *Store) PoolStats() PoolStats {
	return s.pool.Stats()
}

func (s *Store) Close() error {
	return multierr.Append(s.pool.Close(), s.db.Close())
}
