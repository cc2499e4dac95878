package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/varchive/varchive/internal/domain"
	"github.com/varchive/varchive/internal/infrastructure/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

type ConnState string

const (
	ConnAvailable ConnState = "available"
	ConnInUse     ConnState = "in_use"
	ConnClosed    ConnState = "closed"
	ConnError     ConnState = "error"
)

// ConnStats tracks usage of one pooled connection.
type ConnStats struct {
	CreatedAt        time.Time
	LastUsed         time.Time
	TransactionCount int64
	ErrorCount       int64
}

// PooledConn wraps one database connection with its usage stats.
type PooledConn struct {
	id       string
	conn     *sql.Conn
	state    ConnState
	stats    ConnStats
	inTx     bool
	overflow bool
}

func (c *PooledConn) ID() string       { return c.id }
func (c *PooledConn) Stats() ConnStats { return c.stats }

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	Size      int `json:"size"`
	Available int `json:"available"`
	InUse     int `json:"in_use"`
	Overflow  int `json:"overflow"`
}

var ErrPoolClosed = errors.New("connection pool is closed")

// Pool is a fixed-size pool of database connections. When every pooled
// connection stays busy past the acquire timeout, an overflow connection is
// opened rather than blocking the caller indefinitely.
type Pool struct {
	db             *sql.DB
	size           int
	acquireTimeout time.Duration

	idle chan *PooledConn

	mu       sync.Mutex
	conns    map[string]*PooledConn
	overflow int
	closed   bool

	log zerolog.Logger
}

func NewPool(ctx context.Context, db *sql.DB, size int, acquireTimeout time.Duration) (*Pool, error) {
	if size < 1 {
		return nil, &domain.ConfigError{Field: "pool_size", Reason: "must be >= 1"}
	}

	p := &Pool{
		db:             db,
		size:           size,
		acquireTimeout: acquireTimeout,
		idle:           make(chan *PooledConn, size),
		conns:          make(map[string]*PooledConn),
		log:            logger.With("sqlite_pool"),
	}

	for i := 0; i < size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("open pooled connection %d: %w", i, err)
		}
		pc := &PooledConn{
			id:    uuid.NewString(),
			conn:  conn,
			state: ConnAvailable,
			stats: ConnStats{CreatedAt: time.Now().UTC()},
		}
		p.conns[pc.id] = pc
		p.idle <- pc
	}
	return p, nil
}

// Acquire hands out an exclusive connection. After the acquire timeout it
// opens an overflow connection, logging a warning, so pool exhaustion slows
// callers down instead of deadlocking them.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case pc := <-p.idle:
		p.mu.Lock()
		pc.state = ConnInUse
		pc.stats.LastUsed = time.Now().UTC()
		p.mu.Unlock()
		return pc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	p.log.Warn().Dur("waited", p.acquireTimeout).Msg("pool exhausted, opening overflow connection")
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open overflow connection: %w", err)
	}
	pc := &PooledConn{
		id:       uuid.NewString(),
		conn:     conn,
		state:    ConnInUse,
		stats:    ConnStats{CreatedAt: time.Now().UTC(), LastUsed: time.Now().UTC()},
		overflow: true,
	}
	p.mu.Lock()
	p.overflow++
	p.mu.Unlock()
	return pc, nil
}

// Release returns a connection to the pool. Overflow connections are closed
// outright. A non-nil opErr marks the connection broken; it is closed and
// replaced with a fresh one so the pool keeps its fixed size. After Close,
// released connections are closed here rather than re-idled. The idle send
// happens under the pool lock (it never blocks: idle is sized to the pool)
// so it cannot race a concurrent Close draining the channel.
func (p *Pool) Release(pc *PooledConn, opErr error) {
	if pc.overflow {
		p.mu.Lock()
		p.overflow--
		pc.state = ConnClosed
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}

	if opErr != nil {
		p.mu.Lock()
		pc.stats.ErrorCount++
		pc.state = ConnError
		delete(p.conns, pc.id)
		p.mu.Unlock()
		_ = pc.conn.Close()

		conn, err := p.db.Conn(context.Background())
		if err != nil {
			p.log.Error().Err(err).Msg("failed to replace broken pooled connection")
			return
		}
		fresh := &PooledConn{
			id:    uuid.NewString(),
			conn:  conn,
			state: ConnAvailable,
			stats: ConnStats{CreatedAt: time.Now().UTC()},
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.conns[fresh.id] = fresh
		p.idle <- fresh
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if p.closed {
		pc.state = ConnClosed
		delete(p.conns, pc.id)
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}
	pc.state = ConnAvailable
	pc.stats.LastUsed = time.Now().UTC()
	p.idle <- pc
	p.mu.Unlock()
}

// Begin opens a transaction on an acquired connection. The returned handle
// must be threaded through subsequent calls explicitly. A second Begin on
// the same connection fails fast; savepoints are not a supported escape
// hatch for nesting.
func (p *Pool) Begin(ctx context.Context, pc *PooledConn) (*Tx, error) {
	p.mu.Lock()
	if pc.inTx {
		p.mu.Unlock()
		return nil, domain.ErrNestedTransaction
	}
	pc.inTx = true
	pc.stats.TransactionCount++
	p.mu.Unlock()

	tx, err := pc.conn.BeginTx(ctx, nil)
	if err != nil {
		p.mu.Lock()
		pc.inTx = false
		p.mu.Unlock()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, pc: pc, pool: p}, nil
}

// WithTx runs fn inside a transaction on an exclusively held connection,
// committing on nil and rolling back otherwise.
func (p *Pool) WithTx(ctx context.Context, fn func(*Tx) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	tx, err := p.Begin(ctx, pc)
	if err != nil {
		p.Release(pc, err)
		return err
	}

	if err := fn(tx); err != nil {
		rbErr := tx.Rollback()
		p.Release(pc, nil)
		return multierr.Append(err, rbErr)
	}

	if err := tx.Commit(); err != nil {
		p.Release(pc, err)
		return fmt.Errorf("commit: %w", err)
	}
	p.Release(pc, nil)
	return nil
}

// WithConn runs fn on an exclusively held connection without a transaction.
func (p *Pool) WithConn(ctx context.Context, fn func(*sql.Conn) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(pc.conn)
	p.Release(pc, nil)
	return err
}

// Stats reports pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{Size: p.size, Overflow: p.overflow}
	for _, pc := range p.conns {
		switch pc.state {
		case ConnAvailable:
			st.Available++
		case ConnInUse:
			st.InUse++
		}
	}
	return st
}

// Close rejects further acquires and closes every idle connection.
// Connections still in use finish their current work; Release closes them
// when they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var drained []*PooledConn
	for {
		select {
		case pc := <-p.idle:
			pc.state = ConnClosed
			delete(p.conns, pc.id)
			drained = append(drained, pc)
			continue
		default:
		}
		break
	}
	p.mu.Unlock()

	var errs error
	for _, pc := range drained {
		errs = multierr.Append(errs, pc.conn.Close())
	}
	return errs
}

// Tx is an explicit transaction handle bound to one pooled connection for
// its whole lifetime.
type Tx struct {
	tx   *sql.Tx
	pc   *PooledConn
	pool *Pool
	done bool
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	err := t.tx.Commit()
	t.release()
	return err
}

func (t *Tx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	err := t.tx.Rollback()
	t.release()
	return err
}

func (t *Tx) release() {
	t.pool.mu.Lock()
	t.pc.inTx = false
	t.pool.mu.Unlock()
}
