package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/varchive/varchive/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int, acquireTimeout time.Duration) *Pool {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(size * 2)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	p, err := NewPool(context.Background(), db, size, acquireTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPool_AcquireRelease_Stats(t *testing.T) {
	p := newTestPool(t, 2, time.Second)

	st := p.Stats()
	assert.Equal(t, PoolStats{Size: 2, Available: 2}, st)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	st = p.Stats()
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, 1, st.InUse)

	p.Release(pc, nil)
	st = p.Stats()
	assert.Equal(t, 2, st.Available)
	assert.Equal(t, 0, st.InUse)
}

func TestPool_ExhaustionOpensOverflow(t *testing.T) {
	p := newTestPool(t, 1, 50*time.Millisecond)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	over, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, over.overflow)
	assert.Equal(t, 1, p.Stats().Overflow)

	p.Release(over, nil)
	assert.Equal(t, 0, p.Stats().Overflow)

	p.Release(held, nil)
	assert.Equal(t, 1, p.Stats().Available)
}

func TestPool_Begin_RejectsNesting(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(pc, nil)

	tx, err := p.Begin(ctx, pc)
	require.NoError(t, err)

	_, err = p.Begin(ctx, pc)
	assert.ErrorIs(t, err, domain.ErrNestedTransaction)

	require.NoError(t, tx.Rollback())

	// Finishing the first transaction frees the connection for another.
	tx2, err := p.Begin(ctx, pc)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestPool_WithTx_CommitsOnNil(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	err := p.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	require.NoError(t, err)

	var v string
	require.NoError(t, p.WithConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = 'a'`).Scan(&v)
	}))
	assert.Equal(t, "1", v)
}

func TestPool_WithTx_RollsBackOnError(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	boom := errors.New("boom")
	err := p.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = p.WithConn(ctx, func(conn *sql.Conn) error {
		var v string
		return conn.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = 'a'`).Scan(&v)
	})
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestPool_Tx_DoubleFinish(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(pc, nil)

	tx, err := p.Begin(ctx, pc)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, tx.Commit(), sql.ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(), sql.ErrTxDone)
}

func TestPool_ErrorReleaseReplacesConnection(t *testing.T) {
	p := newTestPool(t, 1, time.Second)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	originalID := pc.ID()

	p.Release(pc, errors.New("connection went sideways"))

	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(replacement, nil)
	assert.NotEqual(t, originalID, replacement.ID())
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestPool_Close_InUseConnStaysUsableUntilReleased(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Close())

	// The held connection is untouched by Close and can finish its work.
	var one int
	require.NoError(t, pc.conn.QueryRowContext(ctx, `SELECT 1`).Scan(&one))
	assert.Equal(t, 1, one)

	// Release after Close closes the connection instead of re-idling it.
	p.Release(pc, nil)
	assert.Equal(t, ConnClosed, pc.state)
	err = pc.conn.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPool_Acquire_AfterClose(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewPool_RejectsInvalidSize(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = NewPool(context.Background(), db, 0, time.Second)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
