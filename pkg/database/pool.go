package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
)

// Querier runs statements. *sql.DB, *sql.Conn, *sql.Tx, *Lease and *Tx satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Pool wraps a *sql.DB registered under an identifier.
type Pool struct {
	id             Identifier
	db             *sql.DB
	details        ConnectionDetails
	acquireTimeout time.Duration
}

// NewPool adopts an existing *sql.DB. The registry uses it for pools it opens;
// callers use it to install a pre-built pool (see WithPrimary and SetPool).
func NewPool(db *sql.DB, id Identifier, details ConnectionDetails) *Pool {
	return &Pool{
		id:             id,
		db:             db,
		details:        details,
		acquireTimeout: details.AcquireTimeout,
	}
}

func (p *Pool) Identifier() Identifier      { return p.id }
func (p *Pool) Details() ConnectionDetails { return p.details }

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB { return p.db }

// Stats returns the driver pool statistics.
func (p *Pool) Stats() sql.DBStats { return p.db.Stats() }

// Ping verifies a connection can be established.
func (p *Pool) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close closes every connection in the pool.
func (p *Pool) Close() error { return p.db.Close() }

// Acquire borrows one connection. When every slot is busy it waits for a
// release, bounded by the acquire timeout and ctx.
// The returned lease MUST be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection from %q: %w", p.id, err)
	}
	return &Lease{conn: conn}, nil
}

// Lease is one connection borrowed from a Pool.
type Lease struct {
	conn     *sql.Conn
	released atomic.Bool
}

// Conn returns the underlying connection.
func (l *Lease) Conn() *sql.Conn { return l.conn }

// Released reports whether Release has been called.
func (l *Lease) Released() bool { return l.released.Load() }

// Release returns the connection to its pool. A second call returns
// apperrors.ErrLeaseReleased and has no other effect.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return apperrors.ErrLeaseReleased
	}
	return l.conn.Close()
}

func (l *Lease) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if l.Released() {
		return nil, apperrors.ErrLeaseReleased
	}
	return l.conn.QueryContext(ctx, query, args...)
}

func (l *Lease) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if l.Released() {
		return nil, apperrors.ErrLeaseReleased
	}
	return l.conn.ExecContext(ctx, query, args...)
}

// Ping checks that the leased connection is still open.
func (l *Lease) Ping(ctx context.Context) error {
	if l.Released() {
		return apperrors.ErrLeaseReleased
	}
	return l.conn.PingContext(ctx)
}

func (l *Lease) beginTx(ctx context.Context) (*sql.Tx, error) {
	if l.Released() {
		return nil, apperrors.ErrLeaseReleased
	}
	return l.conn.BeginTx(ctx, nil)
}
