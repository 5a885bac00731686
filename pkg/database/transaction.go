package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/logging"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txCommitted:
		return "committed"
	default:
		return "rolled back"
	}
}

// Tx is a transaction on a borrowed connection. Commit and Rollback are
// terminal: each releases the connection, and any later call on the Tx
// returns apperrors.ErrTxDone.
//
// Canceling the ctx passed to Begin rolls the transaction back.
type Tx struct {
	lease  *Lease
	tx     *sql.Tx
	logger *zap.Logger

	mu    sync.Mutex
	state txState
}

// Begin borrows a connection and starts a transaction on it.
func (e *Executor) Begin(ctx context.Context) (*Tx, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		e.logger.Error("Failed to acquire connection for transaction",
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	sqlTx, err := lease.beginTx(ctx)
	if err != nil {
		e.release(lease)
		e.logger.Error("Failed to begin transaction",
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	return &Tx{lease: lease, tx: sqlTx, logger: e.logger}, nil
}

// Commit commits and releases the connection.
func (t *Tx) Commit() error {
	return t.finish(txCommitted, t.tx.Commit)
}

// Rollback rolls back and releases the connection.
func (t *Tx) Rollback() error {
	return t.finish(txRolledBack, t.tx.Rollback)
}

// Done reports whether the transaction has been committed or rolled back.
func (t *Tx) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != txActive
}

func (t *Tx) finish(to txState, end func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != txActive {
		return fmt.Errorf("transaction already %s: %w", t.state, apperrors.ErrTxDone)
	}
	t.state = to

	endErr := end()
	releaseErr := t.lease.Release()
	if endErr != nil {
		t.logger.Error("Failed to end transaction",
			zap.Stringer("state", to),
			zap.String("error", logging.SanitizeError(endErr)))
		return fmt.Errorf("%s: %w", to, errors.Join(endErr, releaseErr))
	}
	return releaseErr
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.Done() {
		return nil, apperrors.ErrTxDone
	}
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.Done() {
		return nil, apperrors.ErrTxDone
	}
	return t.tx.ExecContext(ctx, query, args...)
}

// WithTransaction runs fn inside a transaction. It commits when fn returns
// nil and rolls back when fn returns an error or panics. The ctx passed to fn
// carries the Tx (see TxFromContext).
func (e *Executor) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(WithTx(ctx, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Error("Failed to roll back transaction",
				zap.String("error", logging.SanitizeError(rbErr)))
		}
		return err
	}
	return tx.Commit()
}
