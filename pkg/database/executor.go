package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/pkg/logging"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

// QueryFunc runs a query with named parameters and returns its rows.
// The migration runner and the database log sink receive one.
type QueryFunc func(ctx context.Context, query string, params sqlparams.Params) ([]Row, error)

// Result summarizes a statement that returns no rows.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Executor runs queries with @name parameters against one pool.
//
// The plain methods (Execute, Exec, Call) borrow a connection for the
// duration of the call and release it exactly once, errors included.
// The On variants run on a connection the caller owns (a Lease, Session or Tx)
// and never borrow or release.
type Executor struct {
	pool   *Pool
	logger *zap.Logger
	debug  bool
}

// NewExecutor creates an executor bound to pool.
func NewExecutor(pool *Pool, logger *zap.Logger) *Executor {
	return &Executor{
		pool: pool,
		logger: logger.With(
			zap.String("component", "executor"),
			zap.String("id", string(pool.Identifier())),
		),
		debug: pool.Details().Debug,
	}
}

// Pool returns the pool the executor borrows from.
func (e *Executor) Pool() *Pool { return e.pool }

// QueryFunc returns Execute as a QueryFunc.
func (e *Executor) QueryFunc() QueryFunc { return e.Execute }

// Execute runs query on a borrowed connection and returns all rows.
//
// Named @tokens are rewritten only when params is non-empty. With nil or
// empty params the query goes to the server verbatim, so @name reads the
// MySQL user variable of that name (NULL when unset) instead of failing
// with apperrors.ErrMissingParameter.
func (e *Executor) Execute(ctx context.Context, query string, params sqlparams.Params) ([]Row, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		e.logFailure("execute", query, params, err)
		return nil, err
	}
	defer e.release(lease)

	return e.ExecuteOn(ctx, lease, query, params)
}

// ExecuteOn runs query on q and returns all rows.
func (e *Executor) ExecuteOn(ctx context.Context, q Querier, query string, params sqlparams.Params) ([]Row, error) {
	rewritten, args, err := sqlparams.Rewrite(query, params)
	if err != nil {
		e.logFailure("execute", query, params, err)
		return nil, err
	}
	e.trace(rewritten, params)

	rows, err := q.QueryContext(ctx, rewritten, args...)
	if err != nil {
		e.logFailure("execute", query, params, err)
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		e.logFailure("execute", query, params, err)
		return nil, err
	}
	return result, nil
}

// Exec runs a statement that returns no rows on a borrowed connection.
// Params are handled as in Execute.
func (e *Executor) Exec(ctx context.Context, query string, params sqlparams.Params) (Result, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		e.logFailure("exec", query, params, err)
		return Result{}, err
	}
	defer e.release(lease)

	return e.ExecOn(ctx, lease, query, params)
}

// ExecOn runs a statement that returns no rows on q.
func (e *Executor) ExecOn(ctx context.Context, q Querier, query string, params sqlparams.Params) (Result, error) {
	rewritten, args, err := sqlparams.Rewrite(query, params)
	if err != nil {
		e.logFailure("exec", query, params, err)
		return Result{}, err
	}
	e.trace(rewritten, params)

	res, err := q.ExecContext(ctx, rewritten, args...)
	if err != nil {
		e.logFailure("exec", query, params, err)
		return Result{}, fmt.Errorf("exec failed: %w", err)
	}

	var out Result
	// MySQL always reports both; other drivers may not.
	out.RowsAffected, _ = res.RowsAffected()
	out.LastInsertID, _ = res.LastInsertId()
	return out, nil
}

func (e *Executor) release(lease *Lease) {
	if err := lease.Release(); err != nil {
		e.logger.Warn("Failed to release connection", zap.String("error", logging.SanitizeError(err)))
	}
}

func (e *Executor) trace(query string, params sqlparams.Params) {
	if !e.debug {
		return
	}
	e.logger.Debug("Executing query",
		zap.String("query", logging.SanitizeQuery(query)),
		zap.Any("params", logging.MaskParams(params.Raw())),
	)
}

// logFailure records the failing query with sensitive parameters masked.
func (e *Executor) logFailure(operation, query string, params sqlparams.Params, err error) {
	e.logger.Error("Query failed",
		zap.String("operation", operation),
		zap.String("query", logging.SanitizeQuery(query)),
		zap.Any("params", logging.MaskParams(params.Raw())),
		zap.String("error", logging.SanitizeError(err)),
	)
}
