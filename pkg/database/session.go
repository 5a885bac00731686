package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

// Session is a dedicated connection held outside any shared pool, for work
// that depends on session state (user variables, SET SESSION, temp tables).
// The connection stays checked out until Close.
type Session struct {
	pool  *Pool
	lease *Lease
}

func newSession(ctx context.Context, pool *Pool) (*Session, error) {
	lease, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := lease.Ping(ctx); err != nil {
		_ = lease.Release()
		return nil, err
	}
	return &Session{pool: pool, lease: lease}, nil
}

func (s *Session) Identifier() Identifier      { return s.pool.Identifier() }
func (s *Session) Details() ConnectionDetails { return s.pool.Details() }

// Set assigns a session variable: SET SESSION name = value.
func (s *Session) Set(ctx context.Context, name string, value any) error {
	if err := sqlparams.ValidateIdentifier(name); err != nil {
		return err
	}
	if _, err := s.lease.ExecContext(ctx, fmt.Sprintf("SET SESSION %s = ?", name), value); err != nil {
		return fmt.Errorf("set session %s: %w", name, err)
	}
	return nil
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.lease.QueryContext(ctx, query, args...)
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.lease.ExecContext(ctx, query, args...)
}

// Ping checks the dedicated connection is still open.
func (s *Session) Ping(ctx context.Context) error { return s.lease.Ping(ctx) }

// Close releases the connection and closes the one-connection pool behind it.
// It is safe to call more than once.
func (s *Session) Close() error {
	releaseErr := s.lease.Release()
	if errors.Is(releaseErr, apperrors.ErrLeaseReleased) {
		return nil
	}
	return errors.Join(releaseErr, s.pool.Close())
}
