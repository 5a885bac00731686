// Package entity persists structs that embed Base in MySQL tables, with
// soft delete and transactional mutations.
//
// Example:
//
//	type User struct {
//	    entity.Base
//	    Email string         `db:"email"`
//	    Prefs map[string]any `db:"prefs"` // JSON column
//	}
//
//	users, err := entity.NewStore[User](exec, logger)
//	err = users.Create(ctx, &User{Email: "ann@example.com"})
package entity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/audit"
	"github.com/ekaya-inc/ekaya-dal/pkg/database"
	"github.com/ekaya-inc/ekaya-dal/pkg/query"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// Status is the soft-delete state of a row.
type Status string

const (
	StatusActive  Status = query.StatusActive
	StatusDeleted Status = query.StatusDeleted
)

// Base holds the columns every entity table has.
type Base struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Status    Status    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (b *Base) base() *Base { return b }

// Entity is implemented by every struct that embeds Base.
type Entity interface {
	base() *Base
}

// Option configures a Store.
type Option func(*options)

type options struct {
	auditor *audit.SecurityAuditor
}

// WithAuditor reports every write and every rejected list query to auditor.
func WithAuditor(auditor *audit.SecurityAuditor) Option {
	return func(o *options) { o.auditor = auditor }
}

// Store reads and writes one entity type. Mutations join the transaction in
// ctx (database.WithTx) when there is one, and otherwise run in their own:
// borrow, begin, mutate, then commit or roll back.
type Store[T any, PT interface {
	*T
	Entity
}] struct {
	exec    *database.Executor
	schema  *schema
	logger  *zap.Logger
	auditor *audit.SecurityAuditor
	now     func() time.Time
}

// NewStore derives the table and columns of T. Call it with the struct type
// only: NewStore[User](exec, logger).
func NewStore[T any, PT interface {
	*T
	Entity
}](exec *database.Executor, logger *zap.Logger, opts ...Option) (*Store[T, PT], error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity type %s is not a struct", t)
	}

	s, err := buildSchema(t, tableName(t, PT(&zero)))
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return &Store[T, PT]{
		exec:    exec,
		schema:  s,
		logger:  logger.With(zap.String("component", "entity"), zap.String("table", s.table)),
		auditor: o.auditor,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// Table returns the table name.
func (s *Store[T, PT]) Table() string { return s.schema.table }

// Columns returns the column names in field order.
func (s *Store[T, PT]) Columns() []string { return s.schema.names() }

// Create inserts e, assigning an ID when it has none, status active and both timestamps.
func (s *Store[T, PT]) Create(ctx context.Context, e PT) error {
	b := e.base()
	now := s.now()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StatusActive
	}
	b.CreatedAt, b.UpdatedAt = now, now

	params, err := s.schema.params(reflect.ValueOf(e).Elem())
	if err != nil {
		return err
	}

	cols := s.schema.names()
	quoted := make([]string, len(cols))
	tokens := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = "`" + col + "`"
		tokens[i] = "@" + col
	}
	stmt := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)",
		s.schema.table, strings.Join(quoted, ", "), strings.Join(tokens, ", "))

	err = s.mutate(ctx, func(ctx context.Context, q database.Querier) error {
		_, err := s.exec.ExecOn(ctx, q, stmt, params)
		return err
	})
	if err != nil {
		err = s.translate(b.ID, err)
	}
	s.auditWrite(ctx, "create", b.ID, err)
	return err
}

// Get returns the entity with id. Missing and soft-deleted rows are apperrors.ErrNotFound.
func (s *Store[T, PT]) Get(ctx context.Context, id uuid.UUID) (PT, error) {
	stmt := fmt.Sprintf("SELECT %s FROM `%s` WHERE `id` = @id AND `%s` <> '%s' LIMIT 1",
		s.selectList(), s.schema.table, query.StatusColumn, query.StatusDeleted)

	rows, err := s.read(ctx, stmt, sqlparams.Params{"id": sqlparams.Scalar{V: id}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", s.schema.table, id, apperrors.ErrNotFound)
	}
	return s.decode(rows[0])
}

// Update writes every column of e except id and created_at, and bumps updated_at.
func (s *Store[T, PT]) Update(ctx context.Context, e PT) error {
	b := e.base()
	b.UpdatedAt = s.now()

	params, err := s.schema.params(reflect.ValueOf(e).Elem())
	if err != nil {
		return err
	}

	cols := s.schema.names("id", "created_at")
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("`%s` = @%s", col, col)
	}
	stmt := fmt.Sprintf("UPDATE `%s` SET %s WHERE `id` = @id AND `%s` <> '%s'",
		s.schema.table, strings.Join(sets, ", "), query.StatusColumn, query.StatusDeleted)

	err = s.affectOne(ctx, b.ID, stmt, params)
	s.auditWrite(ctx, "update", b.ID, err)
	return err
}

// Delete soft-deletes the entity with id.
func (s *Store[T, PT]) Delete(ctx context.Context, id uuid.UUID) error {
	stmt := fmt.Sprintf("UPDATE `%s` SET `%s` = @status, `updated_at` = @updated_at WHERE `id` = @id AND `%s` <> '%s'",
		s.schema.table, query.StatusColumn, query.StatusColumn, query.StatusDeleted)

	err := s.affectOne(ctx, id, stmt, sqlparams.Params{
		"status":     sqlparams.Scalar{V: string(StatusDeleted)},
		"updated_at": sqlparams.Scalar{V: s.now()},
		"id":         sqlparams.Scalar{V: id},
	})
	s.auditWrite(ctx, "delete", id, err)
	return err
}

// List returns one page of entities and the total number of matches.
func (s *Store[T, PT]) List(ctx context.Context, opts query.ListOptions) ([]PT, int64, error) {
	opts.Columns = s.schema.names()

	stmt, params, err := query.Build(s.schema.table, opts)
	if err != nil {
		s.auditRejected(ctx, err)
		return nil, 0, err
	}
	countStmt, countParams, err := query.Count(s.schema.table, opts)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.read(ctx, stmt, params)
	if err != nil {
		return nil, 0, err
	}
	counted, err := s.read(ctx, countStmt, countParams)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if len(counted) > 0 {
		total, _ = counted[0].Int64("total")
	}

	out := make([]PT, 0, len(rows))
	for _, row := range rows {
		e, err := s.decode(row)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, nil
}

func (s *Store[T, PT]) affectOne(ctx context.Context, id uuid.UUID, stmt string, params sqlparams.Params) error {
	return s.mutate(ctx, func(ctx context.Context, q database.Querier) error {
		res, err := s.exec.ExecOn(ctx, q, stmt, params)
		if err != nil {
			return s.translate(id, err)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%s %s: %w", s.schema.table, id, apperrors.ErrNotFound)
		}
		return nil
	})
}

func (s *Store[T, PT]) mutate(ctx context.Context, fn func(ctx context.Context, q database.Querier) error) error {
	if tx, ok := database.TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return s.exec.WithTransaction(ctx, func(ctx context.Context, tx *database.Tx) error {
		return fn(ctx, tx)
	})
}

func (s *Store[T, PT]) read(ctx context.Context, stmt string, params sqlparams.Params) ([]database.Row, error) {
	if tx, ok := database.TxFromContext(ctx); ok {
		return s.exec.ExecuteOn(ctx, tx, stmt, params)
	}
	return s.exec.Execute(ctx, stmt, params)
}

func (s *Store[T, PT]) decode(row database.Row) (PT, error) {
	e := PT(new(T))
	if err := s.schema.decode(row, reflect.ValueOf(e).Elem()); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", s.schema.table, err)
	}
	return e, nil
}

func (s *Store[T, PT]) selectList() string {
	cols := s.schema.names()
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = "`" + col + "`"
	}
	return strings.Join(quoted, ", ")
}

// translate maps duplicate keys to apperrors.ErrConflict.
func (s *Store[T, PT]) translate(id uuid.UUID, err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		s.logger.Debug("Duplicate entry", zap.String("id", id.String()))
		return fmt.Errorf("%s %s: %s: %w", s.schema.table, id, mysqlErr.Message, apperrors.ErrConflict)
	}
	return err
}

func (s *Store[T, PT]) auditWrite(ctx context.Context, operation string, id uuid.UUID, err error) {
	if s.auditor == nil {
		return
	}
	details := audit.ModificationDetails{Operation: operation, RecordID: id.String(), Success: err == nil}
	if err != nil {
		details.Error = err.Error()
	}
	s.auditor.LogModification(ctx, string(s.exec.Pool().Identifier()), s.schema.table, details)
}

func (s *Store[T, PT]) auditRejected(ctx context.Context, err error) {
	if s.auditor == nil {
		return
	}
	db := string(s.exec.Pool().Identifier())

	var suspicious *query.SuspiciousInputError
	switch {
	case errors.As(err, &suspicious):
		s.auditor.LogInjectionAttempt(ctx, db, s.schema.table, audit.SQLInjectionDetails{
			ParamName:   suspicious.Param,
			ParamValue:  suspicious.Value,
			Fingerprint: suspicious.Fingerprint,
		})
	case errors.Is(err, apperrors.ErrUnsafeIdentifier):
		s.auditor.LogParameterValidation(ctx, db, s.schema.table, err.Error())
	}
}
