package database

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

// Columns a stored procedure uses to report failure in the first row of a
// result set. Procedures called through Call must follow this convention.
const (
	ErrorCodeColumn = "ErrorCode"
	MessageColumn   = "Message"
)

// ProcArg is one positional stored procedure argument. The name is used for
// logging only; binding follows slice order.
type ProcArg struct {
	Name  string
	Value sqlparams.Value
}

// ProcArgs are stored procedure arguments in call order.
type ProcArgs []ProcArg

// Arg builds a ProcArg, classifying value the way sqlparams.From does.
func Arg(name string, value any) ProcArg {
	v, err := sqlparams.Of(value)
	if err != nil {
		// Binding reports the unsupported type.
		v = sqlparams.Scalar{V: value}
	}
	return ProcArg{Name: name, Value: v}
}

func (a ProcArgs) params() sqlparams.Params {
	params := make(sqlparams.Params, len(a))
	for _, arg := range a {
		params[arg.Name] = arg.Value
	}
	return params
}

type callOptions struct {
	multiSet bool
}

// CallOption configures Call.
type CallOption func(*callOptions)

// WithMultiSet returns every result set instead of only the first.
func WithMultiSet() CallOption {
	return func(o *callOptions) { o.multiSet = true }
}

// Call invokes a stored procedure on a borrowed connection.
func (e *Executor) Call(ctx context.Context, procedure string, args ProcArgs, opts ...CallOption) ([][]Row, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release(lease)

	return e.CallOn(ctx, lease, procedure, args, opts...)
}

// CallOn invokes a stored procedure on q with one placeholder per argument.
// Every result set is checked for a first-row ErrorCode > 0, which is
// returned as a *ProcedureError instead of rows. Only the first result set is
// returned unless WithMultiSet is given.
func (e *Executor) CallOn(ctx context.Context, q Querier, procedure string, args ProcArgs, opts ...CallOption) ([][]Row, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := sqlparams.ValidateIdentifier(procedure); err != nil {
		return nil, fmt.Errorf("procedure name: %w", err)
	}

	values := make([]any, len(args))
	placeholders := make([]string, len(args))
	for i, arg := range args {
		v, err := sqlparams.Bind(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("procedure %s argument %s: %w", procedure, arg.Name, err)
		}
		values[i] = v
		placeholders[i] = sqlparams.Placeholder
	}
	stmt := fmt.Sprintf("CALL %s(%s)", procedure, strings.Join(placeholders, ", "))
	e.trace(stmt, args.params())

	rows, err := q.QueryContext(ctx, stmt, values...)
	if err != nil {
		e.logFailure("call", stmt, args.params(), err)
		return nil, fmt.Errorf("call %s: %w", procedure, err)
	}
	defer rows.Close()

	var sets [][]Row
	for {
		set, err := scanRows(rows)
		if err != nil {
			e.logFailure("call", stmt, args.params(), err)
			return nil, fmt.Errorf("call %s: %w", procedure, err)
		}
		if procErr := procedureError(procedure, set); procErr != nil {
			e.logger.Warn("Stored procedure reported an error",
				zap.String("procedure", procedure),
				zap.Int64("code", procErr.Code),
				zap.String("message", procErr.Message))
			return nil, procErr
		}
		sets = append(sets, set)
		if !rows.NextResultSet() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		e.logFailure("call", stmt, args.params(), err)
		return nil, fmt.Errorf("call %s: %w", procedure, err)
	}

	if !o.multiSet && len(sets) > 1 {
		sets = sets[:1]
	}
	return sets, nil
}

// CallSingle runs Call inside its own transaction: borrow, begin, call,
// then commit, or roll back when the call fails.
func (e *Executor) CallSingle(ctx context.Context, procedure string, args ProcArgs, opts ...CallOption) ([][]Row, error) {
	var sets [][]Row
	err := e.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		sets, err = e.CallOn(ctx, tx, procedure, args, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sets, nil
}

func procedureError(procedure string, set []Row) *ProcedureError {
	if len(set) == 0 {
		return nil
	}
	first := set[0]
	code, ok := first.Int64(ErrorCodeColumn)
	if !ok || code <= 0 {
		return nil
	}
	return &ProcedureError{
		Procedure: procedure,
		Code:      code,
		Message:   first.Text(MessageColumn),
	}
}
