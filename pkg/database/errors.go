package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
)

// ConfigurationError reports connection settings that cannot produce a connection.
type ConfigurationError struct {
	Identifier Identifier
	Missing    []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("connection %q: missing %s", e.Identifier, strings.Join(e.Missing, ", "))
}

func (e *ConfigurationError) Unwrap() error { return apperrors.ErrConfiguration }

// ConnectionError reports that a pool or session for an identifier could not be
// established. RetryAfter is when the next creation attempt will be made.
type ConnectionError struct {
	Identifier Identifier
	RetryAfter time.Time
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %q unavailable until %s: %v",
		e.Identifier, e.RetryAfter.Format(time.RFC3339), e.Err)
}

// Is makes errors.Is(err, apperrors.ErrConnection) hold for every ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == apperrors.ErrConnection }

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProcedureError is raised when a stored procedure reports a failure through a
// first-row ErrorCode > 0 in one of its result sets.
type ProcedureError struct {
	Procedure string
	Code      int64
	Message   string
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("procedure %s failed with code %d: %s", e.Procedure, e.Code, e.Message)
}
