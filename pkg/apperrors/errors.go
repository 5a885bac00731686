package apperrors

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrConfiguration    = errors.New("invalid database configuration")
	ErrConnection       = errors.New("database connection unavailable")
	ErrLeaseReleased    = errors.New("connection already released")
	ErrTxDone           = errors.New("transaction already committed or rolled back")
	ErrMissingParameter = errors.New("missing query parameter")
	ErrUnsupportedValue = errors.New("unsupported query parameter value")
	ErrUnsafeIdentifier = errors.New("unsafe SQL identifier")
	ErrRegistryClosed   = errors.New("connection registry closed")
	ErrSuspiciousInput  = errors.New("input rejected by SQL injection screening")
)
