package sqlparams

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,63}$`)

// ValidateIdentifier checks that name is a plain identifier, optionally
// qualified with dots (schema.table). Identifiers cannot be bound as
// parameters, so anything concatenated into query text must pass this first.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier: %w", apperrors.ErrUnsafeIdentifier)
	}
	for _, part := range strings.Split(name, ".") {
		if !identifierRegex.MatchString(part) {
			return fmt.Errorf("%q: %w", name, apperrors.ErrUnsafeIdentifier)
		}
	}
	return nil
}

// QuoteIdentifier validates name and wraps each dotted part in backticks.
func QuoteIdentifier(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = "`" + part + "`"
	}
	return strings.Join(parts, "."), nil
}
