package query

import (
	"errors"
	"strings"

	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

// Part is one SELECT of a set query with its parameters.
type Part struct {
	Query  string
	Params sqlparams.Params
}

// Union joins parts with UNION, or UNION ALL when all is set. Parameters are
// merged; a name bound to different values in two parts is apperrors.ErrConflict.
func Union(all bool, parts ...Part) (string, sqlparams.Params, error) {
	if len(parts) == 0 {
		return "", nil, errors.New("union of no queries")
	}

	op := " UNION "
	if all {
		op = " UNION ALL "
	}

	queries := make([]string, len(parts))
	params := sqlparams.Params{}
	for i, part := range parts {
		queries[i] = "(" + strings.TrimSpace(part.Query) + ")"

		merged, err := params.Merge(part.Params)
		if err != nil {
			return "", nil, err
		}
		params = merged
	}
	return strings.Join(queries, op), params, nil
}
