// Package query builds list, count and union SELECT statements with @name
// parameters for the executor. Identifiers are validated and quoted; values
// are always bound, never concatenated.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000

	// StatusColumn holds the soft-delete state of a row.
	StatusColumn  = "status"
	StatusActive  = "active"
	StatusDeleted = "deleted"

	searchParam = "search"
)

// SuspiciousInputError reports free text rejected by injection screening.
type SuspiciousInputError struct {
	Param       string
	Value       string
	Fingerprint string // libinjection fingerprint
}

func (e *SuspiciousInputError) Error() string {
	return fmt.Sprintf("%s term (fingerprint %s): %v", e.Param, e.Fingerprint, apperrors.ErrSuspiciousInput)
}

func (e *SuspiciousInputError) Unwrap() error { return apperrors.ErrSuspiciousInput }

// ListOptions filters, orders and pages a list query.
type ListOptions struct {
	// Search is matched with LIKE '%term%' against each of SearchFields.
	Search       string
	SearchFields []string
	// Filters are equality conditions. Slice values match any element
	// (FIND_IN_SET); nil matches IS NULL.
	Filters map[string]any
	OrderBy string
	Desc    bool
	// Page is 1-based.
	Page     int
	PageSize int
	// IncludeDeleted drops the soft-delete condition.
	IncludeDeleted bool
	// Columns selects specific columns instead of *.
	Columns []string
}

// Limit returns the effective page size.
func (o ListOptions) Limit() int {
	switch {
	case o.PageSize <= 0:
		return DefaultPageSize
	case o.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return o.PageSize
	}
}

// Offset returns the row offset of the requested page.
func (o ListOptions) Offset() int {
	if o.Page <= 1 {
		return 0
	}
	return (o.Page - 1) * o.Limit()
}

// Build returns a paged SELECT over table.
//
// Example:
//
//	q, params, err := Build("users", ListOptions{
//	    Search: "ann", SearchFields: []string{"name", "email"},
//	    Filters: map[string]any{"role": "admin"},
//	    OrderBy: "created_at", Desc: true, Page: 2, PageSize: 20,
//	})
//	// SELECT * FROM `users` WHERE `status` <> 'deleted' AND `role` = @f_role
//	//   AND (`name` LIKE @search OR `email` LIKE @search)
//	//   ORDER BY `created_at` DESC LIMIT 20 OFFSET 20
func Build(table string, opts ListOptions) (string, sqlparams.Params, error) {
	from, where, params, err := selectParts(table, opts)
	if err != nil {
		return "", nil, err
	}

	columns := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, len(opts.Columns))
		for i, col := range opts.Columns {
			if quoted[i], err = sqlparams.QuoteIdentifier(col); err != nil {
				return "", nil, err
			}
		}
		columns = strings.Join(quoted, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", columns, from, where)

	if opts.OrderBy != "" {
		orderBy, err := sqlparams.QuoteIdentifier(opts.OrderBy)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" ORDER BY " + orderBy)
		if opts.Desc {
			b.WriteString(" DESC")
		}
	}
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", opts.Limit(), opts.Offset())

	return b.String(), params, nil
}

// filterParam names the parameter bound for filter name. Names that fold to
// the same parameter (a.b and a_b) get a numeric suffix in sorted order.
func filterParam(name string, used map[string]bool) string {
	base := "f_" + strings.ReplaceAll(name, ".", "_")
	param := base
	for n := 2; used[strings.ToLower(param)]; n++ {
		param = fmt.Sprintf("%s_%d", base, n)
	}
	used[strings.ToLower(param)] = true
	return param
}

// Count returns a SELECT COUNT(*) AS total with the same conditions as Build.
func Count(table string, opts ListOptions) (string, sqlparams.Params, error) {
	from, where, params, err := selectParts(table, opts)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) AS total FROM " + from + where, params, nil
}

func selectParts(table string, opts ListOptions) (string, string, sqlparams.Params, error) {
	from, err := sqlparams.QuoteIdentifier(table)
	if err != nil {
		return "", "", nil, err
	}

	params := sqlparams.Params{}
	var conditions []string
	if !opts.IncludeDeleted {
		conditions = append(conditions, fmt.Sprintf("`%s` <> '%s'", StatusColumn, StatusDeleted))
	}

	names := make([]string, 0, len(opts.Filters))
	for name := range opts.Filters {
		names = append(names, name)
	}
	sort.Strings(names)

	used := make(map[string]bool, len(names))
	for _, name := range names {
		col, err := sqlparams.QuoteIdentifier(name)
		if err != nil {
			return "", "", nil, err
		}
		value, err := sqlparams.Of(opts.Filters[name])
		if err != nil {
			return "", "", nil, fmt.Errorf("filter %s: %w", name, err)
		}

		param := filterParam(name, used)
		switch v := value.(type) {
		case sqlparams.Scalar:
			if v.V == nil {
				conditions = append(conditions, col+" IS NULL")
				continue
			}
			conditions = append(conditions, fmt.Sprintf("%s = @%s", col, param))
		case sqlparams.List:
			conditions = append(conditions, fmt.Sprintf("FIND_IN_SET(%s, @%s)", col, param))
		default:
			return "", "", nil, fmt.Errorf("filter %s: %T: %w", name, value, apperrors.ErrUnsupportedValue)
		}
		params[param] = value
	}

	if search := strings.TrimSpace(opts.Search); search != "" && len(opts.SearchFields) > 0 {
		if result := sqlparams.CheckForInjection(searchParam, search); result != nil {
			return "", "", nil, &SuspiciousInputError{Param: searchParam, Value: search, Fingerprint: result.Fingerprint}
		}

		likes := make([]string, len(opts.SearchFields))
		for i, field := range opts.SearchFields {
			col, err := sqlparams.QuoteIdentifier(field)
			if err != nil {
				return "", "", nil, err
			}
			likes[i] = col + " LIKE @" + searchParam
		}
		conditions = append(conditions, "("+strings.Join(likes, " OR ")+")")
		params[searchParam] = sqlparams.Scalar{V: "%" + escapeLike(search) + "%"}
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	return from, where, params, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
