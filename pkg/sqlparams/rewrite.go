package sqlparams

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
)

// Placeholder is the MySQL positional placeholder.
const Placeholder = "?"

// Rewrite replaces every @name token in query with a positional placeholder and
// returns the bound values in token order. A name used twice binds its value twice.
//
// With an empty params set the query is returned unchanged with no args.
// A token with no matching parameter fails with apperrors.ErrMissingParameter.
// Parameters that no token references are ignored; see Unused.
//
// Example:
//
//	query, args, err := Rewrite(
//	    "SELECT * FROM items WHERE owner = @owner AND id IN (@ids)",
//	    Params{"owner": Scalar{V: "u1"}, "ids": List{4, 6, 10}},
//	)
//	// query == "SELECT * FROM items WHERE owner = ? AND id IN (?)"
//	// args  == []any{"u1", "4,6,10"}
func Rewrite(query string, params Params) (string, []any, error) {
	if len(params) == 0 {
		return query, nil, nil
	}

	index, err := buildIndex(params)
	if err != nil {
		return "", nil, err
	}

	var args []any
	rewritten, err := scan(query, func(token string) (string, error) {
		key, ok := index[strings.ToLower(token)]
		if !ok {
			return "", fmt.Errorf("@%s: %w", token, apperrors.ErrMissingParameter)
		}
		arg, err := Bind(params[key])
		if err != nil {
			return "", fmt.Errorf("parameter @%s: %w", key, err)
		}
		args = append(args, arg)
		return Placeholder, nil
	})
	if err != nil {
		return "", nil, err
	}
	return rewritten, args, nil
}

// Tokens returns the @name tokens in query in order of appearance, including repeats.
func Tokens(query string) []string {
	var tokens []string
	_, _ = scan(query, func(token string) (string, error) {
		tokens = append(tokens, token)
		return "@" + token, nil
	})
	return tokens
}

// Unused returns the sorted parameter names that no token in query references.
func Unused(query string, params Params) []string {
	referenced := make(map[string]bool)
	for _, token := range Tokens(query) {
		referenced[strings.ToLower(token)] = true
	}

	var unused []string
	for name := range params {
		if !referenced[strings.ToLower(name)] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	return unused
}

// buildIndex maps lower-cased names to parameter keys. Two keys differing only
// by case cannot be told apart by a case-insensitive token.
func buildIndex(params Params) (map[string]string, error) {
	index := make(map[string]string, len(params))
	for name := range params {
		lower := strings.ToLower(name)
		if other, dup := index[lower]; dup {
			return nil, fmt.Errorf("parameters %q and %q differ only by case: %w", other, name, apperrors.ErrConflict)
		}
		index[lower] = name
	}
	return index, nil
}

func isTokenChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// scan walks query and calls replace for each @name token found outside
// string literals, quoted identifiers and comments. The token is replaced
// with whatever replace returns.
func scan(query string, replace func(token string) (string, error)) (string, error) {
	var out strings.Builder
	out.Grow(len(query))

	n := len(query)
	for i := 0; i < n; {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := skipQuoted(query, i, c)
			out.WriteString(query[i:end])
			i = end

		case c == '#' || (c == '-' && i+2 < n && query[i+1] == '-' && (query[i+2] == ' ' || query[i+2] == '\t')):
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = n
			} else {
				end += i
			}
			out.WriteString(query[i:end])
			i = end

		case c == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				end = n
			} else {
				end += i + 4
			}
			out.WriteString(query[i:end])
			i = end

		case c == '@' && i+1 < n && query[i+1] == '@':
			// system variable: @@wait_timeout, @@session.sql_mode
			j := i + 2
			for j < n && (isTokenChar(query[j]) || query[j] == '.') {
				j++
			}
			out.WriteString(query[i:j])
			i = j

		case c == '@' && i+1 < n && isTokenChar(query[i+1]):
			j := i + 1
			for j < n && isTokenChar(query[j]) {
				j++
			}
			replacement, err := replace(query[i+1 : j])
			if err != nil {
				return "", err
			}
			out.WriteString(replacement)
			i = j

		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), nil
}

// skipQuoted returns the index just past the quoted section starting at start.
// Doubled quotes and backslash escapes (outside backticks) stay inside the section.
func skipQuoted(query string, start int, quote byte) int {
	n := len(query)
	for i := start + 1; i < n; i++ {
		switch query[i] {
		case '\\':
			if quote != '`' {
				i++
			}
		case quote:
			if i+1 < n && query[i+1] == quote {
				i++
				continue
			}
			return i + 1
		}
	}
	return n
}
