// Package sqlparams rewrites named query parameters into MySQL positional
// placeholders.
//
// Queries mark values with @name tokens:
//
//	SELECT * FROM orders WHERE customer_id = @customerId AND status IN (@statuses)
//
// Rewrite replaces every token occurrence with ? and returns the values in the
// order the tokens appear, so the driver binds them through a prepared
// statement. Values are never interpolated into the query text.
//
// Token names are matched against parameter keys case-insensitively and as
// whole words: @id never matches a key named "identifier". Tokens inside string
// literals, quoted identifiers and comments are left alone, as are MySQL system
// variables (@@session.wait_timeout). A query executed with an empty parameter
// set is passed through unchanged, which keeps user variables such as
// SET @rank = 0 usable.
//
// Each parameter is one of three kinds:
//
//   - Scalar: bound as-is (strings, numbers, booleans, time.Time, []byte, driver.Valuer)
//   - List: elements joined with "," into a single string, for IN (...) style use sites
//   - JSON: serialized with encoding/json, for JSON columns
package sqlparams
