package sqlparams

import (
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a parameter value that looks like SQL injection.
type InjectionCheckResult struct {
	ParamName   string // Name of the parameter that failed the check
	ParamValue  any    // The value that was checked
	Fingerprint string // libinjection fingerprint of the detected pattern
}

// CheckForInjection runs libinjection over a string value. Non-string values
// cannot carry an injection payload and always pass.
//
// Bound parameters are never interpolated, so this is not what keeps queries
// safe. It screens free-text input (search terms) that callers want rejected
// outright rather than matched literally.
//
// Example:
//
//	result := CheckForInjection("search", "'; DROP TABLE users--")
//	// result.Fingerprint == "s;T(c" (or similar)
func CheckForInjection(paramName string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok || strValue == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		ParamName:   paramName,
		ParamValue:  value,
		Fingerprint: string(fingerprint),
	}
}

// CheckAll screens every string scalar and string list element in params.
// Results are ordered by parameter name.
func CheckAll(params Params) []*InjectionCheckResult {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []*InjectionCheckResult
	for _, name := range names {
		switch v := params[name].(type) {
		case Scalar:
			if result := CheckForInjection(name, v.V); result != nil {
				results = append(results, result)
			}
		case List:
			for _, elem := range v {
				if result := CheckForInjection(name, elem); result != nil {
					results = append(results, result)
					break
				}
			}
		}
	}
	return results
}
