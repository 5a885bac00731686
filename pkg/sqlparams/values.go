package sqlparams

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
)

// listTimeLayout formats time.Time list elements the way MySQL parses DATETIME literals.
const listTimeLayout = "2006-01-02 15:04:05.999999"

// Value is a named query parameter. The set of implementations is closed:
// Scalar, List and JSON.
type Value interface {
	// Raw returns the caller-supplied value, used for logging.
	Raw() any
	sealed()
}

// Scalar is bound to its placeholder unchanged.
type Scalar struct{ V any }

// List is joined into one comma-delimited string before binding.
type List []any

// JSON is serialized to a JSON string before binding.
type JSON struct{ V any }

func (s Scalar) Raw() any { return s.V }
func (l List) Raw() any   { return []any(l) }
func (j JSON) Raw() any   { return j.V }

func (Scalar) sealed() {}
func (List) sealed()   {}
func (JSON) sealed()   {}

// Params maps parameter names to values.
type Params map[string]Value

// Raw returns the caller-supplied values keyed by name.
func (p Params) Raw() map[string]any {
	if p == nil {
		return nil
	}
	raw := make(map[string]any, len(p))
	for name, value := range p {
		if value == nil {
			raw[name] = nil
			continue
		}
		raw[name] = value.Raw()
	}
	return raw
}

// Merge returns a new set holding p and other. A name present in both with
// different values is a conflict.
func (p Params) Merge(other Params) (Params, error) {
	merged := make(Params, len(p)+len(other))
	for name, value := range p {
		merged[name] = value
	}
	for name, value := range other {
		if existing, ok := merged[name]; ok && !reflect.DeepEqual(existing, value) {
			return nil, fmt.Errorf("parameter @%s defined twice with different values: %w", name, apperrors.ErrConflict)
		}
		merged[name] = value
	}
	return merged, nil
}

// From classifies loosely typed values: slices and arrays (except []byte)
// become List, maps and structs (except time.Time and driver.Valuer) become
// JSON, everything else Scalar. Values that already implement Value are kept.
func From(values map[string]any) (Params, error) {
	params := make(Params, len(values))
	for name, raw := range values {
		value, err := classify(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter @%s: %w", name, err)
		}
		params[name] = value
	}
	return params, nil
}

// MustFrom is From for literals known to be valid. It panics on error.
func MustFrom(values map[string]any) Params {
	params, err := From(values)
	if err != nil {
		panic(err)
	}
	return params
}

// Of classifies a single loosely typed value the way From does.
func Of(raw any) (Value, error) { return classify(raw) }

func classify(raw any) (Value, error) {
	switch v := raw.(type) {
	case Value:
		return v, nil
	case nil, []byte, time.Time, driver.Valuer:
		return Scalar{V: v}, nil
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Scalar{V: nil}, nil
		}
		return classify(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		list := make(List, rv.Len())
		for i := range list {
			list[i] = rv.Index(i).Interface()
		}
		return list, nil
	case reflect.Map, reflect.Struct:
		return JSON{V: raw}, nil
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Scalar{V: raw}, nil
	}
	return nil, fmt.Errorf("%T: %w", raw, apperrors.ErrUnsupportedValue)
}

// Bind converts a Value into the argument handed to the driver.
func Bind(value Value) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Scalar:
		if !isScalar(v.V) {
			return nil, fmt.Errorf("scalar of type %T (use JSON or List): %w", v.V, apperrors.ErrUnsupportedValue)
		}
		return v.V, nil
	case List:
		return joinList(v)
	case JSON:
		encoded, err := json.Marshal(v.V)
		if err != nil {
			return nil, fmt.Errorf("encode JSON parameter: %w", err)
		}
		return string(encoded), nil
	default:
		return nil, fmt.Errorf("%T: %w", value, apperrors.ErrUnsupportedValue)
	}
}

func joinList(list List) (string, error) {
	parts := make([]string, len(list))
	for i, elem := range list {
		part, err := formatListElement(elem)
		if err != nil {
			return "", fmt.Errorf("list element %d: %w", i, err)
		}
		parts[i] = part
	}
	return strings.Join(parts, ","), nil
}

func formatListElement(elem any) (string, error) {
	switch v := elem.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case time.Time:
		return v.Format(listTimeLayout), nil
	case driver.Valuer:
		inner, err := v.Value()
		if err != nil {
			return "", err
		}
		return formatListElement(inner)
	case []byte:
		return "", fmt.Errorf("[]byte: %w", apperrors.ErrUnsupportedValue)
	}

	rv := reflect.ValueOf(elem)
	switch rv.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return "", nil
		}
		return formatListElement(rv.Elem().Interface())
	}
	return "", fmt.Errorf("%T: %w", elem, apperrors.ErrUnsupportedValue)
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, []byte, time.Time, driver.Valuer:
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Pointer:
		return rv.IsNil() || isScalar(rv.Elem().Interface())
	}
	return false
}
