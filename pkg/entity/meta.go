package entity

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/ekaya-dal/pkg/database"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

// Tabler overrides the derived table name.
type Tabler interface {
	TableName() string
}

// column maps one struct field to a table column.
type column struct {
	name  string
	index []int
}

// schema is the column layout of an entity type, derived once per Store.
type schema struct {
	table   string
	columns []column
}

// tableName derives the table of t: TableName() when implemented, otherwise
// the pluralized snake_case type name (OrderItem -> order_items).
func tableName(t reflect.Type, v any) string {
	if tabler, ok := v.(Tabler); ok {
		return tabler.TableName()
	}
	return inflection.Plural(snakeCase(t.Name()))
}

// columnName reads the db tag, then the json tag, then snake_cases the field.
func columnName(f reflect.StructField) (string, bool) {
	for _, key := range []string{"db", "json"} {
		tag, ok := f.Tag.Lookup(key)
		if !ok {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name == "-" {
			return "", false
		}
		if name != "" {
			return name, true
		}
	}
	return snakeCase(f.Name), true
}

func buildSchema(t reflect.Type, table string) (*schema, error) {
	if err := sqlparams.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("table of %s: %w", t.Name(), err)
	}
	s := &schema{table: table}
	if err := s.collect(t, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *schema) collect(t reflect.Type, prefix []int) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		index := append(append([]int(nil), prefix...), i)

		_, tagged := f.Tag.Lookup("db")
		if f.Anonymous && f.Type.Kind() == reflect.Struct && !tagged {
			if err := s.collect(f.Type, index); err != nil {
				return err
			}
			continue
		}

		name, ok := columnName(f)
		if !ok {
			continue
		}
		if err := sqlparams.ValidateIdentifier(name); err != nil {
			return fmt.Errorf("column of field %s: %w", f.Name, err)
		}
		s.columns = append(s.columns, column{name: name, index: index})
	}
	return nil
}

func (s *schema) names(skip ...string) []string {
	names := make([]string, 0, len(s.columns))
outer:
	for _, c := range s.columns {
		for _, name := range skip {
			if c.name == name {
				continue outer
			}
		}
		names = append(names, c.name)
	}
	return names
}

// params returns the field values of v keyed by column name. Map, slice and
// struct fields are bound as JSON, the form assign decodes them from.
func (s *schema) params(v reflect.Value) (sqlparams.Params, error) {
	params := make(sqlparams.Params, len(s.columns))
	for _, c := range s.columns {
		field := v.FieldByIndex(c.index)
		if jsonColumn(field.Type()) {
			if field.Kind() == reflect.Pointer && field.IsNil() {
				params[c.name] = sqlparams.Scalar{V: nil}
			} else {
				params[c.name] = sqlparams.JSON{V: field.Interface()}
			}
			continue
		}
		value, err := sqlparams.Of(field.Interface())
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.name, err)
		}
		params[c.name] = value
	}
	return params, nil
}

// decode copies row values into the fields of v.
func (s *schema) decode(row database.Row, v reflect.Value) error {
	for _, c := range s.columns {
		raw, ok := row[c.name]
		if !ok {
			continue
		}
		if err := assign(v.FieldByIndex(c.index), raw); err != nil {
			return fmt.Errorf("column %s: %w", c.name, err)
		}
	}
	return nil
}

var (
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	timeType    = reflect.TypeOf(time.Time{})
)

// jsonColumn reports whether fields of type t are stored as JSON text.
// Valuers, Scanners, time.Time and byte slices bind directly.
func jsonColumn(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Implements(valuerType) || reflect.PointerTo(t).Implements(valuerType) ||
		reflect.PointerTo(t).Implements(scannerType) {
		return false
	}
	switch t.Kind() {
	case reflect.Map:
		return true
	case reflect.Struct:
		return t != timeType
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	}
	return false
}

func assign(field reflect.Value, raw any) error {
	if field.CanAddr() && field.Addr().Type().Implements(scannerType) {
		return field.Addr().Interface().(sql.Scanner).Scan(raw)
	}
	if raw == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	rv := reflect.ValueOf(raw)
	if field.Kind() == reflect.Pointer {
		elem := reflect.New(field.Type().Elem())
		if err := assign(elem.Elem(), raw); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	switch field.Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct:
		if field.Type() != timeType && field.Type() != rv.Type() {
			// JSON column.
			var data []byte
			switch v := raw.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				return fmt.Errorf("cannot decode %T into %s", raw, field.Type())
			}
			return json.Unmarshal(data, field.Addr().Interface())
		}
	}

	if field.Kind() == reflect.Bool && rv.CanInt() {
		// TINYINT(1)
		field.SetBool(rv.Int() != 0)
		return nil
	}

	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(field.Type()) && convertible(rv.Kind(), field.Kind()) {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", raw, field.Type())
}

// convertible rejects numeric to string conversions, which reflect allows
// as rune conversion.
func convertible(from, to reflect.Kind) bool {
	if to == reflect.String {
		return from == reflect.String || from == reflect.Slice
	}
	return true
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
