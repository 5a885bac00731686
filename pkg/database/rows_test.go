package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		dbType   string
		expected any
	}{
		{"decimal to float", []byte("12.50"), "DECIMAL", 12.5},
		{"bigint text", []byte("42"), "BIGINT", int64(42)},
		{"unsigned", []byte("18446744073709551615"), "UNSIGNED BIGINT", uint64(18446744073709551615)},
		{"varchar to string", []byte("hello"), "VARCHAR", "hello"},
		{"json to string", []byte(`{"a":1}`), "JSON", `{"a":1}`},
		{"blob stays bytes", []byte{0x01, 0x02}, "BLOB", []byte{0x01, 0x02}},
		{"unknown type to string", []byte("x"), "", "x"},
		{"already decoded", int64(7), "INT", int64(7)},
		{"null", nil, "VARCHAR", nil},
		{"unparseable decimal stays string", []byte("n/a"), "DECIMAL", "n/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, decodeValue(tt.value, tt.dbType))
		})
	}
}

func TestRow_Accessors(t *testing.T) {
	row := Row{"n": int64(3), "s": "9", "f": 2.0, "b": []byte("abc"), "nil": nil}

	n, ok := row.Int64("n")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	n, ok = row.Int64("s")
	assert.True(t, ok)
	assert.Equal(t, int64(9), n)

	_, ok = row.Int64("missing")
	assert.False(t, ok)

	assert.Equal(t, "abc", row.Text("b"))
	assert.Equal(t, "", row.Text("nil"))
	assert.Equal(t, "3", row.Text("n"))
}
