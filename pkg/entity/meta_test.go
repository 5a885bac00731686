package entity

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
)

type auditEntry struct {
	Base
	Actor string `json:"actor_id"`
}

func (auditEntry) TableName() string { return "audit_log" }

type badColumn struct {
	Base
	Name string `db:"name; DROP"`
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"OrderItem": "order_item",
		"UserID":    "user_id",
		"HTTPProxy": "http_proxy",
		"note":      "note",
	}
	for in, want := range tests {
		assert.Equal(t, want, snakeCase(in), in)
	}
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "audit_log", tableName(reflect.TypeOf(auditEntry{}), &auditEntry{}))
	assert.Equal(t, "notes", tableName(reflect.TypeOf(note{}), &note{}))
}

func TestBuildSchema_JSONTagFallback(t *testing.T) {
	s, err := buildSchema(reflect.TypeOf(auditEntry{}), "audit_log")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "status", "created_at", "updated_at", "actor_id"}, s.names())
	assert.Equal(t, []string{"status", "actor_id"}, s.names("id", "created_at", "updated_at"))
}

func TestBuildSchema_RejectsUnsafeColumn(t *testing.T) {
	_, err := buildSchema(reflect.TypeOf(badColumn{}), "bad_columns")
	assert.ErrorIs(t, err, apperrors.ErrUnsafeIdentifier)
}

func TestAssign(t *testing.T) {
	var n int32
	require.NoError(t, assign(reflect.ValueOf(&n).Elem(), int64(7)))
	assert.Equal(t, int32(7), n)

	var p *string
	require.NoError(t, assign(reflect.ValueOf(&p).Elem(), "x"))
	require.NotNil(t, p)
	assert.Equal(t, "x", *p)

	require.NoError(t, assign(reflect.ValueOf(&p).Elem(), nil))
	assert.Nil(t, p)

	var s string
	assert.Error(t, assign(reflect.ValueOf(&s).Elem(), int64(65)))

	var list []int
	require.NoError(t, assign(reflect.ValueOf(&list).Elem(), "[1,2]"))
	assert.Equal(t, []int{1, 2}, list)
}
