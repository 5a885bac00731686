package sqlparams

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
)

type address struct {
	City string `json:"city"`
}

func TestFrom_Classification(t *testing.T) {
	now := time.Now()
	name := "ann"
	var nilPtr *string

	params, err := From(map[string]any{
		"id":      42,
		"name":    &name,
		"missing": nilPtr,
		"ids":     []int{4, 6, 10},
		"tags":    [2]string{"a", "b"},
		"blob":    []byte("raw"),
		"meta":    map[string]any{"a": 1},
		"address": address{City: "Oslo"},
		"at":      now,
		"nullStr": sql.NullString{String: "x", Valid: true},
		"typed":   List{1},
	})
	require.NoError(t, err)

	assert.Equal(t, Scalar{V: 42}, params["id"])
	assert.Equal(t, Scalar{V: "ann"}, params["name"])
	assert.Equal(t, Scalar{V: nil}, params["missing"])
	assert.Equal(t, List{4, 6, 10}, params["ids"])
	assert.Equal(t, List{"a", "b"}, params["tags"])
	assert.Equal(t, Scalar{V: []byte("raw")}, params["blob"])
	assert.IsType(t, JSON{}, params["meta"])
	assert.IsType(t, JSON{}, params["address"])
	assert.Equal(t, Scalar{V: now}, params["at"])
	assert.IsType(t, Scalar{}, params["nullStr"])
	assert.Equal(t, List{1}, params["typed"])
}

func TestFrom_Unsupported(t *testing.T) {
	_, err := From(map[string]any{"fn": func() {}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedValue))
	assert.Contains(t, err.Error(), "@fn")
}

func TestMustFrom_Panics(t *testing.T) {
	assert.Panics(t, func() { MustFrom(map[string]any{"ch": make(chan int)}) })
}

func TestBind_JSONStruct(t *testing.T) {
	arg, err := Bind(JSON{V: address{City: "Oslo"}})
	require.NoError(t, err)
	assert.Equal(t, `{"city":"Oslo"}`, arg)
}

func TestBind_ValuerInList(t *testing.T) {
	arg, err := Bind(List{sql.NullInt64{Int64: 9, Valid: true}, sql.NullInt64{}})
	require.NoError(t, err)
	assert.Equal(t, "9,", arg)
}

func TestBind_NestedListRejected(t *testing.T) {
	_, err := Bind(List{[]int{1, 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnsupportedValue))
}

func TestParams_Raw(t *testing.T) {
	raw := Params{"a": Scalar{V: 1}, "b": List{1, 2}, "c": JSON{V: "x"}}.Raw()
	assert.Equal(t, map[string]any{"a": 1, "b": []any{1, 2}, "c": "x"}, raw)
	assert.Nil(t, Params(nil).Raw())
}

func TestParams_Merge(t *testing.T) {
	merged, err := Params{"a": Scalar{V: 1}}.Merge(Params{"b": Scalar{V: 2}, "a": Scalar{V: 1}})
	require.NoError(t, err)
	assert.Len(t, merged, 2)

	_, err = Params{"a": Scalar{V: 1}}.Merge(Params{"a": Scalar{V: 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}
