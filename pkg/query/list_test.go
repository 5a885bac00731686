package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/sqlparams"
)

func TestBuild(t *testing.T) {
	q, params, err := Build("users", ListOptions{
		Search:       "ann",
		SearchFields: []string{"name", "email"},
		Filters:      map[string]any{"role": "admin", "team_id": []int{3, 4}, "deleted_by": nil},
		OrderBy:      "created_at",
		Desc:         true,
		Page:         2,
		PageSize:     20,
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM `users` WHERE `status` <> 'deleted'"+
		" AND `deleted_by` IS NULL AND `role` = @f_role AND FIND_IN_SET(`team_id`, @f_team_id)"+
		" AND (`name` LIKE @search OR `email` LIKE @search)"+
		" ORDER BY `created_at` DESC LIMIT 20 OFFSET 20", q)

	assert.Equal(t, sqlparams.Scalar{V: "admin"}, params["f_role"])
	assert.Equal(t, sqlparams.List{3, 4}, params["f_team_id"])
	assert.Equal(t, sqlparams.Scalar{V: "%ann%"}, params["search"])
	assert.NotContains(t, params, "f_deleted_by")

	rewritten, args, err := sqlparams.Rewrite(q, params)
	require.NoError(t, err)
	assert.NotContains(t, rewritten, "@")
	assert.Equal(t, []any{"admin", "3,4", "%ann%", "%ann%"}, args)
}

func TestBuild_FoldedFilterNamesKeepTheirValues(t *testing.T) {
	q, params, err := Build("users", ListOptions{
		Filters: map[string]any{"team.id": 1, "team_id": 2, "team_id_2": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM `users` WHERE `status` <> 'deleted'"+
		" AND `team`.`id` = @f_team_id AND `team_id` = @f_team_id_2 AND `team_id_2` = @f_team_id_2_2"+
		" LIMIT 50 OFFSET 0", q)

	_, args, err := sqlparams.Rewrite(q, params)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, args)
}

func TestBuild_Defaults(t *testing.T) {
	q, params, err := Build("app.users", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `app`.`users` WHERE `status` <> 'deleted' LIMIT 50 OFFSET 0", q)
	assert.Empty(t, params)
}

func TestBuild_ColumnsAndIncludeDeleted(t *testing.T) {
	q, _, err := Build("users", ListOptions{Columns: []string{"id", "name"}, IncludeDeleted: true, PageSize: 5000})
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `name` FROM `users` LIMIT 1000 OFFSET 0", q)
}

func TestBuild_RejectsUnsafeIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		opts ListOptions
	}{
		{"order by", ListOptions{OrderBy: "name; DROP TABLE users"}},
		{"filter", ListOptions{Filters: map[string]any{"1=1 OR x": 1}}},
		{"search field", ListOptions{Search: "a", SearchFields: []string{"name`"}}},
		{"column", ListOptions{Columns: []string{"*"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Build("users", tt.opts)
			assert.ErrorIs(t, err, apperrors.ErrUnsafeIdentifier)
		})
	}

	_, _, err := Build("users`", ListOptions{})
	assert.ErrorIs(t, err, apperrors.ErrUnsafeIdentifier)
}

func TestBuild_RejectsInjectionInSearch(t *testing.T) {
	_, _, err := Build("users", ListOptions{
		Search:       "' OR '1'='1' --",
		SearchFields: []string{"name"},
	})
	assert.ErrorIs(t, err, apperrors.ErrSuspiciousInput)

	var suspicious *SuspiciousInputError
	require.ErrorAs(t, err, &suspicious)
	assert.Equal(t, "search", suspicious.Param)
	assert.NotEmpty(t, suspicious.Fingerprint)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off`, escapeLike("50%_off"))
	assert.Equal(t, `C:\\temp`, escapeLike(`C:\temp`))
	assert.Equal(t, "plain", escapeLike("plain"))
}

func TestCount(t *testing.T) {
	q, params, err := Count("users", ListOptions{
		Filters:  map[string]any{"role": "admin"},
		OrderBy:  "name",
		Page:     3,
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) AS total FROM `users` WHERE `status` <> 'deleted' AND `role` = @f_role", q)
	assert.Len(t, params, 1)
}

func TestListOptions_Paging(t *testing.T) {
	tests := []struct {
		opts   ListOptions
		limit  int
		offset int
	}{
		{ListOptions{}, DefaultPageSize, 0},
		{ListOptions{Page: 1, PageSize: 10}, 10, 0},
		{ListOptions{Page: 3, PageSize: 10}, 10, 20},
		{ListOptions{Page: -1, PageSize: -5}, DefaultPageSize, 0},
		{ListOptions{Page: 2, PageSize: 10000}, MaxPageSize, MaxPageSize},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.limit, tt.opts.Limit())
		assert.Equal(t, tt.offset, tt.opts.Offset())
	}
}
