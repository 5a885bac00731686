package main

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dal/pkg/crypto"
	"github.com/ekaya-inc/ekaya-dal/pkg/database"
)

func mockOpener(t *testing.T) database.Opener {
	return func(database.ConnectionDetails, bool) (*sql.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.MatchExpectationsInOrder(false)
		mock.ExpectClose()
		return db, nil
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_NAME", "app")
	t.Setenv("DB_USER", "app")

	a := &app{registryOpts: []database.Option{database.WithOpener(mockOpener(t))}}
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if closeErr := a.teardown(); err == nil {
		err = closeErr
	}
	return out.String(), err
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd(&app{})

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"migrate", "reap", "ping", "stats", "seal"})

	migrate, _, err := root.Find([]string{"migrate", "force"})
	require.NoError(t, err)
	assert.Equal(t, "force", migrate.Name())
}

func TestPingCmd(t *testing.T) {
	out, err := runCLI(t, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "primary: ok")
}

func TestStatsCmd(t *testing.T) {
	out, err := runCLI(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `dal_db_pool_open_connections{id="primary"}`)
	assert.Contains(t, out, "# TYPE dal_db_pool_wait_count_total counter")
}

func TestMigrateForce_InvalidVersion(t *testing.T) {
	_, err := runCLI(t, "migrate", "force", "latest")
	assert.ErrorContains(t, err, `invalid version "latest"`)
}

func TestPingCmd_MissingConfiguration(t *testing.T) {
	t.Setenv("DB_NAME", "")
	a := &app{registryOpts: []database.Option{database.WithOpener(mockOpener(t))}}
	root := newRootCmd(a)
	root.SetArgs([]string{"ping"})
	root.SetOut(&bytes.Buffer{})

	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "database")
	assert.NoError(t, a.teardown())
}

func TestSealCmd(t *testing.T) {
	t.Setenv("DB_CREDENTIALS_KEY", "cli-test-key")
	a := &app{}
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("hunter2\n"))
	root.SetArgs([]string{"seal"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NoError(t, a.teardown())

	sealed := strings.TrimSpace(out.String())
	require.True(t, crypto.IsSealed(sealed))

	sealer, err := crypto.NewPasswordSealer("cli-test-key")
	require.NoError(t, err)
	password, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)
}
