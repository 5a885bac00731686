package database

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dal/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dal/pkg/config"
)

func TestResolveDetails_Defaults(t *testing.T) {
	details := ResolveDetails(testConfig(), Override{})

	assert.Equal(t, "db.internal", details.Host)
	assert.Equal(t, 3306, details.Port)
	assert.Equal(t, "app", details.Database)
	assert.Equal(t, "secret", details.Password)
	assert.Equal(t, 5, details.PoolSize)
	assert.Equal(t, time.Second, details.ConnectTimeout)
	assert.Equal(t, time.Minute, details.WaitTimeout)
	assert.Equal(t, time.Minute, details.RetryAfter)
}

func TestResolveDetails_TestEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "TEST"
	cfg.TestDatabase = config.TestDatabaseConfig{
		Host:     "test-db.internal",
		Port:     3307,
		Name:     "app_test",
		User:     "tester",
		PoolSize: 2,
	}

	details := ResolveDetails(cfg, Override{})
	assert.Equal(t, "test-db.internal", details.Host)
	assert.Equal(t, 3307, details.Port)
	assert.Equal(t, "app_test", details.Database)
	assert.Equal(t, "tester", details.User)
	assert.Empty(t, details.Password, "test environment never falls back to the default set")
}

func TestResolveDetails_OverrideWins(t *testing.T) {
	details := ResolveDetails(testConfig(), Override{
		Host:        "replica.internal",
		Database:    "reporting",
		PoolSize:    20,
		WaitTimeout: 5 * time.Minute,
	})

	assert.Equal(t, "replica.internal", details.Host)
	assert.Equal(t, "reporting", details.Database)
	assert.Equal(t, 20, details.PoolSize)
	assert.Equal(t, 5*time.Minute, details.WaitTimeout)
	assert.Equal(t, "app", details.User, "zero override fields keep resolved values")
}

func TestResolveDetails_Pure(t *testing.T) {
	cfg := testConfig()
	first := ResolveDetails(cfg, Override{})
	second := ResolveDetails(cfg, Override{})
	assert.Equal(t, first, second)
}

func TestResolveDetails_KeepsLoopbackHost(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Host = "localhost"

	assert.Equal(t, "localhost", ResolveDetails(cfg, Override{}).Host)
	assert.Equal(t, "127.0.0.1", ResolveDetails(cfg, Override{Host: "127.0.0.1"}).Host)
}

func TestConnectionDetails_Validate(t *testing.T) {
	assert.NoError(t, testDetails(1).Validate(Primary))

	err := ConnectionDetails{Port: 3306}.Validate(Secondary)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
	assert.Contains(t, err.Error(), `"secondary"`)
	assert.Contains(t, err.Error(), "host, database, user")
}

func TestConnectionDetails_StringOmitsPassword(t *testing.T) {
	s := testDetails(4).String()
	assert.Equal(t, "app@db.internal:3306/app (pool 4)", s)
	assert.NotContains(t, s, "secret")
}

func TestConnectionDetails_MySQLConfig(t *testing.T) {
	details := testDetails(4)
	details.Timezone = "Europe/Oslo"
	details.ConnectTimeout = 3 * time.Second
	details.WaitTimeout = 600 * time.Second

	cfg, err := details.MySQLConfig()
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.Net)
	assert.Equal(t, "db.internal:3306", cfg.Addr)
	assert.Equal(t, "app", cfg.DBName)
	assert.Equal(t, "secret", cfg.Passwd)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, "Europe/Oslo", cfg.Loc.String())
	assert.Equal(t, "600", cfg.Params["wait_timeout"])
	assert.False(t, cfg.MultiStatements)
}

func TestConnectionDetails_MySQLConfig_BadTimezone(t *testing.T) {
	details := testDetails(1)
	details.Timezone = "Mars/Olympus"

	_, err := details.MySQLConfig()
	assert.Error(t, err)
}
