package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ekaya-inc/ekaya-dal/pkg/crypto"
)

func clearDatabaseEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"APP_ENV", "DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_POOL_SIZE",
		"DB_HOST_TEST", "DB_PORT_TEST", "DB_NAME_TEST", "DB_USER_TEST", "DB_PASSWORD_TEST",
		"DB_POOL_SIZE_TEST", "DB_TIMEZONE", "DB_DEBUG", "DB_CREDENTIALS_KEY",
	} {
		// t.Setenv restores the original value on cleanup.
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoad_EnvOnlyDefaults(t *testing.T) {
	clearDatabaseEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected Env=development, got %s", cfg.Env)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("expected Database.Host=localhost, got %s", cfg.Database.Host)
	}
	if cfg.Database.Port != 3306 {
		t.Errorf("expected Database.Port=3306, got %d", cfg.Database.Port)
	}
	if cfg.Database.PoolSize != 10 {
		t.Errorf("expected Database.PoolSize=10, got %d", cfg.Database.PoolSize)
	}
	if cfg.Database.ConnectTimeout() != 10*time.Second {
		t.Errorf("expected ConnectTimeout=10s, got %v", cfg.Database.ConnectTimeout())
	}
	if cfg.Reaper.TimeoutSeconds != 900 {
		t.Errorf("expected Reaper.TimeoutSeconds=900, got %d", cfg.Reaper.TimeoutSeconds)
	}
	if cfg.Database.Name != "" || cfg.Database.User != "" {
		t.Errorf("expected empty name/user without env, got %q/%q", cfg.Database.Name, cfg.Database.User)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearDatabaseEnv(t)

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
env: "production"
database:
  host: "db.example.com"
  port: 3307
  name: "orders"
  user: "app"
  pool_size: 20
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("DB_HOST", "override.example.com")
	t.Setenv("DB_PASSWORD", "s3cret")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database.Host != "override.example.com" {
		t.Errorf("expected Host from env, got %s", cfg.Database.Host)
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("expected Port=3307 from YAML, got %d", cfg.Database.Port)
	}
	if cfg.Database.Name != "orders" {
		t.Errorf("expected Name=orders from YAML, got %s", cfg.Database.Name)
	}
	if cfg.Database.PoolSize != 20 {
		t.Errorf("expected PoolSize=20 from YAML, got %d", cfg.Database.PoolSize)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("expected Password from env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestActiveDatabase_TestEnvironmentUsesTestVariables(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv("APP_ENV", "test")
	t.Setenv("DB_HOST", "prod-db")
	t.Setenv("DB_HOST_TEST", "test-db")
	t.Setenv("DB_NAME_TEST", "app_test")
	t.Setenv("DB_USER_TEST", "tester")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !cfg.IsTest() {
		t.Fatal("expected IsTest() with APP_ENV=test")
	}
	active := cfg.ActiveDatabase()
	if active.Host != "test-db" {
		t.Errorf("expected test host, got %s", active.Host)
	}
	if active.Name != "app_test" || active.User != "tester" {
		t.Errorf("expected test name/user, got %s/%s", active.Name, active.User)
	}
	if active.PoolSize != 5 {
		t.Errorf("expected test pool size default 5, got %d", active.PoolSize)
	}
}

func TestActiveDatabase_NonTestEnvironment(t *testing.T) {
	cfg := &Config{
		Env:          "production",
		Database:     DatabaseConfig{Host: "prod-db"},
		TestDatabase: TestDatabaseConfig{Host: "test-db"},
	}

	if cfg.IsTest() {
		t.Fatal("production must not be treated as test")
	}
	if got := cfg.ActiveDatabase().Host; got != "prod-db" {
		t.Errorf("expected prod-db, got %s", got)
	}
}

func TestLoad_OpensSealedPassword(t *testing.T) {
	clearDatabaseEnv(t)

	sealer, err := crypto.NewPasswordSealer("config-test-key")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := sealer.Seal("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("DB_CREDENTIALS_KEY", "config-test-key")
	t.Setenv("DB_PASSWORD", sealed)
	t.Setenv("DB_PASSWORD_TEST", "plain")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("expected opened password, got %q", cfg.Database.Password)
	}
	if cfg.TestDatabase.Password != "plain" {
		t.Errorf("expected plaintext test password untouched, got %q", cfg.TestDatabase.Password)
	}
}

func TestLoad_SealedPasswordWithoutKey(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv("DB_PASSWORD", crypto.SealedPrefix+"AAAA")

	_, err := Load("")
	if !errors.Is(err, crypto.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
