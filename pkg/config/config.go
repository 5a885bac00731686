package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-dal/pkg/crypto"
)

// TestEnvironment is the APP_ENV value that switches database settings to the
// _TEST variable set.
const TestEnvironment = "test"

// Config holds all configuration for ekaya-dal.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"APP_ENV" env-default:"development"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	// CredentialsKey opens passwords sealed with crypto.PasswordSealer
	// ("enc:" prefix). Secret - not in YAML.
	CredentialsKey string `yaml:"-" env:"DB_CREDENTIALS_KEY"`

	// Database holds the default connection settings.
	Database DatabaseConfig `yaml:"database"`

	// TestDatabase holds the settings used when Env is "test".
	TestDatabase TestDatabaseConfig `yaml:"test_database"`

	Migrations MigrationsConfig `yaml:"migrations"`
	DBLog      DBLogConfig      `yaml:"db_log"`
	Reaper     ReaperConfig     `yaml:"reaper"`
}

// DatabaseConfig holds MySQL connection settings.
type DatabaseConfig struct {
	Host             string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port             int    `yaml:"port" env:"DB_PORT" env-default:"3306"`
	Name             string `yaml:"name" env:"DB_NAME"`
	User             string `yaml:"user" env:"DB_USER"`
	Password         string `yaml:"-" env:"DB_PASSWORD"` // Secret - not in YAML
	PoolSize         int    `yaml:"pool_size" env:"DB_POOL_SIZE" env-default:"10"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms" env:"DB_CONNECT_TIMEOUT_MS" env-default:"10000"`
	WaitTimeoutS     int    `yaml:"wait_timeout_s" env:"DB_WAIT_TIMEOUT_S" env-default:"28800"`
	AcquireTimeoutMS int    `yaml:"acquire_timeout_ms" env:"DB_ACQUIRE_TIMEOUT_MS" env-default:"30000"`
	RetryAfterMS     int    `yaml:"retry_after_ms" env:"DB_RETRY_AFTER_MS" env-default:"5000"`
	Timezone         string `yaml:"timezone" env:"DB_TIMEZONE" env-default:"UTC"`
	Debug            bool   `yaml:"debug" env:"DB_DEBUG" env-default:"false"`
}

// TestDatabaseConfig mirrors DatabaseConfig field for field, read from the
// _TEST suffixed variables. Convert with DatabaseConfig(c.TestDatabase).
type TestDatabaseConfig struct {
	Host             string `yaml:"host" env:"DB_HOST_TEST" env-default:"localhost"`
	Port             int    `yaml:"port" env:"DB_PORT_TEST" env-default:"3306"`
	Name             string `yaml:"name" env:"DB_NAME_TEST"`
	User             string `yaml:"user" env:"DB_USER_TEST"`
	Password         string `yaml:"-" env:"DB_PASSWORD_TEST"` // Secret - not in YAML
	PoolSize         int    `yaml:"pool_size" env:"DB_POOL_SIZE_TEST" env-default:"5"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms" env:"DB_CONNECT_TIMEOUT_MS_TEST" env-default:"10000"`
	WaitTimeoutS     int    `yaml:"wait_timeout_s" env:"DB_WAIT_TIMEOUT_S_TEST" env-default:"600"`
	AcquireTimeoutMS int    `yaml:"acquire_timeout_ms" env:"DB_ACQUIRE_TIMEOUT_MS_TEST" env-default:"30000"`
	RetryAfterMS     int    `yaml:"retry_after_ms" env:"DB_RETRY_AFTER_MS_TEST" env-default:"1000"`
	Timezone         string `yaml:"timezone" env:"DB_TIMEZONE_TEST" env-default:"UTC"`
	Debug            bool   `yaml:"debug" env:"DB_DEBUG_TEST" env-default:"false"`
}

// MigrationsConfig holds schema migration settings.
// An empty Path uses the migrations embedded in the binary.
type MigrationsConfig struct {
	Path  string `yaml:"path" env:"DB_MIGRATIONS_PATH"`
	Table string `yaml:"table" env:"DB_MIGRATIONS_TABLE" env-default:"schema_migrations"`
}

// DBLogConfig holds settings for the database-backed log sink.
type DBLogConfig struct {
	Table      string `yaml:"table" env:"DB_LOG_TABLE" env-default:"app_logs"`
	BufferSize int    `yaml:"buffer_size" env:"DB_LOG_BUFFER_SIZE" env-default:"256"`
}

// ReaperConfig holds defaults for the zombie connection sweep.
type ReaperConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"DB_ZOMBIE_TIMEOUT_S" env-default:"900"`
	User           string `yaml:"user" env:"DB_ZOMBIE_USER"`
}

// Load reads configuration from the YAML file at path with environment
// variable overrides. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.openPasswords(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openPasswords replaces sealed passwords with their plaintext.
func (c *Config) openPasswords() error {
	sealed := crypto.IsSealed(c.Database.Password) || crypto.IsSealed(c.TestDatabase.Password)
	if !sealed {
		return nil
	}
	if c.CredentialsKey == "" {
		return fmt.Errorf("sealed database password requires DB_CREDENTIALS_KEY: %w", crypto.ErrInvalidKey)
	}

	sealer, err := crypto.NewPasswordSealer(c.CredentialsKey)
	if err != nil {
		return err
	}
	if c.Database.Password, err = sealer.Open(c.Database.Password); err != nil {
		return fmt.Errorf("DB_PASSWORD: %w", err)
	}
	if c.TestDatabase.Password, err = sealer.Open(c.TestDatabase.Password); err != nil {
		return fmt.Errorf("DB_PASSWORD_TEST: %w", err)
	}
	return nil
}

// IsTest reports whether the runtime environment flag selects the test settings.
func (c *Config) IsTest() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), TestEnvironment)
}

// ActiveDatabase returns the database settings for the current runtime environment.
func (c *Config) ActiveDatabase() DatabaseConfig {
	if c.IsTest() {
		return DatabaseConfig(c.TestDatabase)
	}
	return c.Database
}

// ConnectTimeout returns the connect timeout as a duration.
func (c DatabaseConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// AcquireTimeout returns the bound on waiting for a free pool slot.
func (c DatabaseConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMS) * time.Millisecond
}

// RetryAfter returns how long a failed identifier stays unavailable.
func (c DatabaseConfig) RetryAfter() time.Duration {
	return time.Duration(c.RetryAfterMS) * time.Millisecond
}
