// Package testhelpers provides a shared MySQL container for integration tests.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-dal/pkg/config"
	"github.com/ekaya-inc/ekaya-dal/pkg/database"
)

// MySQLTestImage is the server image integration tests run against.
const MySQLTestImage = "mysql:8.0"

const (
	testDatabase = "dal_test"
	testUser     = "dal"
	testPassword = "test_password"
	rootPassword = "root_password"
)

// TestDB holds a shared MySQL container.
type TestDB struct {
	Container    testcontainers.Container
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	RootPassword string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared MySQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        MySQLTestImage,
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_DATABASE":      testDatabase,
			"MYSQL_USER":          testUser,
			"MYSQL_PASSWORD":      testPassword,
			"MYSQL_ROOT_PASSWORD": rootPassword,
		},
		// The init phase starts a temporary server on port 0; wait for the real one.
		WaitingFor: wait.ForAll(
			wait.ForLog("port: 3306  MySQL Community Server"),
			wait.ForListeningPort("3306/tcp"),
		).WithDeadline(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	testDB := &TestDB{
		Container:    container,
		Host:         host,
		Port:         port.Int(),
		Database:     testDatabase,
		User:         testUser,
		Password:     testPassword,
		RootPassword: rootPassword,
	}

	// Verify connection with retry
	db, err := database.OpenMySQL(testDB.Details(), false)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	for i := 0; i < 20; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("test database not reachable: %w", err)
	}

	return testDB, nil
}

// Config returns a test-environment configuration pointing at the container.
func (db *TestDB) Config() *config.Config {
	return &config.Config{
		Env:      config.TestEnvironment,
		LogLevel: "debug",
		TestDatabase: config.TestDatabaseConfig{
			Host:             db.Host,
			Port:             db.Port,
			Name:             db.Database,
			User:             db.User,
			Password:         db.Password,
			PoolSize:         5,
			ConnectTimeoutMS: 10000,
			WaitTimeoutS:     600,
			AcquireTimeoutMS: 10000,
			RetryAfterMS:     1000,
			Timezone:         "UTC",
		},
		Migrations: config.MigrationsConfig{Table: "schema_migrations"},
		DBLog:      config.DBLogConfig{Table: "app_logs", BufferSize: 64},
		Reaper:     config.ReaperConfig{TimeoutSeconds: database.DefaultZombieTimeout},
	}
}

// Details returns the resolved connection details for the container.
func (db *TestDB) Details() database.ConnectionDetails {
	return database.ResolveDetails(db.Config(), database.Override{})
}

// Registry returns a new registry for the container, closed when t ends.
func (db *TestDB) Registry(t *testing.T) *database.Registry {
	t.Helper()

	reg := database.NewRegistry(db.Config(), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// Executor returns an executor on a fresh primary pool, closed when t ends.
func (db *TestDB) Executor(t *testing.T) *database.Executor {
	t.Helper()

	pool, err := db.Registry(t).Pool(context.Background(), database.Primary, database.Override{})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	return database.NewExecutor(pool, zaptest.NewLogger(t))
}

// Exec runs setup statements as the test user, failing t on error.
func (db *TestDB) Exec(t *testing.T, statements ...string) {
	t.Helper()

	conn, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?multiStatements=true",
		db.User, db.Password, db.Host, db.Port, db.Database))
	if err != nil {
		t.Fatalf("Failed to open connection: %v", err)
	}
	defer conn.Close()

	for _, stmt := range statements {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("Failed to exec %q: %v", stmt, err)
		}
	}
}
