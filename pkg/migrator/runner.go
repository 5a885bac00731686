// Package migrator applies versioned schema migrations to MySQL with
// golang-migrate and runs post-migration hooks.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/pkg/database"
)

// DefaultTable is the table golang-migrate records the schema version in.
const DefaultTable = "schema_migrations"

// Hook runs once an upward migration passes Version. Fn receives the
// executor's query callback, so hooks can backfill data with @name parameters.
type Hook struct {
	Version uint
	Name    string
	Fn      func(ctx context.Context, query database.QueryFunc) error
}

// Options configures a Runner. Exactly one of Path or FS must be set.
type Options struct {
	// Path is a directory of NNN_name.up.sql / NNN_name.down.sql files.
	Path string
	// FS holds embedded migration files under Dir ("." when empty).
	FS  fs.FS
	Dir string

	Table string
	Hooks []Hook
}

// Runner applies migrations over one dedicated connection of a pool.
type Runner struct {
	m      *migrate.Migrate
	query  database.QueryFunc
	hooks  []Hook
	logger *zap.Logger
}

// New creates a runner on pool, normally the registry's sync pool, whose
// connections accept multi-statement migration files. query is handed to hooks.
func New(ctx context.Context, pool *database.Pool, query database.QueryFunc, opts Options, logger *zap.Logger) (*Runner, error) {
	src, sourceName, err := openSource(opts)
	if err != nil {
		return nil, err
	}

	table := opts.Table
	if table == "" {
		table = DefaultTable
	}

	conn, err := pool.DB().Conn(ctx)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to acquire migration connection: %w", err)
	}

	driver, err := mysql.WithConnection(ctx, conn, &mysql.Config{MigrationsTable: table})
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance(sourceName, src, "mysql", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	hooks := append([]Hook(nil), opts.Hooks...)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Version < hooks[j].Version })

	return &Runner{
		m:      m,
		query:  query,
		hooks:  hooks,
		logger: logger.With(zap.String("component", "migrator")),
	}, nil
}

func openSource(opts Options) (source.Driver, string, error) {
	switch {
	case opts.FS != nil && opts.Path != "":
		return nil, "", errors.New("migration source: set either Path or FS, not both")
	case opts.FS != nil:
		dir := opts.Dir
		if dir == "" {
			dir = "."
		}
		src, err := iofs.New(opts.FS, dir)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		return src, "iofs", nil
	case opts.Path != "":
		src, err := (&file.File{}).Open("file://" + opts.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open migrations at %s: %w", opts.Path, err)
		}
		return src, "file", nil
	default:
		return nil, "", errors.New("migration source: Path or FS is required")
	}
}

// Up applies every pending migration. It is idempotent: with nothing pending
// it returns nil.
func (r *Runner) Up(ctx context.Context) error {
	before, _, err := r.Version()
	if err != nil {
		return err
	}

	err = r.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to apply (database up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	after, _, err := r.Version()
	if err != nil {
		return err
	}
	r.logger.Info("Applied migrations successfully", zap.Uint("from", before), zap.Uint("version", after))
	return r.runHooks(ctx, before, after)
}

// Steps applies n migrations, or rolls back -n when n is negative.
func (r *Runner) Steps(ctx context.Context, n int) error {
	before, _, err := r.Version()
	if err != nil {
		return err
	}

	if err := r.m.Steps(n); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("failed to migrate %d steps: %w", n, err)
	}

	after, _, err := r.Version()
	if err != nil {
		return err
	}
	r.logger.Info("Migrated", zap.Int("steps", n), zap.Uint("from", before), zap.Uint("version", after))
	if n > 0 {
		return r.runHooks(ctx, before, after)
	}
	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down(ctx context.Context) error {
	return r.Steps(ctx, -1)
}

// DownAll rolls back every migration.
func (r *Runner) DownAll() error {
	err := r.m.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// Force records version as applied and clears the dirty flag without running
// anything. Used to recover from a failed migration.
func (r *Runner) Force(version int) error {
	if err := r.m.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	r.logger.Warn("Forced migration version", zap.Int("version", version))
	return nil
}

// Version returns the applied version. A database with no migrations reports 0.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and the migration connection.
func (r *Runner) Close() error {
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		r.logger.Warn("Failed to close migration source", zap.Error(srcErr))
	}
	if dbErr != nil {
		r.logger.Warn("Failed to close migration database", zap.Error(dbErr))
	}
	return errors.Join(srcErr, dbErr)
}

// runHooks runs hooks whose version lies in (from, to], in version order.
func (r *Runner) runHooks(ctx context.Context, from, to uint) error {
	for _, hook := range r.hooks {
		if hook.Version <= from || hook.Version > to {
			continue
		}
		if err := hook.Fn(ctx, r.query); err != nil {
			r.logger.Error("Post-migration hook failed",
				zap.Uint("version", hook.Version),
				zap.String("hook", hook.Name),
				zap.Error(err))
			return fmt.Errorf("hook %q for version %d: %w", hook.Name, hook.Version, err)
		}
		r.logger.Info("Ran post-migration hook", zap.Uint("version", hook.Version), zap.String("hook", hook.Name))
	}
	return nil
}
