package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/ekaya-dal/pkg/config"
	"github.com/ekaya-inc/ekaya-dal/pkg/database"
	"github.com/ekaya-inc/ekaya-dal/pkg/dblog"
	"github.com/ekaya-inc/ekaya-dal/pkg/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

// app holds what every command shares. It is populated in the root
// PersistentPreRunE and torn down by teardown once the command returns.
type app struct {
	configPath string
	debug      bool
	dbLog      bool

	// registryOpts are passed to NewRegistry; tests inject an opener here.
	registryOpts []database.Option

	cfg      *config.Config
	logger   *zap.Logger
	registry *database.Registry
	logCore  *dblog.Core
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if closeErr := a.teardown(); err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ekaya-dal",
		Short:         "MySQL data access layer tooling",
		Long:          "Run schema migrations, check connectivity, print pool metrics and sweep idle sessions for the configured MySQL databases.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (environment variables override it)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Development logging at debug level")
	root.PersistentFlags().BoolVar(&a.dbLog, "db-log", false, "Also write log entries to the database log table")

	root.AddCommand(
		newMigrateCmd(a),
		newReapCmd(a),
		newPingCmd(a),
		newStatsCmd(a),
		newSealCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.NewLogger(cfg.LogLevel, a.debug || cfg.ActiveDatabase().Debug)
	if err != nil {
		return err
	}
	a.logger = logger.With(zap.String("version", Version))
	a.registry = database.NewRegistry(cfg, a.logger, a.registryOpts...)

	if a.dbLog {
		if err := a.attachDBLog(ctx); err != nil {
			a.logger.Warn("Database log sink disabled", zap.Error(err))
		}
	}
	return nil
}

// attachDBLog tees the logger into the log table. The sink writes through an
// executor on the plain logger so its own failures never loop back into it.
func (a *app) attachDBLog(ctx context.Context) error {
	pool, err := a.registry.Pool(ctx, database.Primary, database.Override{})
	if err != nil {
		return err
	}

	base := a.logger
	core, err := dblog.New(database.NewExecutor(pool, base), a.cfg.DBLog.Table, a.cfg.DBLog.BufferSize, zapcore.InfoLevel, base)
	if err != nil {
		return err
	}
	a.logCore = core
	tagged := core.With([]zapcore.Field{zap.String("version", Version)})
	a.logger = zap.New(zapcore.NewTee(base.Core(), tagged), zap.AddCaller())
	return nil
}

// teardown flushes the log sink and closes every pool. It is safe to call
// when setup never ran.
func (a *app) teardown() error {
	if a.logCore != nil {
		_ = a.logCore.Close()
	}
	var err error
	if a.registry != nil {
		err = a.registry.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}
