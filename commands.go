package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dal/migrations"
	"github.com/ekaya-inc/ekaya-dal/pkg/crypto"
	"github.com/ekaya-inc/ekaya-dal/pkg/database"
	"github.com/ekaya-inc/ekaya-dal/pkg/migrator"
)

// metricsNamespace prefixes the pool metrics printed by stats.
const metricsNamespace = "dal"

func newMigrateCmd(a *app) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
		Long: "Apply or inspect schema migrations on the primary database. Migrations come from " +
			"migrations.path when set, otherwise from the files embedded in the binary.",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRunner(cmd, func(r *migrator.Runner) error {
				return r.Up(cmd.Context())
			})
		},
	}

	var all bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRunner(cmd, func(r *migrator.Runner) error {
				if all {
					return r.DownAll()
				}
				return r.Down(cmd.Context())
			})
		},
	}
	down.Flags().BoolVar(&all, "all", false, "Roll back every migration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRunner(cmd, func(r *migrator.Runner) error {
				v, dirty, err := r.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			})
		},
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Record VERSION as applied without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return a.withRunner(cmd, func(r *migrator.Runner) error {
				return r.Force(v)
			})
		},
	}

	migrate.AddCommand(up, down, version, force)
	return migrate
}

// withRunner opens a migration runner on the primary sync pool, whose
// connections accept multi-statement files, and closes it after fn.
func (a *app) withRunner(cmd *cobra.Command, fn func(*migrator.Runner) error) error {
	ctx := cmd.Context()

	sync, err := a.registry.SyncPool(ctx, database.Primary)
	if err != nil {
		return err
	}
	defer func() { _ = a.registry.EndSync(database.Primary) }()

	pool, err := a.registry.Pool(ctx, database.Primary, database.Override{})
	if err != nil {
		return err
	}

	opts := migrator.Options{Table: a.cfg.Migrations.Table}
	if a.cfg.Migrations.Path != "" {
		opts.Path = a.cfg.Migrations.Path
	} else {
		opts.FS = migrations.FS()
	}

	runner, err := migrator.New(ctx, sync, database.NewExecutor(pool, a.logger).QueryFunc(), opts, a.logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	return fn(runner)
}

func newReapCmd(a *app) *cobra.Command {
	var (
		timeout int
		user    string
	)
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Kill idle server sessions",
		Long: "Kill every MySQL session of the given user that has been sleeping for at least " +
			"--timeout seconds. Defaults come from the reaper config section.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.Reaper.TimeoutSeconds
			}
			if user == "" {
				user = a.cfg.Reaper.User
			}
			if user == "" {
				user = a.cfg.ActiveDatabase().User
			}

			pool, err := a.registry.Pool(ctx, database.Primary, database.Override{})
			if err != nil {
				return err
			}
			killed, err := database.NewExecutor(pool, a.logger).KillZombieConnections(ctx, timeout, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %d idle sessions of %s\n", killed, user)
			return nil
		},
	}
	cmd.Flags().IntVar(&timeout, "timeout", database.DefaultZombieTimeout, "Idle seconds before a session counts as a zombie")
	cmd.Flags().StringVar(&user, "user", "", "Database user whose sessions are swept")
	return cmd
}

func newPingCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a database identifier is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := a.registry.EnsureAlive(cmd.Context(), database.Identifier(id))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", id, pool.Details())
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", string(database.Primary), "Database identifier")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print connection pool metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.registry.EnsureAlive(cmd.Context(), database.Primary); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			if err := reg.Register(database.NewPoolCollector(a.registry, metricsNamespace)); err != nil {
				return err
			}
			families, err := reg.Gather()
			if err != nil {
				return err
			}
			for _, mf := range families {
				if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
					return err
				}
			}
			a.logger.Debug("Printed pool metrics", zap.Int("families", len(families)))
			return nil
		},
	}
}

func newSealCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal a database password read from stdin",
		Long: "Read one password line from stdin and print it sealed with DB_CREDENTIALS_KEY. " +
			"The output can be used as DB_PASSWORD.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sealer, err := crypto.NewPasswordSealer(a.cfg.CredentialsKey)
			if err != nil {
				return err
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("no password on stdin")
			}

			sealed, err := sealer.Seal(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
