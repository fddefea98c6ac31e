package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/migrations"
	"github.com/livinlefevreloca/fieldsync/tools/migrator"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, logger, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errs, unsubscribe := e.Errors().Subscribe(16)
		defer unsubscribe()
		go func() {
			for msg := range errs {
				fmt.Fprintln(cmd.ErrOrStderr(), msg)
			}
		}()

		e.Start(ctx)
		e.EnqueueInitialSync()
		logger.Info("fieldsync is running")

		<-ctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer := newLogger(cfg.Logging, cmd.ErrOrStderr())
		defer closer.Close()

		database, err := db.OpenWithConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		logger.Info("running migrations", "dsn", cfg.Database.DSN)
		if err := migrator.RunMigrations(database.DB, migrations.FS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		version, err := migrator.GetCurrentVersion(database.DB)
		if err != nil {
			return fmt.Errorf("failed to get schema version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database schema at version %d\n", version)
		return nil
	},
}

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Return failed outbound operations to the pending queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := e.ResetFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed operations\n", n)
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for the current job on shutdown")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resetFailedCmd)
}
