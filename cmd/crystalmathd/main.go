package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crystalmath/crystalmathd/internal/config"
	"github.com/crystalmath/crystalmathd/internal/daemon"
	"github.com/crystalmath/crystalmathd/internal/store"
)

// version is stamped at build time via -ldflags; it defaults to "dev" for a
// plain `go build`.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "crystalmathd",
		Short: "Workstation-resident orchestrator for computational-chemistry jobs",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (defaults layered underneath)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := newLogger(cfg.LogLevel)
			daemon.Version = version

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("build daemon: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("crystalmathd: starting", "version", version)
			return d.Start(ctx)
		},
	}
}

// newMigrateCmd applies pending schema migrations without starting the
// daemon, for pre-flight checks or scripted deployment steps.
func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			st, err := store.Open(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			defer st.Close()

			fmt.Printf("migrations applied to %s\n", cfg.DBPath())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the crystalmathd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
