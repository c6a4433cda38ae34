package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	conduit "github.com/eleven-am/conduit"
	"github.com/eleven-am/conduit/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "conduit",
		Short: "Workflow and document pipeline execution engine",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: workers, stage machine, and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, cleanup, err := config.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer cleanup()

			app, err := conduit.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting conduit",
				"addr", cfg.HTTP.Addr,
				"storage_dir", cfg.Storage.Dir,
				"workers", cfg.Workers.PoolSize,
			)
			return app.Start(ctx)
		},
	}
	root.AddCommand(serve)

	return root
}
