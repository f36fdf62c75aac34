package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/app"
	"github.com/fruitsalade/docspace/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := boot()
		if err != nil {
			return err
		}
		defer logging.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logging.Info("docspace starting...", zap.String("metrics", cfg.MetricsAddr))
		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.Run(ctx)
		logging.Info("shutting down...")
		return err
	},
}
