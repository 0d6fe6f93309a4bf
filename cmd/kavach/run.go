package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Monitor the configured streams and serve the API",
	RunE:  runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	if err := app.Initialize(ctx); err != nil {
		return err
	}

	logger.Info("KavachG running",
		zap.Int("streams", len(cfg.Streams)),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("detector", cfg.Detection.Backend))

	err = app.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("Shutdown complete")
	}
	return err
}
