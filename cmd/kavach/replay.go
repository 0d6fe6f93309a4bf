package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Redeliver dead-lettered incidents to the incident store",
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, _, dispatcher, err := openDispatch(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := dispatcher.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, still pending %d\n", res.Delivered, res.Remaining)
	if res.Remaining > 0 {
		return fmt.Errorf("%d incidents could not be delivered", res.Remaining)
	}
	return nil
}
