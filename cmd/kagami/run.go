package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mirror continuously until interrupted",
	Long:  "Run the crawl loop: poll every account pair, mirror new posts, sleep, repeat. SIGINT or SIGTERM stops cleanly after the current post.",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info().
			Int("accounts", len(engine.Crawlers)).
			Str("db", dbPath).
			Str("version", Version).
			Msg("kagami starting")

		if err := engine.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("kagami stopped")
			return err
		}
		logger.Info().Msg("kagami stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
