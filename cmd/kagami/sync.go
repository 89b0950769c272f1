package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kagamibot/kagami/internal/display"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single crawl cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		summary, runErr := engine.RunCycle(ctx)

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
			return runErr
		}

		for _, a := range summary.Accounts {
			line := fmt.Sprintf("@%-20s fetched %3d  mirrored %3d  skipped %3d  pending %3d",
				a.Account, a.Fetched, a.Mirrored, a.Skipped, a.Pending)
			if a.Error != "" {
				fmt.Printf("  %s  %s\n", line, display.ErrStyle.Render(a.Error))
				continue
			}
			fmt.Printf("  %s\n", line)
		}
		if !quietFlag {
			display.SuccessMsg("%d mirrored this cycle. %d mappings total.", summary.TotalMirrored, summary.TotalMapped)
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
