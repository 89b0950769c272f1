package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kagamibot/kagami/internal/display"
)

type statusOutput struct {
	Summary  statusSummary   `json:"summary"`
	Accounts []statusAccount `json:"accounts"`
	Recent   []statusMapping `json:"recent"`
	Retrying []statusRetry   `json:"retrying,omitempty"`
}

type statusSummary struct {
	Mapped  int `json:"mapped"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
}

type statusAccount struct {
	Account string `json:"account"`
	Cursor  int64  `json:"cursor"`
}

type statusMapping struct {
	TweetID int64  `json:"tweet_id"`
	NoteID  string `json:"note_id,omitempty"`
	State   string `json:"state"`
	Account string `json:"account"`
	Created string `json:"created_at"`
}

type statusRetry struct {
	TweetID  int64 `json:"tweet_id"`
	Failures int   `json:"failures"`
}

var statusLimit int

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show cursors, mapping counts and recent activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := store.PendingFailures()
		if err != nil {
			return err
		}

		var accounts []statusAccount
		for _, acc := range store.Accounts() {
			cursor, _ := store.Cursor(acc)
			accounts = append(accounts, statusAccount{Account: acc, Cursor: cursor})
		}

		recent, err := store.RecentMappings(statusLimit)
		if err != nil {
			return err
		}
		var recentOut []statusMapping
		for _, m := range recent {
			state := "mirrored"
			if m.Skipped {
				state = "skipped"
			}
			recentOut = append(recentOut, statusMapping{
				TweetID: m.TweetID,
				NoteID:  m.NoteID,
				State:   state,
				Account: m.Account,
				Created: m.CreatedAt,
			})
		}

		var retrying []statusRetry
		for id, n := range pending {
			retrying = append(retrying, statusRetry{TweetID: id, Failures: n})
		}
		sort.Slice(retrying, func(i, j int) bool { return retrying[i].TweetID < retrying[j].TweetID })

		summary := statusSummary{
			Mapped:  store.MappingCount(),
			Skipped: store.SkipCount(),
			Pending: len(pending),
		}

		if jsonOutput {
			out := statusOutput{Summary: summary, Accounts: accounts, Recent: recentOut, Retrying: retrying}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		display.Header("Kagami Status")
		fmt.Println()

		fmt.Println("  Accounts")
		if len(accounts) == 0 {
			fmt.Printf("    %s\n", display.Dim.Render("(nothing mirrored yet)"))
		}
		for _, a := range accounts {
			fmt.Printf("    @%-20s cursor %d\n", a.Account, a.Cursor)
		}
		fmt.Println()

		fmt.Println("  Mappings")
		fmt.Printf("    Mirrored: %5d\n", summary.Mapped)
		fmt.Printf("    Skipped:  %5d\n", summary.Skipped)
		fmt.Println()

		if len(retrying) > 0 {
			fmt.Printf("  Retrying (%d)\n", len(retrying))
			for _, r := range retrying {
				fmt.Printf("    %s %d  %s\n",
					display.StateDot("pending"), r.TweetID,
					display.Dim.Render(fmt.Sprintf("%d/3 failures", r.Failures)))
			}
			fmt.Println()
		}

		if len(recentOut) > 0 {
			fmt.Printf("  Recent (%d)\n", len(recentOut))
			for _, m := range recentOut {
				note := m.NoteID
				if m.State == "skipped" {
					note = "-"
				}
				fmt.Printf("    %s %d -> %-12s %s\n",
					display.StateDot(m.State),
					m.TweetID,
					display.Truncate(note, 12),
					display.Dim.Render(display.TimeAgo(m.Created)),
				)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of recent mappings to show")
	rootCmd.AddCommand(statusCmd)
}
