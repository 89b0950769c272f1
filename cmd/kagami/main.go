package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kagamibot/kagami/internal/db"
	"github.com/kagamibot/kagami/internal/display"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	dbPath     string
	configPath string
	authPath   string
	jsonOutput bool
	quietFlag  bool
	store      *db.DB
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kagami",
	Short: "kagami - mirror X timelines to Misskey",
	Long:  "Kagami crawls X accounts and mirrors their posts to Misskey, keeping threads, quotes and media intact.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger()

		// Skip DB for commands that don't need it
		switch cmd.Name() {
		case "init", "help", "version":
			return nil
		}

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("no database at %s — run 'kagami init' first", dbPath)
		}
		var err error
		store, err = db.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

func newLogger() zerolog.Logger {
	if jsonOutput {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(w).With().Timestamp().Logger()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kagami version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "kagami.db", "Mapping database path")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&authPath, "auth", "auth.json", "Credentials file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		display.ErrorMsg("%v", err)
		os.Exit(1)
	}
}
