package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/config"
	"github.com/storyrelay/backend/internal/logger"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "storyrelay",
	Short: "StoryRelay - turn-based collaborative fiction backend",
	Long: `StoryRelay serves stories written one turn at a time. A participant takes
the story's write lease, writes one paragraph, and submits it; the lease then
passes to whoever asks next.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if exists
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, writeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the process logger from it.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: !cfg.IsProduction(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
