package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/forgepilot/forgepilot/internal/config"
)

var flags struct {
	mode       string
	continuous bool
	webhook    bool
}

var rootCmd = &cobra.Command{
	Use:   "forgepilot",
	Short: "Autonomous coding agent for GitHub and GitLab work items",
	Long: `Forgepilot watches issues and change requests carrying the bot label,
feeds them through a task queue, and drives an LLM dialogue with tool access
until the work is done. It runs as a polling producer, a consumer pool, or a
webhook ingress server.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.mode, "mode", "consumer", "run mode: producer or consumer")
	rootCmd.Flags().BoolVar(&flags.continuous, "continuous", false, "loop periodically instead of a single pass (producer mode)")
	rootCmd.Flags().BoolVar(&flags.webhook, "webhook", false, "start the webhook ingress server instead of a producer/consumer")
}

func run(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	if flags.webhook {
		return runWebhook(cfg)
	}

	switch flags.mode {
	case "producer":
		return runProducer(cfg, flags.continuous)
	case "consumer":
		return runConsumer(cfg)
	default:
		return fmt.Errorf("unknown mode %q (want producer or consumer)", flags.mode)
	}
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	})))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
