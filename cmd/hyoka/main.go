package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

// stores pools result-store connections for the process, keyed by config
// fingerprint, so repeated command invocations within one process reuse
// pools instead of reconnecting.
var stores = storage.NewRegistry()

var rootCmd = &cobra.Command{
	Use:   "hyoka",
	Short: "Hyoka batch AI evaluation orchestrator",
	Long: `Hyoka replays captured telemetry through configured evaluation policies,
persists versioned quality metrics and reports threshold breaches.`,
	SilenceUsage: true,
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer stores.CloseAll()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hyoka.yaml", "configuration file")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration and installs the JSON logger at its
// configured level.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func newLogger(levelName string) *slog.Logger {
	level := slog.LevelInfo
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
