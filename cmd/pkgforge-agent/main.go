package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"pkgforge-agent/internal/config"
	"pkgforge-agent/internal/depgraph"
	"pkgforge-agent/internal/queue"
)

var (
	// Version is set at build time via ldflags
	version = "0.0.0-dev"

	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pkgforge-agent",
		Short:        "pkgforge-agent - dependency-aware package build agent",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("PKGFORGE_CONFIG"), "optional YAML config overlay")

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newSortCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg := config.FromEnv()
	if configFile != "" {
		if err := config.Load(cfg, configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (*queue.Store, error) {
	store, err := queue.NewStore(cfg.QueueFile, cfg.MetaFile, cfg.CodeDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return store, nil
}

// buildGraph discovers package source directories under the code dir,
// seeding with queued task paths so explicit paths win over discovery.
func buildGraph(cfg *config.Config, store *queue.Store, logger *slog.Logger) *depgraph.Graph {
	existing := make(map[string]string)
	for _, task := range store.Tasks() {
		existing[task.Name] = task.Path
	}
	dirs := depgraph.Discover(cfg.CodeDir, existing)
	g := depgraph.New(dirs, logger)
	g.BuildFromControlDirs(nil)
	return g
}
