package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pkgforge-agent/internal/buildrun"
	"pkgforge-agent/internal/engine"
	"pkgforge-agent/internal/pkglock"
	"pkgforge-agent/internal/scheduler"
)

func newBuildCmd() *cobra.Command {
	var (
		includeCompleted bool
		installArtifacts bool
		markPrebuilt     bool
	)
	cmd := &cobra.Command{
		Use:   "build [-- extra debuild args]",
		Short: "Build every pending package in the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}

			guard := pkglock.NewGuard(cfg.Lock, logger)
			runner := buildrun.NewRunner(cfg.Parallel, logger)
			diagnoser := buildrun.NewDiagnoser(logger)
			installer := buildrun.NewInstaller(guard, logger)

			eng := engine.New(cfg, store, runner, diagnoser, installer, logger)
			eng.PrebuiltProbe = buildrun.HasPrebuiltArtifact

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := eng.Run(ctx, engine.Options{
				IncludeCompleted: includeCompleted,
				InstallArtifacts: installArtifacts,
				MarkPrebuilt:     markPrebuilt,
				ExtraArgs:        args,
			})
			if err != nil {
				return err
			}

			recorder := engine.NewResultsRecorder(cfg.ResultsFile, logger)
			if err := recorder.Write(summary); err != nil {
				logger.Warn("failed to record run results", "error", err)
			}

			fmt.Printf("Build finished. Success=%d/%d\n", len(summary.Succeeded), summary.Attempted)
			if len(summary.Failed) > 0 {
				fmt.Printf("Failed: %s\n", strings.Join(summary.Failed, ", "))
				return fmt.Errorf("%d package(s) failed to build", len(summary.Failed))
			}
			if summary.Paused {
				fmt.Println("Run paused, progress preserved. Re-run to resume.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeCompleted, "include-completed", false, "also rebuild entries already marked completed")
	cmd.Flags().BoolVar(&installArtifacts, "install-artifacts", false, "install build artifacts after each successful build")
	cmd.Flags().BoolVar(&markPrebuilt, "mark-prebuilt", false, "mark packages with existing artifacts as completed before building")
	return cmd
}

func newSortCmd() *cobra.Command {
	var (
		withDeps bool
		asSeries bool
	)
	cmd := &cobra.Command{
		Use:   "sort [targets...]",
		Short: "Print the dependency-aware build order",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			g := buildGraph(cfg, store, logger)

			hint := make(map[string]int)
			for idx, entry := range store.Entries() {
				hint[entry.Name] = idx
			}

			targets := args
			if len(targets) == 0 {
				targets = nil
			}

			if asSeries {
				series, unresolved, err := scheduler.SeriesToposort(g, hint, targets)
				if err != nil {
					return err
				}
				warnUnresolved(logger, unresolved)
				for idx, comp := range series {
					fmt.Printf("series %d (%d packages): %s\n", idx+1, len(comp), strings.Join(comp, " "))
				}
				return nil
			}

			order, err := scheduler.TopoSort(g, hint, targets, withDeps)
			if err != nil {
				return err
			}
			warnUnresolved(logger, g.UnresolvedNames())
			for _, name := range order {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDeps, "deps", false, "include the transitive prerequisites of the targets")
	cmd.Flags().BoolVar(&asSeries, "series", false, "print independent series instead of a flat order")
	return cmd
}

func warnUnresolved(logger *slog.Logger, unresolved map[string]bool) {
	if len(unresolved) == 0 {
		return
	}
	names := make([]string, 0, len(unresolved))
	for name := range unresolved {
		names = append(names, name)
	}
	sort.Strings(names)
	logger.Warn("dependencies without local sources", "names", strings.Join(names, ","))
}
