package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkgforge-agent/internal/profile"
	"pkgforge-agent/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the persistent build queue",
	}
	cmd.AddCommand(newQueueAddCmd())
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueClearCmd())
	cmd.AddCommand(newQueueDoneCmd())
	return cmd
}

func newQueueAddCmd() *cobra.Command {
	var (
		kind           string
		resetCompleted bool
	)
	cmd := &cobra.Command{
		Use:   "add <dirs...>",
		Short: "Add package source directories to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !queue.ValidKind(kind) {
				return fmt.Errorf("unsupported kind %q", kind)
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			profiles, err := profile.Load(cfg.ProfilesFile)
			if err != nil {
				return err
			}

			var tasks []queue.Task
			for _, dir := range args {
				abs, err := filepath.Abs(dir)
				if err != nil {
					return fmt.Errorf("failed to resolve %s: %w", dir, err)
				}
				name := filepath.Base(abs)
				p := profiles.Lookup(name)
				if p.Skip {
					logger.Info("skipping package excluded by profile", "package", name)
					continue
				}
				tasks = append(tasks, queue.Task{
					Name:      name,
					Path:      abs,
					Kind:      queue.Kind(kind),
					ExtraArgs: p.ExtraArgs,
				})
			}
			added, total, err := store.AddTasks(tasks, resetCompleted)
			if err != nil {
				return err
			}
			fmt.Printf("Added %d task(s), queue now holds %d.\n", added, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(queue.KindDebian), "task kind (debian or rpm)")
	cmd.Flags().BoolVar(&resetCompleted, "reset-completed", false, "clear the completion flag of re-added packages")
	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the queue in order",
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
			entries := store.Entries()
			if len(entries) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for idx, entry := range entries {
				marker := " "
				if entry.Completed {
					marker = "x"
				}
				var kinds []string
				for _, task := range entry.Tasks {
					desc := string(task.Kind)
					if len(task.ExtraArgs) > 0 {
						desc += " (" + strings.Join(task.ExtraArgs, " ") + ")"
					}
					kinds = append(kinds, desc)
				}
				fmt.Printf("%3d. [%s] %s  %s\n", idx+1, marker, entry.Name, strings.Join(kinds, ", "))
			}
			return nil
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry from the queue",
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
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("Queue cleared.")
			return nil
		},
	}
}

func newQueueDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <names...>",
		Short: "Mark packages as completed",
		Args:  cobra.MinimumNArgs(1),
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
			if err := store.MarkCompleted(args...); err != nil {
				return err
			}
			fmt.Printf("Marked %d package(s) as completed.\n", len(args))
			return nil
		},
	}
}
