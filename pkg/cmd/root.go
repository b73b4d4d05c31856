package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/depfetch/depfetch/pkg/config"
)

var (
	// Settings holds the resolved engine settings, available to all
	// subcommands after PersistentPreRunE completes.
	Settings *config.Settings
	// ProjectDir is the directory holding the manifest.
	ProjectDir string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "depfetch",
		Short: "Declarative dependency fetcher",
		Long:  "depfetch fetches the external dependencies declared in depfetch.toml exactly once, verifies them, and splices their targets into the build graph.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working directory: %w", err)
			}
			s, err := config.LoadSettings(wd, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := newLogger(s.LogLevel)
			if err != nil {
				return err
			}
			ProjectDir, Settings = wd, s
			cmd.SetContext(log.WithContext(cmd.Context(), logger))
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("cache-root", config.DefaultCacheRoot, "directory holding populated dependencies")
	pf.Int("workers", config.DefaultWorkers, "dependencies populated in parallel")
	pf.Bool("fail-fast", false, "abort the pass at the first failing dependency")
	pf.String("refresh-policy", config.RefreshAlways, `branch refs: "always" re-resolve or only on "explicit" --refresh`)
	pf.Bool("offline", false, "never touch the network; use populated dependencies only")
	pf.Duration("lock-timeout", config.DefaultLockTimeout, "how long to wait for another process fetching the same dependency")
	pf.Int("network-retries", 0, "retries for transient network failures")
	pf.String("log-level", "info", "debug, info, warn or error")

	root.AddCommand(newInitCmd())
	root.AddCommand(newConfigureCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCleanCmd())

	return root
}

func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "depfetch",
		Level:  lvl,
	}), nil
}

// Execute runs the root command. SIGINT or SIGTERM cancels the pass; the
// engine then stops waiting on fetches and locks and leaves no partial entry.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
