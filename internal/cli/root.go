// Package cli implements periodctl, the operator CLI that runs the period
// engine's jobs in-process against the configured store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ignite/adperf-engine/internal/app"
	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/pkg/logger"
)

// Version is stamped at build time.
var Version = "dev"

type rootOptions struct {
	configPath string
	verbose    bool
	appOpts    []app.Option
}

// NewRootCmd builds the command tree. Options are passed to every App the
// commands construct.
func NewRootCmd(opts ...app.Option) *cobra.Command {
	ro := &rootOptions{appOpts: opts}

	root := &cobra.Command{
		Use:           "periodctl",
		Short:         "periodctl – operate the ad performance period engine",
		Long:          `Runs backfills, period transitions and lifecycle jobs in-process against the configured period store.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&ro.configPath, "config", "c", config.DefaultPath(), "Path to config.yaml (defaults and environment only when empty)")
	root.PersistentFlags().BoolVarP(&ro.verbose, "verbose", "v", false, "Verbose debug output to stderr")

	root.AddCommand(
		newBackfillCmd(ro),
		newTransitionCmd(ro),
		newArchiveCmd(ro),
		newCleanupCmd(ro),
		newStatusCmd(ro),
		newGetCmd(ro),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, builds the services and hands them to fn.
func (ro *rootOptions) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.LoadFromEnv(ro.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if ro.verbose {
		logger.SetLevel(logger.DEBUG)
	}

	a, err := app.New(ctx, cfg, ro.appOpts...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
