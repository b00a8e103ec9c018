package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ignite/adperf-engine/internal/app"
	"github.com/ignite/adperf-engine/internal/collector"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/transition"
)

func newBackfillCmd(ro *rootOptions) *cobra.Command {
	var (
		accountIDs  []string
		platforms   []string
		granularity string
		periods     int
		from, to    string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Collect historical period summaries and wait for completion",
		Example: `  periodctl backfill --granularity month --periods 3
  periodctl backfill --account acme --platform meta
  periodctl backfill -g month --from 2024-01 --to 2024-06`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := collector.Request{AccountIDs: accountIDs, Periods: periods, From: from, To: to}
			if granularity != "" {
				g, err := domain.ParseGranularity(granularity)
				if err != nil {
					return err
				}
				req.Granularity = g
			}
			for _, name := range platforms {
				p, err := domain.ParsePlatform(name)
				if err != nil {
					return err
				}
				req.Platforms = append(req.Platforms, p)
			}

			return ro.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Collector.CollectHistory(cmd.Context(), req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Failed > 0 {
					return fmt.Errorf("%d unit(s) failed", res.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&accountIDs, "account", "a", nil, "Account ids to collect (default: all active)")
	cmd.Flags().StringSliceVarP(&platforms, "platform", "p", nil, "Platforms to collect (default: all configured)")
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "", "week or month (default from config)")
	cmd.Flags().IntVarP(&periods, "periods", "n", 0, "Number of periods back, current included (default: the granularity's window)")
	cmd.Flags().StringVar(&from, "from", "", "First period id of an explicit range, e.g. 2024-01 or 2024-W05")
	cmd.Flags().StringVar(&to, "to", "", "Last period id of the range (default: --from)")
	return cmd
}

func newTransitionCmd(ro *rootOptions) *cobra.Command {
	var granularity string
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Archive outgoing periods and invalidate their cache rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ro.withApp(cmd.Context(), func(a *app.App) error {
				var (
					reports []transition.Report
					err     error
				)
				if granularity == "" {
					reports, err = a.Transition.Run(cmd.Context())
				} else {
					g, perr := domain.ParseGranularity(granularity)
					if perr != nil {
						return perr
					}
					var rep transition.Report
					rep, err = a.Transition.RunGranularity(cmd.Context(), g)
					reports = append(reports, rep)
				}
				if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "", "Only check this granularity (default: all configured)")
	return cmd
}

func newArchiveCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Fold completed daily rows into period summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ro.withApp(cmd.Context(), func(a *app.App) error {
				rep, err := a.Lifecycle.ArchiveCompleted(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newCleanupCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete folded daily rows and summaries past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ro.withApp(cmd.Context(), func(a *app.App) error {
				rep, err := a.Lifecycle.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newStatusCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show row counts, spans and retention settings per table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ro.withApp(cmd.Context(), func(a *app.App) error {
				st, err := a.Lifecycle.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

type getOutput struct {
	AccountID string      `json:"account_id"`
	Platform  string      `json:"platform"`
	Result    interface{} `json:"result"`
	Error     string      `json:"error,omitempty"`
}

func newGetCmd(ro *rootOptions) *cobra.Command {
	var (
		platform string
		refresh  bool
	)
	cmd := &cobra.Command{
		Use:   "get [account_id]",
		Short: "Read an account's current-period metrics through the smart cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParsePlatform(platform)
			if err != nil {
				return err
			}
			return ro.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Cache.Get(cmd.Context(), args[0], p, refresh)
				if err != nil {
					return err
				}
				out := getOutput{AccountID: args[0], Platform: string(p), Result: res}
				if res.Err != nil {
					out.Error = res.Err.Error()
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", string(domain.PlatformMeta), "meta or google")
	cmd.Flags().BoolVarP(&refresh, "refresh", "r", false, "Bypass the freshness check and fetch live")
	return cmd
}
