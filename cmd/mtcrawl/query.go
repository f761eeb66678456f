package main

import (
	"github.com/spf13/cobra"

	"github.com/hazyhaar/mtcrawl/harvest"
)

func newReportsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reports",
		Short: "List the report catalogue with stored row counts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			infos, err := a.service(nil).Reports(ctx)
			if err != nil {
				return err
			}
			harvest.RenderReports(cmd.OutOrStdout(), infos)
			return nil
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [--limit N]",
		Short: "List recent crawl runs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			runs, err := a.service(nil).Runs(ctx, limit)
			if err != nil {
				return err
			}
			harvest.RenderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

// service returns the shared service over the opened store. runner may be
// nil for read-only commands.
func (a *app) service(runner *harvest.Runner, opts ...harvest.ServiceOption) *harvest.Service {
	return harvest.NewService(runner, a.local, a.runs, a.logger, opts...)
}
