package main

import (
	"github.com/spf13/cobra"

	"github.com/hazyhaar/mtcrawl/harvest"
)

func newSyncCmd(a *app) *cobra.Command {
	var req harvest.SyncRequest
	cmd := &cobra.Command{
		Use:   "sync --report <type|all> [--from YYYY-MM-DD] [--to YYYY-MM-DD] [--org ID] [--dry-run]",
		Short: "Replay locally stored rows to the remote stores without crawling.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			runner, release, err := a.runner(ctx)
			if err != nil {
				return err
			}
			defer release()

			sum, err := runner.Sync(ctx, req)
			if err != nil {
				return err
			}
			sum.Render(cmd.OutOrStdout())
			if n := sum.Failed(); n > 0 {
				a.logger.Error("mtcrawl: sync incomplete", "failed_writes", n)
				return &exitError{code: 1}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Reports, "report", "", "report type, comma separated types, or all")
	f.StringVar(&req.From, "from", "", "first date, YYYY-MM-DD (default yesterday)")
	f.StringVar(&req.To, "to", "", "last date, YYYY-MM-DD (default --from)")
	f.StringVar(&req.Org, "org", "", "organization (org code or store name) to replay")
	f.BoolVar(&req.Force, "force", false, "overwrite remote values even when higher")
	f.BoolVar(&req.DryRun, "dry-run", false, "count rows and unmapped organizations without writing")
	cmd.MarkFlagRequired("report")
	return cmd
}
