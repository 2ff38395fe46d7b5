package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/youbridge/internal/browser"
	"github.com/xkilldash9x/youbridge/internal/observability"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Bring up every configured session and report which can serve completions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			pool, report, err := startPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer stopPool(ctx, pool, logger)

			if err := writeReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.ValidCount() == 0 {
				return errNoValidSessions
			}
			return nil
		},
	}
}

func writeReport(w io.Writer, report browser.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tIDENTITY\tOUTCOME\tDETAIL")
	for _, res := range report.Results {
		identity := res.Identity
		if identity == "" {
			identity = "-"
		}
		detail := ""
		if res.Err != nil {
			detail = res.Err.Error()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", res.ConfigIndex, identity, res.Outcome, detail)
	}
	fmt.Fprintf(tw, "\n%d of %d sessions valid\n", report.ValidCount(), len(report.Results))
	return tw.Flush()
}
