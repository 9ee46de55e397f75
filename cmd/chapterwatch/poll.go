package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chapterwatch/internal/app"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one poll cycle now and print its summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sum, err := a.Poller().PollNow(ctx)
			if err != nil {
				return err
			}
			// A one-shot run flushes whatever batch is due; the rest is dropped on close.
			if err := a.Poller().FlushDue(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "items=%d ok=%d failed=%d updated=%d notified=%d skipped=%d took=%s\n",
				sum.Items, sum.OK, sum.Failed, sum.Updated, sum.Notified, sum.Skipped, sum.Finished.Sub(sum.Started).Round(time.Millisecond))
			for _, r := range sum.Results {
				if r.Err != nil {
					fmt.Fprintf(out, "  %s: %s (%s) %v\n", r.ItemID, r.Outcome, r.Stage, r.Err)
				}
			}
			return nil
		})
	},
}
