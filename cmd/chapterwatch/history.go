package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chapterwatch/internal/app"
	"chapterwatch/internal/storage"
)

var (
	historyLimit int
	historyJSON  bool
	historyYes   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the notification history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notification records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			recs, err := a.Store().ListRecords(ctx, historyLimit)
			if err != nil {
				return err
			}
			if historyJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tITEM\tCOUNT\tSENT\tREASON\tDETECTED\tCHANNELS")
			for _, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d->%d\t%t\t%s\t%s\t%s\n",
					r.ID, r.Kind, r.ItemID, r.OldCount, r.NewCount, r.Sent, r.Reason,
					r.DetectedAt.Local().Format(time.DateTime), outcomeSummary(r.Outcomes))
			}
			return tw.Flush()
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <record-id>",
	Short: "Delete one notification record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Store().DeleteRecord(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted record %d\n", id)
			return nil
		})
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every notification record",
	Long: "Delete every notification record. Cleared (item, count) pairs can be\n" +
		"notified again if the poller re-detects them.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !historyYes {
			return fmt.Errorf("refusing to clear history without --yes")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Store().ClearRecords(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d records\n", n)
			return nil
		})
	},
}

func outcomeSummary(outs []storage.ChannelOutcome) string {
	if len(outs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(outs))
	for _, o := range outs {
		parts = append(parts, o.Channel+":"+string(o.Result))
	}
	return strings.Join(parts, ",")
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum records to show (0 for all)")
	historyListCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
	historyClearCmd.Flags().BoolVar(&historyYes, "yes", false, "confirm clearing the history")
	historyCmd.AddCommand(historyListCmd, historyDeleteCmd, historyClearCmd)
}
