package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chapterwatch/internal/app"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Inspect and test notification channels",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test <channel>",
	Short: "Send a test notification through one channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Notifier().SendTest(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent test notification via %s (record %d)\n", args[0], rec.ID)
			return nil
		})
	},
}

var notifyDebugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Show channel configuration with masked credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tENABLED\tTARGET")
			for _, ch := range a.Notifier().Debug() {
				fmt.Fprintf(tw, "%s\t%t\t%s\n", ch.Name, ch.Enabled, ch.Target)
			}
			return tw.Flush()
		})
	},
}

func init() {
	notifyCmd.AddCommand(notifyTestCmd, notifyDebugCmd)
}
