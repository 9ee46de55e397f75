package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chapterwatch/internal/app"
	"chapterwatch/internal/notifier"
	"chapterwatch/internal/source"
	"chapterwatch/internal/storage"
)

var (
	addTitle    string
	addStatus   string
	addLastRead int
	addNoLookup bool
	listJSON    bool
	prefsMute   []string
	prefsUnmute []string
	prefsOff    bool
	prefsOn     bool
	prefsActive string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage the watchlist",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <series-id>",
	Short: "Start tracking a series",
	Long: "Start tracking a series. Unless --title is given the title is looked up\n" +
		"on MangaBaka. The first poll records the baseline chapter count without\n" +
		"notifying.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := source.ValidateID(args[0])
		if err != nil {
			return err
		}
		status, err := storage.ParseStatus(addStatus)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			title := strings.TrimSpace(addTitle)
			if title == "" && !addNoLookup {
				s, err := a.Source().FetchSeries(ctx, id)
				if err != nil {
					return fmt.Errorf("look up series %s: %w (use --title or --no-lookup to skip)", id, err)
				}
				title = s.Title
			}
			it, err := a.Store().AddItem(ctx, storage.TrackedItem{
				ID:          id,
				Title:       title,
				Status:      status,
				LastRead:    addLastRead,
				Preferences: storage.DefaultPreferences(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tracking %s %q (%s)\n", it.ID, it.Title, it.Status)
			return nil
		})
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked series",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			items, err := a.Store().ListItems(ctx)
			if err != nil {
				return err
			}
			if listJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tCHAPTERS\tREAD\tUNREAD\tCHECKED\tNOTIFY")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					it.ID, it.Title, it.Status, countString(it.LastKnownCount), it.LastRead, it.Unread(),
					timeString(it.LastCheckedAt), prefsString(it.Preferences))
			}
			return tw.Flush()
		})
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:     "remove <series-id>",
	Aliases: []string{"rm"},
	Short:   "Stop tracking a series",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Store().RemoveItem(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		})
	},
}

var watchStatusCmd = &cobra.Command{
	Use:   "status <series-id> <status>",
	Short: "Set the reading status (active, paused, completed, abandoned)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := storage.ParseStatus(args[1])
		if err != nil {
			return err
		}
		return updateItem(cmd, args[0], func(it *storage.TrackedItem) error {
			it.Status = status
			return nil
		})
	},
}

var watchReadCmd = &cobra.Command{
	Use:   "read <series-id> <chapter>",
	Short: "Record reading progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid chapter %q", args[1])
		}
		return updateItem(cmd, args[0], func(it *storage.TrackedItem) error {
			it.LastRead = n
			return nil
		})
	},
}

var watchPrefsCmd = &cobra.Command{
	Use:   "prefs <series-id>",
	Short: "Change per-series notification preferences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if prefsOn && prefsOff {
			return fmt.Errorf("--on and --off are mutually exclusive")
		}
		for _, ch := range append(append([]string(nil), prefsMute...), prefsUnmute...) {
			if !slices.Contains(notifier.KnownChannels, ch) {
				return fmt.Errorf("%w: %s", notifier.ErrUnknownChannel, ch)
			}
		}
		return updateItem(cmd, args[0], func(it *storage.TrackedItem) error {
			p := &it.Preferences
			if prefsOn {
				p.Enabled = true
			}
			if prefsOff {
				p.Enabled = false
			}
			if prefsActive != "" {
				v, err := strconv.ParseBool(prefsActive)
				if err != nil {
					return fmt.Errorf("invalid --only-active value %q", prefsActive)
				}
				p.OnlyWhenActive = v
			}
			for _, ch := range prefsMute {
				if p.Channels == nil {
					p.Channels = map[string]bool{}
				}
				p.Channels[ch] = false
			}
			for _, ch := range prefsUnmute {
				delete(p.Channels, ch)
			}
			return nil
		})
	},
}

func updateItem(cmd *cobra.Command, id string, fn func(it *storage.TrackedItem) error) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		it, err := a.Store().UpdateItem(ctx, id, fn)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: status=%s read=%d notify=%s\n", it.ID, it.Status, it.LastRead, prefsString(it.Preferences))
		return nil
	})
}

func countString(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

func timeString(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func prefsString(p storage.Preferences) string {
	if !p.Enabled {
		return "off"
	}
	var muted []string
	for ch, on := range p.Channels {
		if !on {
			muted = append(muted, ch)
		}
	}
	s := "on"
	if p.OnlyWhenActive {
		s += ",active-only"
	}
	if len(muted) > 0 {
		s += ",muted=" + strings.Join(muted, "+")
	}
	return s
}

func init() {
	watchAddCmd.Flags().StringVar(&addTitle, "title", "", "series title (looked up when empty)")
	watchAddCmd.Flags().StringVar(&addStatus, "status", "active", "reading status")
	watchAddCmd.Flags().IntVar(&addLastRead, "read", 0, "last chapter read")
	watchAddCmd.Flags().BoolVar(&addNoLookup, "no-lookup", false, "do not query MangaBaka for the title")
	watchListCmd.Flags().BoolVar(&listJSON, "json", false, "print items as JSON")
	watchPrefsCmd.Flags().StringSliceVar(&prefsMute, "mute", nil, "channels to disable for this series")
	watchPrefsCmd.Flags().StringSliceVar(&prefsUnmute, "unmute", nil, "channels to re-enable for this series")
	watchPrefsCmd.Flags().BoolVar(&prefsOn, "on", false, "enable notifications")
	watchPrefsCmd.Flags().BoolVar(&prefsOff, "off", false, "disable notifications")
	watchPrefsCmd.Flags().StringVar(&prefsActive, "only-active", "", "notify only while status is active (true/false)")
	watchCmd.AddCommand(watchAddCmd, watchListCmd, watchRemoveCmd, watchStatusCmd, watchReadCmd, watchPrefsCmd)
}
