package config

import (
	"reflect"
	"strings"

	logx "chapterwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, keys, webhook URLs) are
// never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Duration("poller.interval", newCfg.Poller.Interval()),
			logx.Bool("poller.poll_paused", newCfg.Poller.PollPaused),
			logx.Int("poller.attempts", newCfg.Poller.Attempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs, logx.String("source.base_url", newCfg.Source.BaseURL))
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		n := newCfg.Notify
		attrs = append(attrs,
			logx.String("notify.batching", n.Batching.Mode),
			logx.String("notify.quiet_hours", strings.TrimSpace(n.QuietHours.Start+"-"+n.QuietHours.End)),
			logx.Bool("notify.pushover", n.Pushover.Enabled && n.Pushover.AppToken != "" && n.Pushover.UserKey != ""),
			logx.Bool("notify.discord", n.Discord.Enabled && n.Discord.WebhookURL != ""),
			logx.Bool("notify.webhook", n.Webhook.Enabled && n.Webhook.URL != ""),
			logx.Bool("notify.telegram", n.Telegram.Enabled && n.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.String("schedules.batch_flush", newCfg.Schedules.BatchFlush),
			logx.String("schedules.history_prune", newCfg.Schedules.HistoryPrune),
		)
	}

	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", newCfg.Diag.Addr),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}

	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied live.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}
