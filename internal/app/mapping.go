package app

import (
	"fmt"
	"strings"
	"time"

	"chapterwatch/internal/batch"
	"chapterwatch/internal/config"
	"chapterwatch/internal/notifier"
	"chapterwatch/internal/observability/diag"
	"chapterwatch/internal/policy"
	"chapterwatch/internal/poller"
	"chapterwatch/internal/source"
	"chapterwatch/internal/storage"
	logx "chapterwatch/pkg/logx"
)

// Config values reaching these mappers have been through config.Validate, so
// duration parse errors are reported but should not happen in practice.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	timeout, err := config.ParseDurationOrDefault("source.timeout", cfg.Source.Timeout, 20*time.Second)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		BaseURL:      cfg.Source.BaseURL,
		AllowedHosts: cfg.Source.AllowedHosts,
		Timeout:      timeout,
		RatePerSec:   cfg.Source.RatePerSec,
		UserAgent:    cfg.Source.UserAgent,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notify
	return notifier.Config{
		RetryMax:      n.RetryMax,
		RetryBase:     config.DurationOr(n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: config.DurationOr(n.RetryMaxDelay, 10*time.Second),
		RatePerSec:    n.RatePerSec,
		SendTimeout:   config.DurationOr(n.SendTimeout, 15*time.Second),
	}
}

// mapChannels selects the channels that are enabled and carry credentials.
// Incomplete channels were already reported as config warnings.
func mapChannels(cfg *config.Config) notifier.ChannelsConfig {
	n := cfg.Notify
	var cc notifier.ChannelsConfig
	if p := n.Pushover; p.Enabled && p.AppToken != "" && p.UserKey != "" {
		cc.Pushover = &notifier.PushoverConfig{AppToken: p.AppToken, UserKey: p.UserKey, Priority: p.Priority, Endpoint: p.Endpoint}
	}
	if d := n.Discord; d.Enabled && d.WebhookURL != "" {
		cc.Discord = &notifier.DiscordConfig{WebhookURL: d.WebhookURL}
	}
	if w := n.Webhook; w.Enabled && w.URL != "" {
		cc.Webhook = &notifier.WebhookConfig{URL: w.URL, Secret: w.Secret}
	}
	if t := n.Telegram; t.Enabled && t.Token != "" && t.ChatID != 0 {
		cc.Telegram = &notifier.TelegramConfig{Token: t.Token, ChatID: t.ChatID, APIURL: t.APIURL}
	}
	return cc
}

func mapBatch(cfg *config.Config) (batch.Mode, time.Duration, error) {
	mode, err := batch.ParseMode(cfg.Notify.Batching.Mode)
	if err != nil {
		return batch.ModeOff, 0, err
	}
	window, err := config.ParseDurationField("notify.batching.window", cfg.Notify.Batching.Window)
	if err != nil {
		return batch.ModeOff, 0, err
	}
	return mode, window, nil
}

// mapPollerConfig also folds in config-level warnings so they show up in the
// poller status.
func mapPollerConfig(cfg *config.Config, warnings []string) (poller.Config, error) {
	mode, _, err := mapBatch(cfg)
	if err != nil {
		return poller.Config{}, err
	}
	qh := cfg.Notify.QuietHours
	settings, qhWarnings := policy.NewSettings(qh.Start, qh.End, qh.Timezone, mode != batch.ModeOff)

	p := cfg.Poller
	return poller.Config{
		Interval:      p.Interval(),
		Jitter:        p.Jitter,
		Attempts:      p.Attempts,
		RetryBase:     config.DurationOr(p.RetryBase, time.Second),
		RetryMaxDelay: config.DurationOr(p.RetryMaxDelay, 30*time.Second),
		ItemTimeout:   config.DurationOr(p.ItemTimeout, 20*time.Second),
		PollPaused:    p.PollPaused,
		Policy:        settings,
		Warnings:      append(append([]string(nil), warnings...), qhWarnings...),
	}, nil
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	d := cfg.Diag
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   config.DurationOr(d.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.DurationOr(d.WriteTimeout, 30*time.Second),
		IdleTimeout:   config.DurationOr(d.IdleTimeout, 60*time.Second),
	}
}
