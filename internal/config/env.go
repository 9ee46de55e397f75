package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment overrides. Secrets are usually injected this way instead of
// living in the config file.
const (
	EnvPollIntervalSec  = "POLL_INTERVAL_SEC"
	EnvMangaBakaBase    = "MANGABAKA_BASE"
	EnvPushoverAppToken = "PUSHOVER_APP_TOKEN"
	EnvPushoverUserKey  = "PUSHOVER_USER_KEY"
	EnvDiscordWebhook   = "DISCORD_WEBHOOK_URL"
	EnvTelegramToken    = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "TELEGRAM_CHAT_ID"
	EnvDataDir          = "DATA_DIR"
	EnvDiagToken        = "DIAG_TOKEN"
)

// ApplyEnv overlays environment variables read through lookup (os.LookupEnv
// when nil). Setting a channel credential also enables that channel.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvPollIntervalSec); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvPollIntervalSec, v)
		}
		cfg.Poller.IntervalSec = &n
	}
	if v, ok := get(EnvMangaBakaBase); ok {
		cfg.Source.BaseURL = v
	}
	if v, ok := get(EnvPushoverAppToken); ok {
		cfg.Notify.Pushover.AppToken = v
	}
	if v, ok := get(EnvPushoverUserKey); ok {
		cfg.Notify.Pushover.UserKey = v
	}
	_, tokSet := get(EnvPushoverAppToken)
	_, userSet := get(EnvPushoverUserKey)
	if (tokSet || userSet) && cfg.Notify.Pushover.AppToken != "" && cfg.Notify.Pushover.UserKey != "" {
		cfg.Notify.Pushover.Enabled = true
	}
	if v, ok := get(EnvDiscordWebhook); ok {
		cfg.Notify.Discord.WebhookURL = v
		cfg.Notify.Discord.Enabled = true
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Notify.Telegram.Token = v
	}
	if v, ok := get(EnvTelegramChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvTelegramChatID, v)
		}
		cfg.Notify.Telegram.ChatID = id
	}
	if _, ok := get(EnvTelegramToken); ok && cfg.Notify.Telegram.ChatID != 0 {
		cfg.Notify.Telegram.Enabled = true
	}
	if v, ok := get(EnvDataDir); ok {
		if strings.EqualFold(cfg.Storage.Driver, "file") {
			cfg.Storage.Path = v
		} else {
			cfg.Storage.Path = filepath.Join(v, "chapterwatch.db")
		}
	}
	if v, ok := get(EnvDiagToken); ok {
		cfg.Diag.Token = v
	}
	return nil
}
