package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks a defaulted config.
//
// Problems that would make the service unsafe are returned as an error.
// Problems that only disable a feature (a channel without credentials) are
// returned as warnings and surface in the poller status.
func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var (
		errs     []error
		warnings []string
	)
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { warnings = append(warnings, fmt.Sprintf(format, args...)) }

	p := cfg.Poller
	if p.IntervalSec != nil && *p.IntervalSec < 0 {
		fail("poller.interval_sec must be >= 0")
	}
	if p.Attempts < 1 || p.Attempts > 10 {
		fail("poller.attempts must be between 1 and 10")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		fail("poller.jitter must be in [0, 1)")
	}
	for path, raw := range map[string]string{
		"poller.retry_base":           p.RetryBase,
		"poller.retry_max_delay":      p.RetryMaxDelay,
		"poller.item_timeout":         p.ItemTimeout,
		"source.timeout":              cfg.Source.Timeout,
		"notify.retry_base":           cfg.Notify.RetryBase,
		"notify.retry_max_delay":      cfg.Notify.RetryMaxDelay,
		"notify.send_timeout":         cfg.Notify.SendTimeout,
		"notify.batching.window":      cfg.Notify.Batching.Window,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"schedules.history_retention": cfg.Schedules.HistoryRetention,
		"diag.read_timeout":           cfg.Diag.ReadTimeout,
		"diag.write_timeout":          cfg.Diag.WriteTimeout,
		"diag.idle_timeout":           cfg.Diag.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if err := ValidateSourceURL(cfg.Source.BaseURL, cfg.Source.AllowedHosts); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Notify.Batching.Mode)) {
	case "", "off", "hourly", "daily":
	default:
		fail("notify.batching.mode: unknown mode %q (want off, hourly or daily)", cfg.Notify.Batching.Mode)
	}

	n := cfg.Notify
	if n.Pushover.Enabled && (strings.TrimSpace(n.Pushover.AppToken) == "" || strings.TrimSpace(n.Pushover.UserKey) == "") {
		warn("notify.pushover enabled but app_token/user_key missing; channel disabled")
	}
	if n.Discord.Enabled && strings.TrimSpace(n.Discord.WebhookURL) == "" {
		warn("notify.discord enabled but webhook_url missing; channel disabled")
	}
	if n.Webhook.Enabled && strings.TrimSpace(n.Webhook.URL) == "" {
		warn("notify.webhook enabled but url missing; channel disabled")
	}
	if n.Telegram.Enabled && (strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0) {
		warn("notify.telegram enabled but token/chat_id missing; channel disabled")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file":
	default:
		fail("storage.driver: unknown driver %q (want sqlite or file)", cfg.Storage.Driver)
	}

	if cfg.Diag.Enabled {
		addr := strings.TrimSpace(cfg.Diag.Addr)
		if addr == "" {
			fail("diag.addr is required when diag is enabled")
		} else if !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.Diag.Token) == "" && !cfg.Diag.AllowInsecure {
			fail("diag.addr %q is not loopback; set diag.token or diag.allow_insecure", addr)
		}
	}

	return warnings, errors.Join(errs...)
}

// ValidateSourceURL checks that raw is an http(s) URL whose host is allow-listed.
func ValidateSourceURL(raw string, allowed []string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("source.base_url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("source.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if !HostAllowed(u.Hostname(), allowed) {
		return fmt.Errorf("source.base_url: host %q is not in source.allowed_hosts", u.Hostname())
	}
	return nil
}

// HostAllowed reports whether host matches one of the allow-listed hosts exactly
// (case-insensitive).
func HostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimSpace(a)) == host {
			return true
		}
	}
	return false
}

// IsLoopbackAddr reports whether a listen address binds to loopback only.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
