package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParseYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "config.yaml", `
poller:
  interval_sec: 600
notify:
  quiet_hours: { start: "22:00", end: "08:00" }
  batching: { mode: hourly }
storage:
  driver: file
`)
	m := NewConfigManager(p)
	m.SetEnvLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Poller.Interval(); got != 10*time.Minute {
		t.Fatalf("interval=%v", got)
	}
	if cfg.Poller.Attempts != 3 || cfg.Poller.RetryBase != "1s" {
		t.Fatalf("poller defaults not applied: %+v", cfg.Poller)
	}
	if cfg.Source.BaseURL != DefaultBaseURL {
		t.Fatalf("base_url=%q", cfg.Source.BaseURL)
	}
	if cfg.Storage.Path != "./data" {
		t.Fatalf("file driver path=%q", cfg.Storage.Path)
	}
	if cfg.Notify.Batching.Mode != "hourly" || cfg.Notify.QuietHours.Timezone != "UTC" {
		t.Fatalf("notify=%+v", cfg.Notify)
	}
	if m.Get() != cfg {
		t.Fatalf("Load should commit")
	}
}

func TestExplicitZeroIntervalDisablesPolling(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "config.json", `{"poller":{"interval_sec":0}}`)
	m := NewConfigManager(p)
	m.SetEnvLookup(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Poller.Interval() != 0 {
		t.Fatalf("interval=%v, want disabled", cfg.Poller.Interval())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "config.yaml", "poller:\n  intervl_sec: 5\n")
	m := NewConfigManager(p)
	m.SetEnvLookup(noEnv)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	m.SetEnvLookup(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Poller.Interval() != 30*time.Minute {
		t.Fatalf("interval=%v", cfg.Poller.Interval())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvPollIntervalSec:  "60",
		EnvPushoverAppToken: "tok",
		EnvPushoverUserKey:  "usr",
		EnvDiscordWebhook:   "https://discord.example/hook",
		EnvDataDir:          "/var/lib/cw",
	}
	m := NewConfigManager(filepath.Join(t.TempDir(), "none.yaml"))
	m.SetEnvLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Poller.Interval() != time.Minute {
		t.Fatalf("interval=%v", cfg.Poller.Interval())
	}
	if !cfg.Notify.Pushover.Enabled || cfg.Notify.Pushover.AppToken != "tok" {
		t.Fatalf("pushover=%+v", cfg.Notify.Pushover)
	}
	if !cfg.Notify.Discord.Enabled {
		t.Fatalf("discord should be enabled by env")
	}
	if cfg.Storage.Path != filepath.Join("/var/lib/cw", "chapterwatch.db") {
		t.Fatalf("storage path=%q", cfg.Storage.Path)
	}
}

func TestEnvRejectsBadInterval(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	err := ApplyEnv(cfg, func(k string) (string, bool) {
		if k == EnvPollIntervalSec {
			return "soon", true
		}
		return "", false
	})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
		warn    string
	}{
		{name: "defaults ok", mutate: func(c *Config) {}},
		{name: "negative interval", mutate: func(c *Config) { c.Poller.IntervalSec = &neg }, wantErr: "interval_sec"},
		{name: "host not allowed", mutate: func(c *Config) { c.Source.BaseURL = "https://evil.example" }, wantErr: "allowed_hosts"},
		{name: "bad scheme", mutate: func(c *Config) { c.Source.BaseURL = "ftp://api.mangabaka.dev" }, wantErr: "scheme"},
		{name: "bad batching", mutate: func(c *Config) { c.Notify.Batching.Mode = "weekly" }, wantErr: "batching.mode"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.driver"},
		{name: "bad duration", mutate: func(c *Config) { c.Poller.ItemTimeout = "fast" }, wantErr: "item_timeout"},
		{name: "public diag without token", mutate: func(c *Config) { c.Diag.Addr = "0.0.0.0:8999" }, wantErr: "not loopback"},
		{name: "public diag insecure ok", mutate: func(c *Config) { c.Diag.Addr = "0.0.0.0:8999"; c.Diag.AllowInsecure = true }},
		{name: "pushover missing creds", mutate: func(c *Config) { c.Notify.Pushover.Enabled = true }, warn: "pushover"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tc.mutate(c)
			warnings, err := Validate(c)
			if tc.wantErr == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)) {
				t.Fatalf("err=%v, want containing %q", err, tc.wantErr)
			}
			if tc.warn != "" && (len(warnings) == 0 || !strings.Contains(strings.Join(warnings, ";"), tc.warn)) {
				t.Fatalf("warnings=%v, want containing %q", warnings, tc.warn)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	b.Notify.Pushover.AppToken = "super-secret"
	b.Diag.Token = "also-secret"

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "notify,diag" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RequiresRestart(a, b); len(got) != 0 {
		t.Fatalf("restart=%v", got)
	}
	b.Storage.Driver = "file"
	if got := RequiresRestart(a, b); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart=%v", got)
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	first, second := Default(), Default()
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("subscriber should see the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}
