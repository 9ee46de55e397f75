package config

import "strings"

const (
	DefaultIntervalSec   = 1800
	DefaultBaseURL       = "https://api.mangabaka.dev"
	DefaultStorageDriver = "sqlite"
	DefaultDiagAddr      = "127.0.0.1:8999"
)

var DefaultAllowedHosts = []string{"api.mangabaka.dev", "mangabaka.dev"}

// Default returns a config with every optional field populated.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Diag:    DiagConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields in place. Explicit zero values that carry
// meaning (interval_sec: 0) are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}

	p := &cfg.Poller
	if p.IntervalSec == nil {
		v := DefaultIntervalSec
		p.IntervalSec = &v
	}
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	setDefault(&p.RetryBase, "1s")
	setDefault(&p.RetryMaxDelay, "30s")
	setDefault(&p.ItemTimeout, "20s")
	if p.Jitter <= 0 {
		p.Jitter = 0.1
	}

	s := &cfg.Source
	setDefault(&s.BaseURL, DefaultBaseURL)
	if len(s.AllowedHosts) == 0 {
		s.AllowedHosts = append([]string(nil), DefaultAllowedHosts...)
	}
	setDefault(&s.Timeout, "20s")
	if s.RatePerSec <= 0 {
		s.RatePerSec = 2
	}
	setDefault(&s.UserAgent, "chapterwatch/1.0")

	n := &cfg.Notify
	setDefault(&n.Batching.Mode, "off")
	setDefault(&n.QuietHours.Timezone, "UTC")
	if n.RetryMax <= 0 {
		n.RetryMax = 2
	}
	setDefault(&n.RetryBase, "500ms")
	setDefault(&n.RetryMaxDelay, "10s")
	if n.RatePerSec <= 0 {
		n.RatePerSec = 3
	}
	setDefault(&n.SendTimeout, "15s")

	st := &cfg.Storage
	setDefault(&st.Driver, DefaultStorageDriver)
	if strings.TrimSpace(st.Path) == "" {
		if strings.EqualFold(st.Driver, "file") {
			st.Path = "./data"
		} else {
			st.Path = "./data/chapterwatch.db"
		}
	}
	setDefault(&st.BusyTimeout, "5s")

	sc := &cfg.Schedules
	setDefault(&sc.BatchFlush, "@every 1m")
	setDefault(&sc.HistoryPrune, "@daily")
	setDefault(&sc.HistoryRetention, "2160h")

	d := &cfg.Diag
	setDefault(&d.Addr, DefaultDiagAddr)
	setDefault(&d.ReadTimeout, "10s")
	setDefault(&d.WriteTimeout, "30s")
	setDefault(&d.IdleTimeout, "60s")
}

func setDefault(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}
