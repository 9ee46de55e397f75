package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "20s", "1h").
// Empty strings fall back to the defaults documented on each block.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Poller    PollerConfig    `json:"poller"`
	Source    SourceConfig    `json:"source"`
	Notify    NotifyConfig    `json:"notify"`
	Storage   StorageConfig   `json:"storage"`
	Schedules SchedulesConfig `json:"schedules"`
	Diag      DiagConfig      `json:"diag"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PollerConfig controls the poll loop.
//
// Defaults:
//   - interval_sec: 1800 (0 disables polling entirely)
//   - attempts: 3
//   - retry_base: "1s"
//   - retry_max_delay: "30s"
//   - item_timeout: "20s"
//   - jitter: 0.1 (fraction of the interval)
type PollerConfig struct {
	// IntervalSec is a pointer so an explicit 0 (disabled) survives defaulting.
	IntervalSec *int `json:"interval_sec,omitempty"`

	// PollPaused also polls items whose status is "paused".
	PollPaused bool `json:"poll_paused,omitempty"`

	Attempts      int     `json:"attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	ItemTimeout   string  `json:"item_timeout,omitempty"`
	Jitter        float64 `json:"jitter,omitempty"`
}

type SourceConfig struct {
	BaseURL      string   `json:"base_url,omitempty"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	RatePerSec   float64  `json:"rate_per_sec,omitempty"`
	UserAgent    string   `json:"user_agent,omitempty"`
}

type NotifyConfig struct {
	QuietHours QuietHoursConfig `json:"quiet_hours"`
	Batching   BatchingConfig   `json:"batching"`

	// Per-channel retry budget (attempts after the first).
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`

	Pushover PushoverConfig `json:"pushover"`
	Discord  DiscordConfig  `json:"discord"`
	Webhook  WebhookConfig  `json:"webhook"`
	Telegram TelegramConfig `json:"telegram"`
}

// QuietHoursConfig uses local wall-clock "HH:MM" in Timezone.
// Leave start/end empty to disable.
type QuietHoursConfig struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// BatchingConfig: mode is "off", "hourly" or "daily".
// Window overrides the mode's default window length.
type BatchingConfig struct {
	Mode   string `json:"mode,omitempty"`
	Window string `json:"window,omitempty"`
}

type PushoverConfig struct {
	Enabled  bool   `json:"enabled"`
	AppToken string `json:"app_token,omitempty"`
	UserKey  string `json:"user_key,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	// Secret signs the body (HMAC-SHA256, X-Chapterwatch-Signature). Optional.
	Secret string `json:"secret,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API server).
	APIURL string `json:"api_url,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// driver: "sqlite" (default) or "file".
// For "file", path is a directory; for "sqlite", a database file.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulesConfig holds cron specs for the housekeeping jobs.
// Specs accept optional seconds and descriptors ("@every 1m", "@daily").
type SchedulesConfig struct {
	BatchFlush       string `json:"batch_flush,omitempty"`
	HistoryPrune     string `json:"history_prune,omitempty"`
	HistoryRetention string `json:"history_retention,omitempty"`
}

// DiagConfig controls the operator diagnostics listener.
//
// Non-loopback addresses require a token unless allow_insecure is set.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
