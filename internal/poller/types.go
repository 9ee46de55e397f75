package poller

import (
	"context"
	"errors"
	"time"

	"chapterwatch/internal/notifier"
	"chapterwatch/internal/policy"
	"chapterwatch/internal/source"
	"chapterwatch/internal/storage"
)

var ErrCycleInProgress = errors.New("poll cycle already in progress")

// Source is the upstream chapter-count lookup.
type Source interface {
	FetchSeries(ctx context.Context, id string) (source.Series, error)
}

// Dispatcher fans a message out to the notification channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notifier.Message, allow func(channel string) bool) []storage.ChannelOutcome
}

// Config is the hot-reloadable part of the poller.
type Config struct {
	// Interval 0 disables the loop.
	Interval      time.Duration
	Jitter        float64
	Attempts      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	ItemTimeout   time.Duration
	PollPaused    bool

	Policy policy.Settings
	// Warnings are config problems that were tolerated (e.g. invalid quiet
	// hours); they are surfaced in Status.
	Warnings []string
}

type Outcome string

const (
	OutcomeUnchanged         Outcome = "unchanged"
	OutcomeUpdated           Outcome = "updated"
	OutcomeBaseline          Outcome = "baseline"
	OutcomeDecreased         Outcome = "decreased"
	OutcomeSourceUnavailable Outcome = "source_unavailable"
	OutcomeInvalidResponse   Outcome = "invalid_response"
	OutcomeSkipped           Outcome = "skipped"
	// OutcomeFailed covers local failures (history lookup, panics).
	OutcomeFailed Outcome = "failed"
)

// OK reports whether the item was checked successfully.
func (o Outcome) OK() bool {
	switch o {
	case OutcomeUnchanged, OutcomeUpdated, OutcomeBaseline, OutcomeDecreased:
		return true
	}
	return false
}

// Stages name where an item failed.
const (
	StageFetch   = "fetch"
	StageHistory = "history"
	StageRecord  = "record"
	StageUpdate  = "update"
	StagePanic   = "panic"
	StageList    = "list"
	StageFlush   = "flush"
)

// ItemResult is the outcome of one item check. Never persisted.
type ItemResult struct {
	ItemID   string  `json:"item_id"`
	Outcome  Outcome `json:"outcome"`
	Count    *int    `json:"count,omitempty"`
	Delta    int     `json:"delta,omitempty"`
	Decision string  `json:"decision,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Attempts int     `json:"attempts,omitempty"`
	Stage    string  `json:"stage,omitempty"`
	Err      error   `json:"-"`
}

func (r ItemResult) Failed() bool { return r.Err != nil }

// CycleSummary counts one cycle.
type CycleSummary struct {
	Trigger  string    `json:"trigger"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Items    int       `json:"items"`
	OK       int       `json:"ok"`
	Failed   int       `json:"failed"`
	Updated  int       `json:"updated"`
	Skipped  int       `json:"skipped"`
	Notified int       `json:"notified"`
	Aborted  bool      `json:"aborted,omitempty"`

	Results []ItemResult `json:"-"`
}

type Totals struct {
	Cycles   uint64 `json:"cycles"`
	Aborted  uint64 `json:"aborted"`
	Items    uint64 `json:"items"`
	OK       uint64 `json:"ok"`
	Failed   uint64 `json:"failed"`
	Updated  uint64 `json:"updated"`
	Notified uint64 `json:"notified"`
	Digests  uint64 `json:"digests"`
}

type ErrorInfo struct {
	Message string    `json:"message"`
	ItemID  string    `json:"item_id,omitempty"`
	Stage   string    `json:"stage"`
	At      time.Time `json:"at"`
}

// Status is a point-in-time copy of the poller state. It resets on restart.
type Status struct {
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"interval"`
	LastCycle    *CycleSummary `json:"last_cycle,omitempty"`
	Totals       Totals        `json:"totals"`
	LastError    *ErrorInfo    `json:"last_error,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	NextCycle    time.Time     `json:"next_cycle,omitempty"`
	PendingBatch int           `json:"pending_batch"`
	NextFlush    time.Time     `json:"next_flush,omitempty"`
}
