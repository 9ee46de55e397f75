// Package policy decides what happens to a detected chapter update:
// deliver now, queue it for the next digest, or suppress it.
//
// Evaluate is pure; all inputs are passed in and nothing is persisted.
package policy

import (
	"time"

	"chapterwatch/internal/storage"
)

type Decision int

const (
	Deliver Decision = iota
	Enqueue
	Suppress
)

func (d Decision) String() string {
	switch d {
	case Deliver:
		return "deliver"
	case Enqueue:
		return "enqueue"
	case Suppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// Reasons attached to non-deliver decisions; they end up in history records.
const (
	ReasonDisabled   = "disabled"
	ReasonNotActive  = "not_active"
	ReasonBatched    = "batched"
	ReasonQuietHours = "quiet_hours"
)

type Result struct {
	Decision Decision
	Reason   string
}

// Settings are the global policy inputs.
type Settings struct {
	QuietHours QuietHours
	// Batching is true when the batch mode is hourly or daily.
	Batching bool
}

// Evaluate applies, in order: item disabled, only-when-active, batching,
// quiet hours. Batching wins over quiet hours; a quiet-hours suppression
// without batching drops the alert.
func Evaluate(s Settings, item storage.TrackedItem, now time.Time) Result {
	prefs := item.Preferences
	if !prefs.Enabled {
		return Result{Decision: Suppress, Reason: ReasonDisabled}
	}
	if prefs.OnlyWhenActive && item.Status != storage.StatusActive {
		return Result{Decision: Suppress, Reason: ReasonNotActive}
	}
	if s.Batching {
		return Result{Decision: Enqueue, Reason: ReasonBatched}
	}
	if s.QuietHours.Contains(now) {
		return Result{Decision: Suppress, Reason: ReasonQuietHours}
	}
	return Result{Decision: Deliver}
}
