package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("item already tracked")
	ErrDuplicateSent = errors.New("a sent notification already exists for this item and count")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "file":   directory at Path holding watchlist.json and notifications.jsonl
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// ParseStatus accepts the canonical names and the reading-list aliases
// (reading, to-read, on-hold, finished, dropped).
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "reading":
		return StatusActive, nil
	case "paused", "on-hold", "on_hold", "to-read", "to_read", "plan-to-read":
		return StatusPaused, nil
	case "completed", "finished":
		return StatusCompleted, nil
	case "abandoned", "dropped":
		return StatusAbandoned, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Preferences are the per-item notification toggles.
type Preferences struct {
	Enabled bool `json:"enabled"`
	// Channels disables individual channels by name; a missing entry is enabled.
	Channels       map[string]bool `json:"channels,omitempty"`
	OnlyWhenActive bool            `json:"only_when_active"`
}

func DefaultPreferences() Preferences { return Preferences{Enabled: true} }

// ChannelEnabled reports whether the item wants alerts on channel.
func (p Preferences) ChannelEnabled(channel string) bool {
	if p.Channels == nil {
		return true
	}
	v, ok := p.Channels[channel]
	return !ok || v
}

// TrackedItem is one watched series.
//
// ID, Title, Status, LastRead and Preferences are user-owned; the poller
// writes LastKnownCount, LastCheckedAt, Cover and LastChapterAt only.
type TrackedItem struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Status         Status      `json:"status"`
	LastKnownCount *int        `json:"last_known_count,omitempty"`
	LastCheckedAt  *time.Time  `json:"last_checked_at,omitempty"`
	LastRead       int         `json:"last_read"`
	Cover          string      `json:"cover,omitempty"`
	LastChapterAt  string      `json:"last_chapter_at,omitempty"`
	AddedAt        time.Time   `json:"added_at"`
	Preferences    Preferences `json:"preferences"`
}

// Unread is the number of chapters past the user's reading progress.
func (it TrackedItem) Unread() int {
	if it.LastKnownCount == nil {
		return 0
	}
	return max(0, *it.LastKnownCount-it.LastRead)
}

// PollState is the narrow update the poller writes after a successful check.
// A nil Count touches the timestamp only; empty metadata keeps stored values.
type PollState struct {
	Count         *int
	CheckedAt     time.Time
	Cover         string
	LastChapterAt string
}

type Kind string

const (
	KindChapterUpdate Kind = "chapter_update"
	KindDigest        Kind = "digest"
	KindTest          Kind = "test"
)

type Result string

const (
	ResultSent    Result = "sent"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
)

type ChannelOutcome struct {
	Channel  string `json:"channel"`
	Result   Result `json:"result"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Ref is one (item, count) pair covered by a notification.
type Ref struct {
	ItemID string `json:"item_id"`
	Count  int    `json:"count"`
}

// NotificationRecord is an append-only history entry.
//
// For a given (item, count) at most one record with Sent=true exists;
// Record rejects violations with ErrDuplicateSent.
type NotificationRecord struct {
	ID           int64            `json:"id"`
	Kind         Kind             `json:"kind"`
	ItemID       string           `json:"item_id,omitempty"`
	Title        string           `json:"title,omitempty"`
	OldCount     int              `json:"old_count"`
	NewCount     int              `json:"new_count"`
	Message      string           `json:"message"`
	Reason       string           `json:"reason,omitempty"`
	DetectedAt   time.Time        `json:"detected_at"`
	DispatchedAt *time.Time       `json:"dispatched_at,omitempty"`
	Sent         bool             `json:"sent"`
	Outcomes     []ChannelOutcome `json:"outcomes,omitempty"`
	Refs         []Ref            `json:"refs,omitempty"`
}

// normalize fills derived fields before persisting.
func (r NotificationRecord) normalize() NotificationRecord {
	if r.Kind == "" {
		r.Kind = KindChapterUpdate
	}
	if r.DetectedAt.IsZero() {
		r.DetectedAt = time.Now().UTC()
	}
	if len(r.Refs) == 0 && r.Kind == KindChapterUpdate && r.ItemID != "" {
		r.Refs = []Ref{{ItemID: r.ItemID, Count: r.NewCount}}
	}
	for _, o := range r.Outcomes {
		if o.Result == ResultSent {
			r.Sent = true
			break
		}
	}
	return r
}
