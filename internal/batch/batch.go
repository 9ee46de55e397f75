// Package batch collects chapter updates into periodic digests.
//
// The queue lives in memory only; pending entries are lost on restart.
package batch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"chapterwatch/internal/notifier"
	"chapterwatch/internal/storage"
)

type Mode string

const (
	ModeOff    Mode = "off"
	ModeHourly Mode = "hourly"
	ModeDaily  Mode = "daily"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none", "disabled":
		return ModeOff, nil
	case "hourly":
		return ModeHourly, nil
	case "daily":
		return ModeDaily, nil
	default:
		return "", fmt.Errorf("unknown batching mode %q (want off, hourly or daily)", s)
	}
}

// Window is the default window length of the mode.
func (m Mode) Window() time.Duration {
	switch m {
	case ModeHourly:
		return time.Hour
	case ModeDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Aggregator owns the single pending queue.
type Aggregator struct {
	mu      sync.Mutex
	mode    Mode
	window  time.Duration
	pending []notifier.Event
	flushAt time.Time
}

// New creates an aggregator. window <= 0 uses the mode's default.
func New(mode Mode, window time.Duration) *Aggregator {
	a := &Aggregator{}
	a.SetMode(mode, window)
	return a
}

// SetMode changes the mode on reload. Turning batching off leaves pending
// entries in place and makes them due immediately.
func (a *Aggregator) SetMode(mode Mode, window time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if window <= 0 {
		window = mode.Window()
	}
	a.mode = mode
	a.window = window
	if mode == ModeOff && len(a.pending) > 0 {
		a.flushAt = time.Time{}
	}
}

// Enabled reports whether new events should be queued.
func (a *Aggregator) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode != ModeOff && a.window > 0
}

// Enqueue appends ev. The first entry of an empty queue opens the window.
func (a *Aggregator) Enqueue(ev notifier.Event, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		a.flushAt = now.Add(a.window)
	}
	a.pending = append(a.pending, ev)
}

// Due reports whether a non-empty window has reached its flush time.
func (a *Aggregator) Due(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dueLocked(now)
}

func (a *Aggregator) dueLocked(now time.Time) bool {
	return len(a.pending) > 0 && !now.Before(a.flushAt)
}

// FlushDue returns the digest and clears the queue once the window is due.
func (a *Aggregator) FlushDue(now time.Time) (Digest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dueLocked(now) {
		return Digest{}, false
	}
	d := buildDigest(a.pending, now)
	a.pending = nil
	a.flushAt = time.Time{}
	return d, true
}

// Pending returns the queue size and the flush time (zero when empty).
func (a *Aggregator) Pending() (int, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return 0, time.Time{}
	}
	return len(a.pending), a.flushAt
}

// Drain empties the queue and returns what was dropped.
func (a *Aggregator) Drain() []notifier.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	a.flushAt = time.Time{}
	return out
}

// Entry is one item of a digest: deltas summed, latest count.
type Entry struct {
	ItemID   string `json:"item_id"`
	Title    string `json:"title"`
	OldCount int    `json:"old_count"`
	NewCount int    `json:"new_count"`
	Delta    int    `json:"delta"`
}

type Digest struct {
	Entries   []Entry
	Events    []notifier.Event
	Message   string
	CreatedAt time.Time
}

func buildDigest(events []notifier.Event, now time.Time) Digest {
	byID := map[string]int{}
	var entries []Entry
	for _, ev := range events {
		if i, ok := byID[ev.ItemID]; ok {
			e := &entries[i]
			e.Delta += ev.Delta
			if ev.NewCount > e.NewCount {
				e.NewCount = ev.NewCount
			}
			e.Title = ev.Title
			continue
		}
		byID[ev.ItemID] = len(entries)
		entries = append(entries, Entry{
			ItemID:   ev.ItemID,
			Title:    ev.Title,
			OldCount: ev.OldCount,
			NewCount: ev.NewCount,
			Delta:    ev.Delta,
		})
	}
	return Digest{
		Entries:   entries,
		Events:    append([]notifier.Event(nil), events...),
		Message:   renderDigest(entries),
		CreatedAt: now,
	}
}

func renderDigest(entries []Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s (+%d, now %d)", e.Title, e.Delta, e.NewCount))
	}
	verb := "have"
	if len(entries) == 1 {
		verb = "has"
	}
	return fmt.Sprintf("%d series %s new chapters: %s", len(entries), verb, strings.Join(parts, ", "))
}

// Refs lists every (item, count) pair the digest covers.
func (d Digest) Refs() []storage.Ref {
	out := make([]storage.Ref, 0, len(d.Events))
	seen := map[storage.Ref]bool{}
	for _, ev := range d.Events {
		r := storage.Ref{ItemID: ev.ItemID, Count: ev.NewCount}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// ItemIDs returns the distinct items in first-seen order.
func (d Digest) ItemIDs() []string {
	out := make([]string, 0, len(d.Entries))
	for _, e := range d.Entries {
		out = append(out, e.ItemID)
	}
	return out
}

func (d Digest) ToMessage() notifier.Message {
	return notifier.Message{
		Title: notifier.DefaultTitle,
		Body:  d.Message,
		Kind:  storage.KindDigest,
		Refs:  d.Refs(),
	}
}

func (d Digest) Record(outcomes []storage.ChannelOutcome, dispatchedAt *time.Time) storage.NotificationRecord {
	return storage.NotificationRecord{
		Kind:         storage.KindDigest,
		Message:      d.Message,
		Reason:       "batched",
		DetectedAt:   d.CreatedAt,
		DispatchedAt: dispatchedAt,
		Outcomes:     outcomes,
		Refs:         d.Refs(),
	}
}
