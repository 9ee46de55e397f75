package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a daily wall-clock window. The zero value is disabled.
type QuietHours struct {
	start, end int // minutes since midnight
	loc        *time.Location
	set        bool
}

// ParseQuietHours parses "HH:MM" bounds in the IANA zone tz (empty = UTC).
// Both bounds empty disables quiet hours; start after end wraps midnight;
// start equal to end is an empty window.
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	if start == "" || end == "" {
		return QuietHours{}, fmt.Errorf("quiet hours need both start and end (got %q, %q)", start, end)
	}
	s, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours end: %w", err)
	}
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("quiet hours timezone %q: %w", tz, err)
		}
	}
	return QuietHours{start: s, end: e, loc: loc, set: true}, nil
}

func parseClock(v string) (int, error) {
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || len(mm) != 2 || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
	}
	return h*60 + m, nil
}

func (q QuietHours) Enabled() bool { return q.set && q.start != q.end }

// Contains reports whether t falls inside the window. The start minute is
// inside, the end minute is not.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	lt := t.In(q.loc)
	m := lt.Hour()*60 + lt.Minute()
	if q.start < q.end {
		return m >= q.start && m < q.end
	}
	return m >= q.start || m < q.end
}

func (q QuietHours) String() string {
	if !q.set {
		return "off"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", q.start/60, q.start%60, q.end/60, q.end%60, q.loc)
}

// NewSettings builds Settings from raw configuration values. Invalid quiet
// hours fail closed to "no quiet hours" and are returned as warnings.
func NewSettings(start, end, tz string, batching bool) (Settings, []string) {
	var warnings []string
	qh, err := ParseQuietHours(start, end, tz)
	if err != nil {
		warnings = append(warnings, err.Error()+"; quiet hours disabled")
		qh = QuietHours{}
	}
	return Settings{QuietHours: qh, Batching: batching}, warnings
}
