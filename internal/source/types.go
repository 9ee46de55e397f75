package source

import "time"

// Series is the subset of upstream series metadata the watcher uses.
type Series struct {
	ID    string
	Title string
	// TotalChapters is nil when the upstream has not published a count.
	TotalChapters *int
	State         string
	Cover         string
	LastChapterAt string

	// MergedInto is set when the requested id was merged into another series
	// and the data above belongs to that series.
	MergedInto string
	FetchedAt  time.Time
}
