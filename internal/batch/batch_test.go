package batch

import (
	"strings"
	"testing"
	"time"

	"chapterwatch/internal/notifier"
	"chapterwatch/internal/storage"
)

func event(id, title string, old, cur int) notifier.Event {
	return notifier.Event{ItemID: id, Title: title, OldCount: old, NewCount: cur, Delta: cur - old}
}

func TestAggregator_HourlyDigest(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	a := New(ModeHourly, 0)

	a.Enqueue(event("1", "Alpha", 10, 12), t0)
	a.Enqueue(event("2", "Beta", 3, 4), t0.Add(10*time.Minute))
	a.Enqueue(event("3", "Gamma", 7, 8), t0.Add(40*time.Minute))

	n, flushAt := a.Pending()
	if n != 3 || !flushAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("pending=%d flushAt=%v", n, flushAt)
	}
	if _, ok := a.FlushDue(t0.Add(59 * time.Minute)); ok {
		t.Fatal("flushed before the window closed")
	}

	d, ok := a.FlushDue(t0.Add(time.Hour))
	if !ok {
		t.Fatal("expected a digest at the window end")
	}
	if len(d.Entries) != 3 {
		t.Fatalf("entries: %+v", d.Entries)
	}
	if !strings.HasPrefix(d.Message, "3 series have new chapters: ") || !strings.Contains(d.Message, "Alpha (+2, now 12)") {
		t.Fatalf("message: %q", d.Message)
	}
	if n, _ := a.Pending(); n != 0 {
		t.Fatalf("queue not cleared: %d", n)
	}
	if _, ok := a.FlushDue(t0.Add(2 * time.Hour)); ok {
		t.Fatal("empty queue produced a digest")
	}

	msg := d.ToMessage()
	if msg.Kind != storage.KindDigest || len(msg.Refs) != 3 {
		t.Fatalf("message: %+v", msg)
	}
}

func TestAggregator_GroupsByItem(t *testing.T) {
	t0 := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	a := New(ModeDaily, 0)
	a.Enqueue(event("1", "Alpha", 10, 11), t0)
	a.Enqueue(event("1", "Alpha", 11, 13), t0.Add(time.Hour))

	d, ok := a.FlushDue(t0.Add(24 * time.Hour))
	if !ok {
		t.Fatal("expected digest")
	}
	if len(d.Entries) != 1 {
		t.Fatalf("entries: %+v", d.Entries)
	}
	e := d.Entries[0]
	if e.OldCount != 10 || e.NewCount != 13 || e.Delta != 3 {
		t.Fatalf("entry: %+v", e)
	}
	if d.Message != "1 series has new chapters: Alpha (+3, now 13)" {
		t.Fatalf("message: %q", d.Message)
	}
	refs := d.Refs()
	if len(refs) != 2 || refs[0] != (storage.Ref{ItemID: "1", Count: 11}) || refs[1] != (storage.Ref{ItemID: "1", Count: 13}) {
		t.Fatalf("refs: %+v", refs)
	}

	rec := d.Record(nil, nil)
	if rec.Kind != storage.KindDigest || rec.ItemID != "" || len(rec.Refs) != 2 {
		t.Fatalf("record: %+v", rec)
	}
}

func TestAggregator_WindowOverride(t *testing.T) {
	t0 := time.Now()
	a := New(ModeHourly, 5*time.Minute)
	a.Enqueue(event("1", "A", 1, 2), t0)
	if !a.Due(t0.Add(5 * time.Minute)) {
		t.Fatal("override window not applied")
	}
}

func TestAggregator_TurningOffMakesPendingDue(t *testing.T) {
	t0 := time.Now()
	a := New(ModeDaily, 0)
	a.Enqueue(event("1", "A", 1, 2), t0)
	if a.Due(t0) {
		t.Fatal("should not be due yet")
	}
	a.SetMode(ModeOff, 0)
	if a.Enabled() {
		t.Fatal("mode off should disable enqueueing")
	}
	if !a.Due(t0) {
		t.Fatal("pending entries should flush once batching is off")
	}
}

func TestAggregator_Drain(t *testing.T) {
	a := New(ModeHourly, 0)
	a.Enqueue(event("1", "A", 1, 2), time.Now())
	a.Enqueue(event("2", "B", 1, 2), time.Now())
	if got := a.Drain(); len(got) != 2 {
		t.Fatalf("drained %d", len(got))
	}
	if n, _ := a.Pending(); n != 0 {
		t.Fatal("queue not empty after drain")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeOff, "OFF": ModeOff, "hourly": ModeHourly, " daily ": ModeDaily} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("weekly"); err == nil {
		t.Fatal("expected error")
	}
}
