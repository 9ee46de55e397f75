package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "chapterwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in       string
		wantCron string
		every    time.Duration
	}{
		{"@every 1m", "@every 1m0s", time.Minute},
		{"90s", "@every 1m30s", 90 * time.Second},
		{"00:50", "@every 50m0s", 50 * time.Minute},
		{"every: 2h", "@every 2h0m0s", 2 * time.Hour},
		{"@daily", "@daily", 0},
		{"*/5 * * * *", "*/5 * * * *", 0},
		{"0 30 3 * * *", "0 30 3 * * *", 0},
		{"cron: @hourly", "@hourly", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ps, err := ParseSchedule(tt.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if ps.Cron != tt.wantCron || ps.Every != tt.every {
				t.Fatalf("got %+v, want cron=%q every=%v", ps, tt.wantCron, tt.every)
			}
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, in := range []string{"", "soon", "-5m", "00:75", "@every", "cron:", "61 * * * *", "@fortnightly"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestSpreadSchedule_FirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "batch_flush")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter %v out of range", jitter)
	}
	first := sched.Next(now)
	if first.Before(now.Add(time.Minute)) || first.After(now.Add(time.Minute+maxStartupSpread)) {
		t.Fatalf("first run %v", first)
	}
	if next := sched.Next(first); !next.After(first) {
		t.Fatalf("next %v not after first %v", next, first)
	}
}

func TestService_RunsJob(t *testing.T) {
	s := New(logx.Nop())
	var runs atomic.Int32
	done := make(chan struct{}, 1)
	err := s.Register(Job{Name: "tick", Spec: "@every 100ms", Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			done <- struct{}{}
		}
		return errors.New("boom")
	}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}

	// lastErr is recorded after Run returns.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if len(snap) != 1 || snap[0].Name != "tick" {
			t.Fatalf("snapshot: %+v", snap)
		}
		if snap[0].Runs >= 1 && snap[0].LastErr == "boom" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never recorded the run: %+v", snap[0])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_RegisterUpsertAndRemove(t *testing.T) {
	s := New(logx.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.Register(Job{Name: "prune", Spec: "@daily", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Job{Name: "prune", Spec: "@hourly", Run: noop}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Spec != "@hourly" {
		t.Fatalf("snapshot: %+v", snap)
	}

	if err := s.Register(Job{Name: "prune", Spec: "", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("empty spec should remove the job")
	}
	if err := s.Register(Job{Name: "bad", Spec: "whenever", Run: noop}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}
