package main

import (
	"testing"

	"chapterwatch/internal/storage"
)

func TestPrefsString(t *testing.T) {
	cases := []struct {
		p    storage.Preferences
		want string
	}{
		{storage.Preferences{}, "off"},
		{storage.DefaultPreferences(), "on"},
		{storage.Preferences{Enabled: true, OnlyWhenActive: true}, "on,active-only"},
		{storage.Preferences{Enabled: true, Channels: map[string]bool{"discord": false, "pushover": true}}, "on,muted=discord"},
	}
	for _, tc := range cases {
		if got := prefsString(tc.p); got != tc.want {
			t.Fatalf("prefsString(%+v) = %q, want %q", tc.p, got, tc.want)
		}
	}
}

func TestOutcomeSummary(t *testing.T) {
	if got := outcomeSummary(nil); got != "-" {
		t.Fatalf("got %q", got)
	}
	got := outcomeSummary([]storage.ChannelOutcome{
		{Channel: "pushover", Result: storage.ResultSent},
		{Channel: "discord", Result: storage.ResultFailed},
	})
	if got != "pushover:sent,discord:failed" {
		t.Fatalf("got %q", got)
	}
}

func TestCountString(t *testing.T) {
	n := 12
	if countString(nil) != "-" || countString(&n) != "12" {
		t.Fatal("unexpected count rendering")
	}
}
