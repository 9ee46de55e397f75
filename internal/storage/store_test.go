package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "chapterwatch/pkg/logx"
)

func intp(v int) *int { return &v }

// openTestStores returns one store per driver, closed on cleanup.
func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "sqlite", Path: filepath.Join(dir, "cw.db")},
		{Driver: "file", Path: filepath.Join(dir, "files")},
	} {
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err, cfg.Driver)
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func TestWatchlistCRUD(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		_, err := st.AddItem(ctx, TrackedItem{ID: "101", Title: "Alpha", Preferences: DefaultPreferences()})
		require.NoError(t, err)
		_, err = st.AddItem(ctx, TrackedItem{ID: "202", Title: "Beta", Status: StatusPaused, Preferences: DefaultPreferences()})
		require.NoError(t, err)

		_, err = st.AddItem(ctx, TrackedItem{ID: "101"})
		require.ErrorIs(t, err, ErrExists)

		all, err := st.ListItems(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "101", all[0].ID, "insertion order is preserved")
		assert.Nil(t, all[0].LastKnownCount, "new items have no baseline")

		active, err := st.ListActiveItems(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "Alpha", active[0].Title)

		updated, err := st.UpdateItem(ctx, "202", func(it *TrackedItem) error {
			it.Status = StatusActive
			it.LastRead = 4
			it.Preferences.Channels = map[string]bool{"discord": false}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusActive, updated.Status)

		prefs, err := st.GetPreferences(ctx, "202")
		require.NoError(t, err)
		assert.True(t, prefs.Enabled)
		assert.False(t, prefs.ChannelEnabled("discord"))
		assert.True(t, prefs.ChannelEnabled("pushover"))

		require.NoError(t, st.RemoveItem(ctx, "101"))
		require.ErrorIs(t, st.RemoveItem(ctx, "101"), ErrNotFound)
		_, err = st.GetItem(ctx, "101")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdatePollStateIsNarrow(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.AddItem(ctx, TrackedItem{ID: "7", Title: "Gamma", LastRead: 3, Preferences: DefaultPreferences()})
		require.NoError(t, err)

		// A user edit lands between the poller's read and write.
		_, err = st.UpdateItem(ctx, "7", func(it *TrackedItem) error {
			it.Title = "Gamma (renamed)"
			it.Preferences.Enabled = false
			return nil
		})
		require.NoError(t, err)

		checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, st.UpdatePollState(ctx, "7", PollState{Count: intp(12), CheckedAt: checked, Cover: "https://img/c.jpg"}))

		it, err := st.GetItem(ctx, "7")
		require.NoError(t, err)
		require.NotNil(t, it.LastKnownCount)
		assert.Equal(t, 12, *it.LastKnownCount)
		require.NotNil(t, it.LastCheckedAt)
		assert.True(t, it.LastCheckedAt.Equal(checked))
		assert.Equal(t, "Gamma (renamed)", it.Title)
		assert.False(t, it.Preferences.Enabled)
		assert.Equal(t, 3, it.LastRead)
		assert.Equal(t, "https://img/c.jpg", it.Cover)
		assert.Equal(t, 9, it.Unread())

		// Timestamp-only touch keeps the count.
		later := checked.Add(time.Hour)
		require.NoError(t, st.UpdatePollState(ctx, "7", PollState{CheckedAt: later}))
		it, err = st.GetItem(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, 12, *it.LastKnownCount)
		assert.True(t, it.LastCheckedAt.Equal(later))
		assert.Equal(t, "https://img/c.jpg", it.Cover)

		require.ErrorIs(t, st.UpdatePollState(ctx, "missing", PollState{Count: intp(1)}), ErrNotFound)
	})
}

func TestHistoryDedupe(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		sent, err := st.HasSent(ctx, "A", 12)
		require.NoError(t, err)
		assert.False(t, sent)

		rec, err := st.Record(ctx, NotificationRecord{
			ItemID: "A", Title: "A", OldCount: 10, NewCount: 12, Message: "A now has 12 chapters.",
			Outcomes: []ChannelOutcome{{Channel: "pushover", Result: ResultSent}},
		})
		require.NoError(t, err)
		assert.NotZero(t, rec.ID)
		assert.True(t, rec.Sent, "sent is derived from outcomes")
		assert.Equal(t, KindChapterUpdate, rec.Kind)

		sent, err = st.HasSent(ctx, "A", 12)
		require.NoError(t, err)
		assert.True(t, sent)

		_, err = st.Record(ctx, NotificationRecord{
			ItemID: "A", NewCount: 12,
			Outcomes: []ChannelOutcome{{Channel: "discord", Result: ResultSent}},
		})
		require.ErrorIs(t, err, ErrDuplicateSent)

		// Failed or suppressed attempts never block a later success.
		_, err = st.Record(ctx, NotificationRecord{
			ItemID: "B", NewCount: 5, Reason: "quiet_hours",
			Outcomes: []ChannelOutcome{{Channel: "pushover", Result: ResultSkipped}},
		})
		require.NoError(t, err)
		_, err = st.Record(ctx, NotificationRecord{
			ItemID: "B", NewCount: 5,
			Outcomes: []ChannelOutcome{{Channel: "pushover", Result: ResultFailed, Error: "503"}},
		})
		require.NoError(t, err)
		sent, err = st.HasSent(ctx, "B", 5)
		require.NoError(t, err)
		assert.False(t, sent)
	})
}

func TestDigestRecordCoversAllRefs(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		rec, err := st.Record(ctx, NotificationRecord{
			Kind:     KindDigest,
			Message:  "3 series have new chapters",
			Refs:     []Ref{{"A", 3}, {"B", 8}, {"C", 21}},
			Outcomes: []ChannelOutcome{{Channel: "telegram", Result: ResultSent}},
		})
		require.NoError(t, err)

		for _, r := range rec.Refs {
			sent, err := st.HasSent(ctx, r.ItemID, r.Count)
			require.NoError(t, err)
			assert.True(t, sent, r.ItemID)
		}

		list, err := st.ListRecords(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, KindDigest, list[0].Kind)
		assert.Len(t, list[0].Refs, 3)
		require.Len(t, list[0].Outcomes, 1)
		assert.Equal(t, "telegram", list[0].Outcomes[0].Channel)
	})
}

func TestHistoryListDeleteClearPrune(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

		var ids []int64
		for i, at := range []time.Time{old, recent, recent.Add(time.Minute)} {
			rec, err := st.Record(ctx, NotificationRecord{ItemID: "X", NewCount: i + 1, DetectedAt: at})
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}

		list, err := st.ListRecords(ctx, 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ids[2], list[0].ID, "newest first")

		n, err := st.PruneRecords(ctx, recent)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		require.NoError(t, st.DeleteRecord(ctx, ids[1]))
		require.ErrorIs(t, st.DeleteRecord(ctx, ids[1]), ErrNotFound)

		n, err = st.ClearRecords(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		list, err = st.ListRecords(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: dir}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	_, err = st.AddItem(ctx, TrackedItem{ID: "1", Title: "One", Preferences: DefaultPreferences()})
	require.NoError(t, err)
	require.NoError(t, st.UpdatePollState(ctx, "1", PollState{Count: intp(4)}))
	_, err = st.Record(ctx, NotificationRecord{ItemID: "1", NewCount: 4, Outcomes: []ChannelOutcome{{Channel: "webhook", Result: ResultSent}}})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	it, err := st.GetItem(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, it.LastKnownCount)
	assert.Equal(t, 4, *it.LastKnownCount)

	sent, err := st.HasSent(ctx, "1", 4)
	require.NoError(t, err)
	assert.True(t, sent, "dedupe index is rebuilt from the journal")

	rec, err := st.Record(ctx, NotificationRecord{ItemID: "1", NewCount: 5})
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.ID)
}

func TestFileStoreSharedBetweenProcesses(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: dir}

	daemon, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer daemon.Close()
	_, err = daemon.AddItem(ctx, TrackedItem{ID: "1", Title: "A", Preferences: DefaultPreferences()})
	require.NoError(t, err)

	cli, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer cli.Close()
	_, err = cli.UpdateItem(ctx, "1", func(it *TrackedItem) error {
		it.Title = "Edited"
		it.Status = StatusPaused
		return nil
	})
	require.NoError(t, err)
	_, err = cli.AddItem(ctx, TrackedItem{ID: "2", Title: "B", Preferences: DefaultPreferences()})
	require.NoError(t, err)

	require.NoError(t, daemon.UpdatePollState(ctx, "1", PollState{Count: intp(12)}))

	items, err := daemon.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2, "item added elsewhere survives the poll-state write")
	assert.Equal(t, "Edited", items[0].Title)
	assert.Equal(t, StatusPaused, items[0].Status)
	require.NotNil(t, items[0].LastKnownCount)
	assert.Equal(t, 12, *items[0].LastKnownCount)

	// History written by one side is visible to the other's dedupe check.
	_, err = daemon.Record(ctx, NotificationRecord{ItemID: "1", NewCount: 12, Outcomes: []ChannelOutcome{{Channel: "webhook", Result: ResultSent}}})
	require.NoError(t, err)
	sent, err := cli.HasSent(ctx, "1", 12)
	require.NoError(t, err)
	assert.True(t, sent)

	n, err := cli.ClearRecords(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	recs, err := daemon.ListRecords(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	reopened, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	it, err := reopened.GetItem(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Edited", it.Title)
	require.NotNil(t, it.LastKnownCount)
	assert.Equal(t, 12, *it.LastKnownCount)
}

func TestParseStatusAliases(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"reading":  StatusActive,
		"":         StatusActive,
		"on-hold":  StatusPaused,
		"to-read":  StatusPaused,
		"finished": StatusCompleted,
		"dropped":  StatusAbandoned,
		"Paused":   StatusPaused,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStatus("binge")
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "none"}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
}
