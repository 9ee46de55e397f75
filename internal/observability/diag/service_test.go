package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterwatch/internal/eventbus"
	"chapterwatch/internal/notifier"
	"chapterwatch/internal/poller"
	"chapterwatch/internal/storage"
	logx "chapterwatch/pkg/logx"
)

type fakePoller struct {
	err   error
	sum   poller.CycleSummary
	st    poller.Status
	calls int
}

func (f *fakePoller) PollNow(ctx context.Context) (poller.CycleSummary, error) {
	f.calls++
	return f.sum, f.err
}

func (f *fakePoller) Status() poller.Status { return f.st }

type fakeNotifier struct {
	err     error
	channel string
}

func (f *fakeNotifier) SendTest(ctx context.Context, channel string) (storage.NotificationRecord, error) {
	f.channel = channel
	return storage.NotificationRecord{ID: 7, Kind: storage.KindTest, Message: "test"}, f.err
}

func (f *fakeNotifier) Debug() []notifier.ChannelInfo {
	return []notifier.ChannelInfo{{Name: notifier.ChannelDiscord, Enabled: true}}
}

func newTestService(t *testing.T, cfg Config, deps Deps) http.Handler {
	t.Helper()
	return New(cfg, deps, logx.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestService(t, Config{Enabled: true}, Deps{})
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAuth(t *testing.T) {
	h := newTestService(t, Config{Enabled: true, Token: "s3cret"}, Deps{})

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz", map[string]string{"Authorization": "Basic s3cret"}).Code)
}

func TestPoll(t *testing.T) {
	p := &fakePoller{sum: poller.CycleSummary{Trigger: "manual", Items: 2, OK: 2}}
	h := newTestService(t, Config{Enabled: true}, Deps{Poller: p})

	rec := do(t, h, http.MethodPost, "/poll", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum poller.CycleSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 2, sum.Items)
	assert.Equal(t, 1, p.calls)

	p.err = poller.ErrCycleInProgress
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/poll", nil).Code)

	p.err = errors.New("watchlist unreadable")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPost, "/poll", nil).Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/poll", nil).Code)
}

func TestPollWithoutPoller(t *testing.T) {
	h := newTestService(t, Config{Enabled: true}, Deps{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/poll", nil).Code)
}

func TestNotifyTest(t *testing.T) {
	n := &fakeNotifier{}
	h := newTestService(t, Config{Enabled: true}, Deps{Notifier: n})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/notify/test", nil).Code)

	rec := do(t, h, http.MethodPost, "/notify/test?channel=discord", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "discord", n.channel)

	cases := []struct {
		err  error
		want int
	}{
		{notifier.ErrUnknownChannel, http.StatusBadRequest},
		{notifier.ErrChannelDisabled, http.StatusConflict},
		{errors.New("discord: status 500"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		n.err = tc.err
		assert.Equal(t, tc.want, do(t, h, http.MethodPost, "/notify/test?channel=discord", nil).Code, tc.err.Error())
	}
}

func TestNotifications(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := st.Record(ctx, storage.NotificationRecord{ItemID: "42", OldCount: i, NewCount: i + 1, Message: "m"})
		require.NoError(t, err)
	}

	h := newTestService(t, Config{Enabled: true}, Deps{History: st})
	rec := do(t, h, http.MethodGet, "/notifications?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []storage.NotificationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].NewCount)
}

func TestEvents(t *testing.T) {
	recent := eventbus.NewRecent(10)
	recent.Add(eventbus.Event{Type: eventbus.CycleStarted, Time: time.Now()})
	recent.Add(eventbus.Event{Type: eventbus.CycleFinished, Time: time.Now()})

	h := newTestService(t, Config{Enabled: true}, Deps{Recent: recent})
	rec := do(t, h, http.MethodGet, "/events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []eventbus.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.CycleFinished, got[0].Type)
}

func TestDetailsDegraded(t *testing.T) {
	p := &fakePoller{st: poller.Status{Running: true, Warnings: []string{"quiet hours disabled"}}}
	h := newTestService(t, Config{Enabled: true}, Deps{Poller: p, Notifier: &fakeNotifier{}})

	rec := do(t, h, http.MethodGet, "/health/details", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var d struct {
		Status   string                 `json:"status"`
		Channels []notifier.ChannelInfo `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "degraded", d.Status)
	require.Len(t, d.Channels, 1)
	assert.Equal(t, notifier.ChannelDiscord, d.Channels[0].Name)
}

func TestPprofOptIn(t *testing.T) {
	off := newTestService(t, Config{Enabled: true}, Deps{})
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/debug/pprof/", nil).Code)

	on := newTestService(t, Config{Enabled: true, Pprof: true}, Deps{})
	assert.Equal(t, http.StatusOK, do(t, on, http.MethodGet, "/debug/pprof/", nil).Code)
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop(ctx)
	assert.Equal(t, "", s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "", s.Addr())
}
