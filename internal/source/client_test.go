package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	c, err := New(Config{
		BaseURL:      srv.URL,
		AllowedHosts: []string{u.Hostname()},
		Timeout:      2 * time.Second,
		RatePerSec:   1000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestFetchSeriesEnvelope(t *testing.T) {
	t.Parallel()

	var path atomic.Value
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":200,"data":{"id":123,"title":"Blue Flag","total_chapters":"54",
			"state":"active","cover":{"small":null,"default":"https://cdn/x.jpg"},
			"source":{"anilist":{"last_updated_at":"2026-05-01T00:00:00Z"}}}}`))
	})

	s, err := c.FetchSeries(context.Background(), "123")
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if got := path.Load(); got != "/v1/series/123/full" {
		t.Fatalf("path=%v", got)
	}
	if s.ID != "123" || s.Title != "Blue Flag" {
		t.Fatalf("series=%+v", s)
	}
	if s.TotalChapters == nil || *s.TotalChapters != 54 {
		t.Fatalf("total=%v", s.TotalChapters)
	}
	if s.Cover != "https://cdn/x.jpg" || s.LastChapterAt != "2026-05-01T00:00:00Z" {
		t.Fatalf("metadata=%+v", s)
	}
	if s.FetchedAt.IsZero() {
		t.Fatalf("FetchedAt not set")
	}
}

func TestParseSeriesCounts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		want    int
		wantNil bool
		wantErr bool
	}{
		{name: "bare number", body: `{"id":"1","total_chapters":12}`, want: 12},
		{name: "numeric string", body: `{"id":"1","total_chapters":"12"}`, want: 12},
		{name: "float string", body: `{"id":"1","total_chapters":"12.0"}`, want: 12},
		{name: "null", body: `{"id":"1","total_chapters":null}`, wantNil: true},
		{name: "absent", body: `{"id":"1"}`, wantNil: true},
		{name: "empty string", body: `{"id":"1","total_chapters":""}`, wantNil: true},
		{name: "fraction", body: `{"id":"1","total_chapters":12.5}`, wantErr: true},
		{name: "negative", body: `{"id":"1","total_chapters":-3}`, wantErr: true},
		{name: "words", body: `{"id":"1","total_chapters":"many"}`, wantErr: true},
		{name: "object", body: `{"id":"1","total_chapters":{"n":1}}`, wantErr: true},
		{name: "missing id", body: `{"total_chapters":3}`, wantErr: true},
		{name: "not json", body: `<html>`, wantErr: true},
		{name: "array", body: `[1,2]`, wantErr: true},
		{name: "data not object", body: `{"status":200,"data":"x"}`, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := parseSeries([]byte(tc.body))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", s)
				}
				if !errors.Is(err, ErrInvalidResponse) {
					t.Fatalf("err=%v, want ErrInvalidResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantNil {
				if s.TotalChapters != nil {
					t.Fatalf("want nil count, got %d", *s.TotalChapters)
				}
				return
			}
			if s.TotalChapters == nil || *s.TotalChapters != tc.want {
				t.Fatalf("count=%v want %d", s.TotalChapters, tc.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusNotFound, false},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, err := c.FetchSeries(context.Background(), "5")
			if err == nil {
				t.Fatalf("expected error")
			}
			if IsTransient(err) != tc.transient || IsPermanent(err) == tc.transient {
				t.Fatalf("status %d: err=%v transient=%v", tc.status, err, IsTransient(err))
			}
			var se *Error
			if !errors.As(err, &se) || se.StatusCode != tc.status {
				t.Fatalf("status not carried: %v", err)
			}
		})
	}
}

func TestEnvelopeStatusClassified(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":503,"data":{}}`))
	})
	_, err := c.FetchSeries(context.Background(), "5")
	if !IsTransient(err) {
		t.Fatalf("err=%v, want transient", err)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchSeries(ctx, "5")
	if !IsTransient(err) {
		t.Fatalf("err=%v, want transient", err)
	}
}

func TestInvalidIDRejectedWithoutRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	for _, id := range []string{"", "abc", "-4", "0", "12/../../admin", "+3"} {
		_, err := c.FetchSeries(context.Background(), id)
		if !IsPermanent(err) || !errors.Is(err, ErrInvalidID) {
			t.Fatalf("id %q: err=%v", id, err)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("invalid ids must not reach the network")
	}
}

func TestMergedSeriesFollowedOnce(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/10/"):
			_, _ = w.Write([]byte(`{"status":200,"data":{"id":10,"state":"merged","merged_with":20,"total_chapters":3}}`))
		case strings.Contains(r.URL.Path, "/20/"):
			_, _ = w.Write([]byte(`{"status":200,"data":{"id":20,"title":"Merged","state":"active","total_chapters":40}}`))
		default:
			http.NotFound(w, r)
		}
	})
	s, err := c.FetchSeries(context.Background(), "10")
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if s.MergedInto != "20" || s.ID != "20" || *s.TotalChapters != 40 {
		t.Fatalf("series=%+v", s)
	}
}

func TestNewRejectsHostOutsideAllowList(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "https://evil.example", AllowedHosts: []string{"api.mangabaka.dev"}})
	if !errors.Is(err, ErrHostNotAllowed) {
		t.Fatalf("err=%v", err)
	}
	if _, err := New(Config{BaseURL: "file:///etc/passwd", AllowedHosts: []string{""}}); err == nil {
		t.Fatalf("non-http scheme must be rejected")
	}
}

func TestRedirectOffAllowListRefused(t *testing.T) {
	t.Parallel()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":1,"total_chapters":1}`))
	}))
	defer other.Close()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		target := strings.Replace(other.URL, "127.0.0.1", "localhost", 1) + r.URL.Path
		http.Redirect(w, r, target, http.StatusFound)
	})
	_, err := c.FetchSeries(context.Background(), "1")
	if !IsPermanent(err) || !errors.Is(err, ErrHostNotAllowed) {
		t.Fatalf("err=%v", err)
	}
}
