package diag

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strconv"
	"strings"
	"time"

	"chapterwatch/internal/notifier"
	"chapterwatch/internal/poller"
	logx "chapterwatch/pkg/logx"
)

// Handler builds the routing table for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("GET /healthz", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /health/details", auth(s.handleDetails))
	mux.HandleFunc("POST /poll", auth(s.handlePoll))
	mux.HandleFunc("POST /notify/test", auth(s.handleNotifyTest))
	mux.HandleFunc("GET /notifications", auth(s.handleNotifications))
	mux.HandleFunc("GET /events", auth(s.handleEvents))

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

type details struct {
	Status     string                 `json:"status"`
	Time       time.Time              `json:"time"`
	Goroutines int                    `json:"goroutines"`
	Poller     *poller.Status         `json:"poller,omitempty"`
	Channels   []notifier.ChannelInfo `json:"channels,omitempty"`
	Supervisor any                    `json:"supervisor,omitempty"`
	Jobs       any                    `json:"jobs,omitempty"`
}

func (s *Service) handleDetails(w http.ResponseWriter, r *http.Request) {
	d := details{Status: "ok", Time: time.Now().UTC(), Goroutines: runtime.NumGoroutine()}
	if p := s.deps.Poller; p != nil {
		st := p.Status()
		d.Poller = &st
		if len(st.Warnings) > 0 || (st.LastCycle != nil && (st.LastCycle.Aborted || st.LastCycle.Failed > 0)) {
			d.Status = "degraded"
		}
	}
	if n := s.deps.Notifier; n != nil {
		d.Channels = n.Debug()
	}
	if f := s.deps.Supervisor; f != nil {
		snap := f()
		if snap.FirstError != "" {
			d.Status = "degraded"
		}
		d.Supervisor = snap
	}
	if f := s.deps.Jobs; f != nil {
		d.Jobs = f()
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Service) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller unavailable")
		return
	}
	sum, err := s.deps.Poller.PollNow(r.Context())
	switch {
	case errors.Is(err, poller.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Warn("manual poll failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "summary": sum})
	default:
		writeJSON(w, http.StatusOK, sum)
	}
}

func (s *Service) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "notifier unavailable")
		return
	}
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel query parameter is required")
		return
	}
	rec, err := s.deps.Notifier.SendTest(r.Context(), channel)
	switch {
	case errors.Is(err, notifier.ErrUnknownChannel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notifier.ErrChannelDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "record": rec})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	recs, err := s.deps.History.ListRecords(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recent == nil {
		writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Recent.List(queryLimit(r, 100)))
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
