package poller

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"chapterwatch/internal/batch"
	"chapterwatch/internal/eventbus"
	"chapterwatch/internal/storage"
	logx "chapterwatch/pkg/logx"
)

// Deps are the collaborators of the poller. Batch may be nil when batching
// is never used.
type Deps struct {
	Source     Source
	Dispatcher Dispatcher
	Watchlist  storage.Watchlist
	History    storage.History
	Batch      *batch.Aggregator
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

// Service owns the poll loop and the cycle lock shared by the loop, the
// manual trigger and the batch flush job.
type Service struct {
	src     Source
	disp    Dispatcher
	watch   storage.Watchlist
	history storage.History
	batch   *batch.Aggregator
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	cfg  Config
	wake chan struct{}

	cycleMu sync.Mutex

	stMu   sync.RWMutex
	status Status
}

func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("poller: source is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("poller: dispatcher is required")
	case deps.Watchlist == nil || deps.History == nil:
		return nil, errors.New("poller: watchlist and history are required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Batch == nil {
		deps.Batch = batch.New(batch.ModeOff, 0)
	}
	s := &Service{
		src:     deps.Source,
		disp:    deps.Dispatcher,
		watch:   deps.Watchlist,
		history: deps.History,
		batch:   deps.Batch,
		bus:     deps.Bus,
		log:     deps.Log,
		now:     deps.Now,
		sleep:   sleepCtx,
		wake:    make(chan struct{}, 1),
	}
	s.cfg = normalize(cfg)
	s.status.Interval = s.cfg.Interval
	s.status.Warnings = slices.Clone(s.cfg.Warnings)
	return s, nil
}

func normalize(cfg Config) Config {
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 0.5 {
		cfg.Jitter = 0.5
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBase {
		cfg.RetryMaxDelay = cfg.RetryBase
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 20 * time.Second
	}
	return cfg
}

// Apply swaps the configuration and wakes the loop so a new interval takes
// effect without waiting out the old sleep.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	old := s.cfg.Interval
	s.cfg = cfg
	s.mu.Unlock()

	s.stMu.Lock()
	s.status.Interval = cfg.Interval
	s.status.Warnings = slices.Clone(cfg.Warnings)
	s.stMu.Unlock()

	if old != cfg.Interval {
		s.log.Info("poll interval changed", logx.Duration("from", old), logx.Duration("to", cfg.Interval), logx.Float64("jitter", cfg.Jitter))
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run is the poll loop: a cycle, then a jittered sleep, until ctx is done.
// With a zero interval it parks until Apply enables it. The first cycle
// starts immediately.
func (s *Service) Run(ctx context.Context) error {
	var (
		next time.Time // zero: run now
		last time.Time
	)
	for {
		cfg := s.config()
		if cfg.Interval <= 0 {
			s.setNextCycle(time.Time{})
			s.log.Info("polling disabled; waiting for a non-zero interval")
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				next = time.Time{}
				continue
			}
		}

		if wait := next.Sub(s.now()); !next.IsZero() && wait > 0 {
			s.setNextCycle(next)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-s.wake:
				t.Stop()
				cfg = s.config()
				if !last.IsZero() && cfg.Interval > 0 {
					next = last.Add(jittered(cfg.Interval, cfg.Jitter))
				}
				continue
			case <-t.C:
			}
		}

		if _, err := s.cycle(ctx, "timer"); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
			s.log.Warn("poll cycle aborted", logx.Err(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		last = s.now()
		cfg = s.config()
		next = last.Add(jittered(cfg.Interval, cfg.Jitter))
	}
}

// PollNow runs one cycle immediately.
func (s *Service) PollNow(ctx context.Context) (CycleSummary, error) {
	return s.cycle(ctx, "manual")
}

// FlushDue sends the pending digest if its window has closed. It does not
// wait for a running cycle; the cycle flushes at its end anyway.
func (s *Service) FlushDue(ctx context.Context) error {
	if !s.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	_, err := s.flushDigest(ctx)
	s.refreshBatchStatus()
	return err
}

// Close drops the pending batch queue, which is not persisted.
func (s *Service) Close() {
	if dropped := s.batch.Drain(); len(dropped) > 0 {
		s.log.Warn("dropping pending batched notifications", logx.Int("count", len(dropped)))
	}
}

// DrainTimeout is how long an in-flight item may still run after a stop:
// its dispatch budget plus the storage writes that follow it.
func (s *Service) DrainTimeout() time.Duration {
	return s.config().ItemTimeout + 2*storeTimeout
}

// Status returns a copy of the current status.
func (s *Service) Status() Status {
	s.stMu.RLock()
	st := s.status
	st.Warnings = slices.Clone(s.status.Warnings)
	if s.status.LastCycle != nil {
		lc := *s.status.LastCycle
		st.LastCycle = &lc
	}
	if s.status.LastError != nil {
		le := *s.status.LastError
		st.LastError = &le
	}
	s.stMu.RUnlock()
	st.PendingBatch, st.NextFlush = s.batch.Pending()
	return st
}

func (s *Service) setNextCycle(t time.Time) {
	s.stMu.Lock()
	s.status.NextCycle = t
	s.stMu.Unlock()
}

func (s *Service) refreshBatchStatus() {
	n, at := s.batch.Pending()
	s.stMu.Lock()
	s.status.PendingBatch, s.status.NextFlush = n, at
	s.stMu.Unlock()
}

func (s *Service) noteError(itemID, stage string, err error) {
	s.stMu.Lock()
	s.status.LastError = &ErrorInfo{Message: err.Error(), ItemID: itemID, Stage: stage, At: s.now()}
	s.stMu.Unlock()
}

// jittered returns d scaled by a random factor in [1-j, 1+j].
func jittered(d time.Duration, j float64) time.Duration {
	if j <= 0 {
		return d
	}
	f := 1 + (rand.Float64()*2-1)*j
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
