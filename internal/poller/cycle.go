package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"chapterwatch/internal/eventbus"
	"chapterwatch/internal/notifier"
	"chapterwatch/internal/policy"
	"chapterwatch/internal/source"
	"chapterwatch/internal/storage"
	logx "chapterwatch/pkg/logx"
)

func (s *Service) cycle(ctx context.Context, trigger string) (CycleSummary, error) {
	if !s.cycleMu.TryLock() {
		return CycleSummary{}, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()

	cfg := s.config()
	sum := CycleSummary{Trigger: trigger, Started: s.now()}
	s.stMu.Lock()
	s.status.Running = true
	s.stMu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: trigger})

	defer func() {
		sum.Finished = s.now()
		s.finishCycle(sum)
	}()

	items, err := s.listItems(ctx, cfg)
	if err != nil {
		sum.Aborted = true
		err = fmt.Errorf("list watchlist: %w", err)
		s.noteError("", StageList, err)
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleAborted, Data: err.Error()})
		return sum, err
	}

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		res := s.checkItem(ctx, cfg, it)
		sum.Results = append(sum.Results, res)
		sum.Items++
		switch {
		case res.Outcome == OutcomeSkipped:
			sum.Skipped++
		case res.Failed():
			sum.Failed++
		default:
			sum.OK++
		}
		if res.Outcome == OutcomeUpdated {
			sum.Updated++
			if res.Decision == policy.Deliver.String() {
				sum.Notified++
			}
		}
	}

	if ctx.Err() == nil {
		if sent, err := s.flushDigest(ctx); err != nil {
			s.noteError("", StageFlush, err)
		} else if sent {
			sum.Notified++
		}
	}
	return sum, nil
}

func (s *Service) finishCycle(sum CycleSummary) {
	n, at := s.batch.Pending()
	s.stMu.Lock()
	st := &s.status
	st.Running = false
	lc := sum
	lc.Results = nil
	st.LastCycle = &lc
	st.Totals.Cycles++
	if sum.Aborted {
		st.Totals.Aborted++
	}
	st.Totals.Items += uint64(sum.Items)
	st.Totals.OK += uint64(sum.OK)
	st.Totals.Failed += uint64(sum.Failed)
	st.Totals.Updated += uint64(sum.Updated)
	st.Totals.Notified += uint64(sum.Notified)
	st.PendingBatch, st.NextFlush = n, at
	s.stMu.Unlock()

	if !sum.Aborted {
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: lc})
	}
	s.log.Info("poll cycle finished",
		logx.String("trigger", sum.Trigger),
		logx.Int("items", sum.Items),
		logx.Int("ok", sum.OK),
		logx.Int("failed", sum.Failed),
		logx.Int("updated", sum.Updated),
		logx.Int("skipped", sum.Skipped),
		logx.Duration("took", sum.Finished.Sub(sum.Started)),
	)
}

func (s *Service) listItems(ctx context.Context, cfg Config) ([]storage.TrackedItem, error) {
	if cfg.PollPaused {
		return s.watch.ListItems(ctx)
	}
	return s.watch.ListActiveItems(ctx)
}

func eligible(cfg Config, st storage.Status) bool {
	return st == storage.StatusActive || (cfg.PollPaused && st == storage.StatusPaused)
}

// checkItem polls one item. A panic anywhere below is contained to the item.
func (s *Service) checkItem(ctx context.Context, cfg Config, it storage.TrackedItem) (res ItemResult) {
	log := s.log.With(logx.String("item", it.ID))
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Error("item check panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = ItemResult{ItemID: it.ID, Outcome: OutcomeFailed, Stage: StagePanic, Err: err}
		}
		if res.Err != nil {
			s.noteError(it.ID, res.Stage, res.Err)
			s.bus.Publish(eventbus.Event{Type: eventbus.ItemFailed, Data: ErrorInfo{Message: res.Err.Error(), ItemID: it.ID, Stage: res.Stage, At: s.now()}})
		}
	}()

	if !eligible(cfg, it.Status) {
		return ItemResult{ItemID: it.ID, Outcome: OutcomeSkipped, Reason: string(it.Status)}
	}

	series, attempts, err := s.fetch(ctx, cfg, it.ID)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: abandon quietly, the next run picks it up.
			return ItemResult{ItemID: it.ID, Outcome: OutcomeSkipped, Reason: "shutdown", Attempts: attempts}
		}
		out := OutcomeSourceUnavailable
		if source.IsPermanent(err) {
			out = OutcomeInvalidResponse
		}
		log.Warn("item check failed", logx.String("outcome", string(out)), logx.Int("attempts", attempts), logx.Err(err))
		return ItemResult{ItemID: it.ID, Outcome: out, Reason: err.Error(), Attempts: attempts, Stage: StageFetch, Err: err}
	}
	if series.MergedInto != "" {
		log.Info("series merged upstream", logx.String("merged_into", series.MergedInto))
	}

	// The fetch is done; finish the write and dispatch even if we are
	// being stopped, bounded by the item timeout.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ItemTimeout)
	defer cancel()

	now := s.now()
	st := storage.PollState{CheckedAt: now, Cover: series.Cover, LastChapterAt: series.LastChapterAt}
	res = ItemResult{ItemID: it.ID, Attempts: attempts, Count: series.TotalChapters}

	cur := series.TotalChapters
	switch {
	case cur == nil:
		res.Outcome = OutcomeUnchanged
		res.Reason = "no count published"
	case it.LastKnownCount == nil:
		res.Outcome = OutcomeBaseline
		st.Count = cur
		log.Info("baseline recorded", logx.Int("count", *cur))
	case *cur == *it.LastKnownCount:
		res.Outcome = OutcomeUnchanged
		st.Count = cur
	case *cur < *it.LastKnownCount:
		res.Outcome = OutcomeDecreased
		st.Count = cur
		log.Warn("chapter count decreased", logx.Int("from", *it.LastKnownCount), logx.Int("to", *cur))
	default:
		res.Outcome = OutcomeUpdated
		res.Delta = *cur - *it.LastKnownCount
		st.Count = cur
		decision, reason, stage, err := s.notify(wctx, cfg, it, *cur, now)
		res.Decision, res.Reason = decision, reason
		if err != nil {
			res.Stage, res.Err = stage, err
			if stage == StageHistory {
				// Without a dedupe answer, leave the count alone so the
				// next cycle sees the change again.
				log.Warn("history lookup failed; state not advanced", logx.Err(err))
				return res
			}
			log.Error("notification record failed", logx.Err(err))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.ItemUpdated, Data: res})
	}

	uctx, ucancel := storeContext(ctx)
	defer ucancel()
	if err := s.watch.UpdatePollState(uctx, it.ID, st); err != nil {
		log.Error("poll state update failed", logx.Err(err))
		res.Stage, res.Err = StageUpdate, fmt.Errorf("update poll state: %w", err)
	}
	return res
}

// fetch calls the source with a per-attempt timeout, retrying transient
// failures with capped, jittered exponential backoff.
func (s *Service) fetch(ctx context.Context, cfg Config, id string) (source.Series, int, error) {
	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, cfg.ItemTimeout)
		series, err := s.src.FetchSeries(actx, id)
		cancel()
		if err == nil {
			return series, attempt + 1, nil
		}
		lastErr = err
		if ctx.Err() != nil || source.IsPermanent(err) || attempt == cfg.Attempts-1 {
			return source.Series{}, attempt + 1, err
		}
		d := backoff(cfg, attempt)
		s.log.Debug("source retry", logx.String("item", id), logx.Int("attempt", attempt+1), logx.Duration("delay", d), logx.Err(err))
		if err := s.sleep(ctx, d); err != nil {
			return source.Series{}, attempt + 1, lastErr
		}
	}
	return source.Series{}, cfg.Attempts, lastErr
}

// storeTimeout bounds a storage write made after the item's outcome is
// known. It is separate from the item timeout so a slow dispatch cannot
// leave the write without a budget.
const storeTimeout = 5 * time.Second

func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// backoff is RetryBase*2^attempt capped at RetryMaxDelay, +-20%.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 0; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	return jittered(d, 0.2)
}

// notify handles a detected increase: dedupe, policy, then dispatch,
// enqueue or suppress. It returns the decision, its reason and, on error,
// the failing stage.
func (s *Service) notify(ctx context.Context, cfg Config, it storage.TrackedItem, count int, now time.Time) (string, string, string, error) {
	log := s.log.With(logx.String("item", it.ID), logx.Int("count", count))

	sent, err := s.history.HasSent(ctx, it.ID, count)
	if err != nil {
		return "", "", StageHistory, fmt.Errorf("check history: %w", err)
	}
	if sent {
		log.Debug("already notified for this count")
		return "", "already_sent", "", nil
	}

	// Preferences may have changed since the cycle snapshot.
	if prefs, err := s.watch.GetPreferences(ctx, it.ID); err == nil {
		it.Preferences = prefs
	} else {
		log.Warn("reading preferences failed; using snapshot", logx.Err(err))
	}

	ev := notifier.NewEvent(it, count, now)
	settings := cfg.Policy
	settings.Batching = settings.Batching && s.batch.Enabled()
	res := policy.Evaluate(settings, it, now)
	decision := res.Decision.String()

	switch res.Decision {
	case policy.Enqueue:
		s.batch.Enqueue(ev, now)
		log.Info("chapter update batched")
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyEnqueued, Data: ev})
		return decision, res.Reason, "", nil

	case policy.Suppress:
		log.Info("chapter update suppressed", logx.String("reason", res.Reason))
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifySuppressed, Data: ev})
		rctx, rcancel := storeContext(ctx)
		defer rcancel()
		if _, err := s.history.Record(rctx, ev.Record(nil, res.Reason, nil)); err != nil {
			return decision, res.Reason, StageRecord, fmt.Errorf("record suppressed notification: %w", err)
		}
		return decision, res.Reason, "", nil
	}

	outcomes := s.disp.Dispatch(ctx, ev.ToMessage(), it.Preferences.ChannelEnabled)
	dispatched := s.now()
	rctx, rcancel := storeContext(ctx)
	defer rcancel()
	rec, err := s.history.Record(rctx, ev.Record(outcomes, "", &dispatched))
	switch {
	case errors.Is(err, storage.ErrDuplicateSent):
		log.Warn("duplicate sent notification rejected by history")
	case err != nil:
		return decision, "", StageRecord, fmt.Errorf("record notification: %w", err)
	case !rec.Sent:
		log.Warn("chapter update not delivered on any channel", logx.Int("channels", len(outcomes)))
	}
	return decision, "", "", nil
}

// flushDigest sends the pending digest if its window is due. Channels are
// allowed when any included item allows them.
func (s *Service) flushDigest(ctx context.Context) (bool, error) {
	d, ok := s.batch.FlushDue(s.now())
	if !ok {
		return false, nil
	}
	// Once taken from the aggregator the digest must go out and be recorded,
	// so it is not cut short by a stop, only by the item timeout.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config().ItemTimeout)
	defer cancel()
	ctx = dctx

	prefs := make([]storage.Preferences, 0, len(d.Entries))
	for _, id := range d.ItemIDs() {
		p, err := s.watch.GetPreferences(ctx, id)
		if err != nil {
			p = storage.DefaultPreferences()
		}
		prefs = append(prefs, p)
	}
	allow := func(ch string) bool {
		for _, p := range prefs {
			if p.ChannelEnabled(ch) {
				return true
			}
		}
		return false
	}

	outcomes := s.disp.Dispatch(ctx, d.ToMessage(), allow)
	dispatched := s.now()
	rctx, rcancel := storeContext(ctx)
	defer rcancel()
	rec, err := s.history.Record(rctx, d.Record(outcomes, &dispatched))
	s.bus.Publish(eventbus.Event{Type: eventbus.BatchFlushed, Data: len(d.Entries)})
	s.stMu.Lock()
	s.status.Totals.Digests++
	s.stMu.Unlock()

	if err != nil && !errors.Is(err, storage.ErrDuplicateSent) {
		return false, fmt.Errorf("record digest: %w", err)
	}
	s.log.Info("digest flushed", logx.Int("series", len(d.Entries)), logx.Int("events", len(d.Events)), logx.Bool("sent", rec.Sent))
	return rec.Sent, nil
}
