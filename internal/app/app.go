// Package app wires the watcher together: config, logging, storage, the
// MangaBaka client, notification channels, the poll loop, housekeeping jobs
// and the diagnostics listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chapterwatch/internal/batch"
	"chapterwatch/internal/config"
	"chapterwatch/internal/eventbus"
	"chapterwatch/internal/notifier"
	"chapterwatch/internal/observability/diag"
	"chapterwatch/internal/poller"
	rtsup "chapterwatch/internal/runtime/supervisor"
	"chapterwatch/internal/scheduler"
	"chapterwatch/internal/source"
	"chapterwatch/internal/storage"
	logx "chapterwatch/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

const (
	jobBatchFlush   = "batch_flush"
	jobHistoryPrune = "history_prune"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	recent *eventbus.Recent
	store  storage.Store

	src    *swappableSource
	notif  *notifier.Service
	batch  *batch.Aggregator
	poller *poller.Service
	sched  *scheduler.Service
	diag   *diag.Service
}

// New loads the config and builds every component without starting any
// goroutine. One-shot CLI commands use the result directly and Close it.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	warnings, _ := config.Validate(cfg)

	logSvc, log := logx.New(mapLogConfig(cfg))
	for _, w := range warnings {
		log.Warn("config warning", logx.String("warning", w))
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.Component("storage"))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:   cfgm,
		log:    log.Component("app"),
		logs:   logSvc,
		bus:    eventbus.New(),
		recent: eventbus.NewRecent(200),
		store:  store,
		sched:  scheduler.New(log.Component("scheduler")),
	}
	if err := a.build(cfg, warnings); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, warnings []string) error {
	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return err
	}
	client, err := source.New(srcCfg, source.WithLogger(a.log.Component("source")))
	if err != nil {
		return err
	}
	a.src = newSwappableSource(client)

	senders, err := notifier.BuildSenders(mapChannels(cfg), nil)
	if err != nil {
		a.log.Warn("some notification channels could not be built", logx.Err(err))
		warnings = append(warnings, err.Error())
	}
	a.notif = notifier.New(mapNotifierConfig(cfg), senders, a.log.Component("notifier"), a.bus, a.store)

	mode, window, err := mapBatch(cfg)
	if err != nil {
		return err
	}
	a.batch = batch.New(mode, window)

	pcfg, err := mapPollerConfig(cfg, warnings)
	if err != nil {
		return err
	}
	a.poller, err = poller.New(pcfg, poller.Deps{
		Source:     a.src,
		Dispatcher: a.notif,
		Watchlist:  a.store,
		History:    a.store,
		Batch:      a.batch,
		Bus:        a.bus,
		Log:        a.log.Component("poller"),
	})
	if err != nil {
		return err
	}
	if len(senders) == 0 {
		a.log.Warn("no notification channel configured; updates are recorded but not delivered")
	}

	a.diag = diag.New(mapDiagConfig(cfg), diag.Deps{
		Poller:   a.poller,
		Notifier: a.notif,
		History:  a.store,
		Recent:   a.recent,
		Supervisor: func() rtsup.Snapshot {
			if a.sup == nil {
				return rtsup.Snapshot{}
			}
			return a.sup.Snapshot()
		},
		Jobs: a.sched.Snapshot,
	}, a.log.Component("diag"))

	a.registerJobs(cfg)
	return nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Source() poller.Source { return a.src }
func (a *App) Notifier() *notifier.Service { return a.notif }
func (a *App) Poller() *poller.Service { return a.poller }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Close releases resources held by an App that was never started.
func (a *App) Close() error {
	a.poller.Close()
	err := a.store.Close()
	a.logs.Close()
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) registerJobs(cfg *config.Config) {
	retention := config.DurationOr(cfg.Schedules.HistoryRetention, 0)
	pruneSpec := cfg.Schedules.HistoryPrune
	if retention <= 0 {
		pruneSpec = ""
	}

	jobs := []scheduler.Job{
		{
			Name:    jobBatchFlush,
			Spec:    cfg.Schedules.BatchFlush,
			Timeout: 2 * time.Minute,
			Run: func(ctx context.Context) error {
				err := a.poller.FlushDue(ctx)
				if errors.Is(err, poller.ErrCycleInProgress) {
					return nil
				}
				return err
			},
		},
		{
			Name:    jobHistoryPrune,
			Spec:    pruneSpec,
			Timeout: time.Minute,
			Run: func(ctx context.Context) error {
				n, err := a.store.PruneRecords(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				if n > 0 {
					a.log.Info("history pruned", logx.Int64("removed", n), logx.Duration("retention", retention))
				}
				return nil
			},
		},
	}
	for _, j := range jobs {
		if err := a.sched.Register(j); err != nil {
			a.log.Warn("job not registered", logx.String("name", j.Name), logx.Err(err))
		}
	}
}

// validate is the hot-reload gate: a config that cannot be mapped is rejected
// before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapBatch(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	for _, spec := range []string{cfg.Schedules.BatchFlush, cfg.Schedules.HistoryPrune} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return fmt.Errorf("schedules: %w", err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(a.validate)

	a.sup.Go0("events.recent", func(c context.Context) { a.recent.Run(c, a.bus) })

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// A crashing poll loop is restarted rather than taking the process down.
	a.sup.GoRestart("poller", a.poller.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(false),
	)

	a.sched.Start(a.sup.Context())
	a.diag.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.Duration("interval", a.poller.Status().Interval),
		logx.Strings("channels", a.notif.Channels()),
	)
	return nil
}

// applyConfig pushes a committed config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }()

	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range config.RequiresRestart(prev, cfg) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}

	a.logs.Apply(mapLogConfig(cfg))
	warnings, _ := config.Validate(cfg)

	if srcCfg, err := mapSourceConfig(cfg); err == nil {
		if client, err := source.New(srcCfg, source.WithLogger(a.log.Component("source"))); err != nil {
			a.log.Warn("invalid source config; keeping previous", logx.Err(err))
		} else {
			a.src.Swap(client)
		}
	}

	senders, err := notifier.BuildSenders(mapChannels(cfg), nil)
	if err != nil {
		a.log.Warn("some notification channels could not be built", logx.Err(err))
		warnings = append(warnings, err.Error())
	}
	a.notif.Apply(mapNotifierConfig(cfg), senders)

	if mode, window, err := mapBatch(cfg); err == nil {
		a.batch.SetMode(mode, window)
	}
	if pcfg, err := mapPollerConfig(cfg, warnings); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poller.Apply(pcfg)
	}

	a.registerJobs(cfg)
	a.diag.Reconfigure(ctx, mapDiagConfig(cfg))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

const (
	stopDiagTimeout      = time.Second
	stopSchedulerTimeout = 2 * time.Second
	stopStepTimeout      = time.Second
)

// StopTimeout is the overall budget Stop needs to let an in-flight item
// finish before storage is closed.
func (a *App) StopTimeout() time.Duration {
	return stopDiagTimeout + stopSchedulerTimeout + a.poller.DrainTimeout() + time.Second + 2*stopStepTimeout
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds each shutdown stage so one component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) bool {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			return !errors.Is(err, context.DeadlineExceeded)
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			return false
		}
	}

	step("diag", stopDiagTimeout, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("scheduler", stopSchedulerTimeout, func(c context.Context) error { a.sched.Stop(c); return nil })
	// The poller may be finishing an item's dispatch and writes; the store
	// stays open until it has exited.
	drained := step("supervisor", a.poller.DrainTimeout()+time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("poller", stopStepTimeout, func(context.Context) error { a.poller.Close(); return nil })
	if drained {
		step("storage", stopStepTimeout, func(context.Context) error { return a.store.Close() })
	} else {
		a.log.Warn("poller still running; leaving storage open")
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
