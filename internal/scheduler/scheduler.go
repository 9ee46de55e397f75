// Package scheduler runs the housekeeping jobs (batch flush, history
// pruning) on cron schedules.
//
// Jobs are upserted by name so a config reload can re-register them with
// new specs. A job still running when its next tick fires is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "chapterwatch/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration // 0 = no per-run timeout
	Run     func(ctx context.Context) error
}

type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Runs    uint64    `json:"runs"`
	LastErr string    `json:"last_err,omitempty"`
}

type jobDef struct {
	Job
	parsed  ParsedSpec
	entryID cron.EntryID
	runs    uint64
	lastErr string
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*jobDef
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, loc: time.Local, jobs: map[string]*jobDef{}}
}

// Register adds or replaces the job with j.Name. An empty spec removes it.
func (s *Service) Register(j Job) error {
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return errors.New("job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func required", name)
	}
	if strings.TrimSpace(j.Spec) == "" {
		s.Remove(name)
		return nil
	}
	ps, err := ParseSchedule(j.Spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok {
		if old.Spec == j.Spec {
			old.Run, old.Timeout = j.Run, j.Timeout
			return nil
		}
		s.removeLocked(name)
	}
	d := &jobDef{Job: j, parsed: ps}
	d.Name = name
	s.jobs[name] = d
	if s.c != nil {
		s.addLocked(d)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) addLocked(d *jobDef) {
	job := cron.NewChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})).Then(cron.FuncJob(func() { s.run(d) }))
	if d.parsed.IsInterval() {
		sched, jitter := intervalWithSpread(d.parsed.Every, time.Now().In(s.loc), d.Name)
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("job registered", logx.String("name", d.Name), logx.String("spec", d.Spec), logx.Duration("startup_spread", jitter))
		return
	}
	eid, err := s.c.AddJob(d.parsed.Cron, job)
	if err != nil {
		// ParseSchedule already validated the expression.
		s.log.Error("job register failed", logx.String("name", d.Name), logx.String("spec", d.Spec), logx.Err(err))
		return
	}
	d.entryID = eid
	s.log.Debug("job registered", logx.String("name", d.Name), logx.String("spec", d.Spec))
}

func (s *Service) run(d *jobDef) {
	s.mu.Lock()
	ctx := s.ctx
	fn, timeout := d.Run, d.Timeout
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)

	s.mu.Lock()
	d.runs++
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", logx.String("name", d.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("name", d.Name), logx.Duration("took", time.Since(start)))
}

// Start begins triggering. Job contexts derive from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, d := range s.jobs {
		s.addLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.loc.String()))
}

// Stop stops triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.jobs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Snapshot lists registered jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, d := range s.jobs {
		ji := JobInfo{Name: d.Name, Spec: d.Spec, Runs: d.runs, LastErr: d.lastErr}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ji.Next, ji.Prev = e.Next, e.Prev
		}
		out = append(out, ji)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
