package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"pipesched/internal/eventbus"
	"pipesched/internal/runner"
	"pipesched/internal/runtime/supervisor"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

type Scheduler struct {
	store  Store
	runner runner.Runner
	log    logx.Logger
	bus    eventbus.Bus
	reg    *Registry
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	cfg      Config
	loc      *time.Location
	sup      *supervisor.Supervisor
	stopping bool
}

type Option func(*Scheduler)

// WithClock replaces time.Now for fire evaluation and execution stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the execution ID source (uuid v4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New builds a stopped scheduler. run may be nil when the scheduler is only
// used for status, history and abort and is never started.
func New(store Store, run runner.Runner, cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		store:  store,
		runner: run,
		log:    log,
		bus:    bus,
		now:    time.Now,
		newID:  uuid.NewString,
		cfg:    cfg,
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = loadLocation(cfg.Timezone, log)
	s.reg = NewRegistry(store, s.loc, log.With(logx.String("comp", "registry")), bus)
	s.reg.now = s.now
	s.reg.setDropLogInterval(cfg.DropLogInterval)
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Registry exposes the trigger registry so API handlers can install and
// remove jobs as they are edited.
func (s *Scheduler) Registry() *Registry { return s.reg }

// Location is the zone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Apply takes a reloaded config. Only the per-run settings change live; the
// loop intervals and timezone need a restart.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg.RunTimeout = cfg.RunTimeout
	s.cfg.HistoryLimit = cfg.HistoryLimit
	s.cfg.RetentionMaxAge = cfg.RetentionMaxAge
	s.mu.Unlock()
	if old.DropLogInterval != cfg.DropLogInterval {
		s.reg.setDropLogInterval(cfg.DropLogInterval)
	}
	if old.Tick != cfg.Tick || old.SyncInterval != cfg.SyncInterval || old.Timezone != cfg.Timezone || old.RetentionInterval != cfg.RetentionInterval {
		s.log.Warn("scheduler loop settings changed; restart required to apply")
	}
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Running reports whether Start was called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil && !s.stopping
}

// Start sweeps orphaned executions, loads the registry and starts the tick,
// sync and retention loops.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.runner == nil {
		return errors.New("scheduler: no runner configured")
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "supervisor"))))
	s.sup = sup
	s.stopping = false
	s.mu.Unlock()

	if n, err := s.store.FailRunningExecutions(ctx, ReasonOrphaned, s.now()); err != nil {
		s.log.Error("sweeping orphaned executions failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("orphaned executions marked failed", logx.Int64("count", n))
	}

	// A failed load is logged by the registry; the sync loop retries it.
	_, _ = s.reg.LoadEnabled(ctx)

	sup.GoRestart("scheduler.tick", s.tickLoop)
	if cfg.SyncInterval > 0 {
		sup.GoRestart("scheduler.sync", s.syncLoop)
	}
	if cfg.RetentionMaxAge > 0 {
		sup.GoRestart("scheduler.retention", s.retentionLoop)
	}
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Duration("tick", cfg.Tick),
		logx.Int("jobs", s.reg.InstalledJobs()),
	)
	return nil
}

// Stop halts the loops, aborts every in-flight execution with reason
// "scheduler shutdown" and waits for the dispatch goroutines.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	if sup == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	start := s.now()
	for _, f := range s.reg.inFlight() {
		if _, err := s.store.AbortExecution(context.WithoutCancel(ctx), f.execID, s.now(), ReasonShutdown); err != nil {
			// Not yet inserted or already finished; the dispatcher settles it.
			s.log.Debug("shutdown abort skipped", logx.String("execution_id", f.execID), logx.Err(err))
		}
	}
	err := sup.Stop(ctx)

	s.mu.Lock()
	s.sup = nil
	s.mu.Unlock()
	s.log.Info("scheduler stopped", logx.Duration("took", s.now().Sub(start)), logx.Err(err))
	return err
}

func (s *Scheduler) activeSupervisor() (*supervisor.Supervisor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup, s.sup != nil && !s.stopping
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	t := time.NewTicker(s.config().Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every due job. Errors stay with the affected job.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, job := range s.reg.due(now) {
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job storage.Job, at time.Time) {
	sup, ok := s.activeSupervisor()
	if !ok {
		return
	}
	execID := s.newID()
	f := s.reg.tryAcquire(job.ID, execID)
	if f == nil {
		s.reg.dropped(job, at, false)
		return
	}
	sup.Go("dispatch:"+job.Name, func(ctx context.Context) error {
		defer s.reg.release(f)
		if _, err := s.begin(ctx, job, execID, at); err != nil {
			return nil
		}
		s.execute(ctx, f, job, execID, at)
		return nil
	})
}

func (s *Scheduler) syncLoop(ctx context.Context) error {
	t := time.NewTicker(s.config().SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.reg.Sync(ctx); err != nil {
				s.log.Warn("registry sync failed", logx.Err(err))
			}
		}
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) error {
	t := time.NewTicker(s.config().RetentionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	maxAge := s.config().RetentionMaxAge
	if maxAge <= 0 {
		return
	}
	n, err := s.store.DeleteExecutionsBefore(ctx, s.now().Add(-maxAge))
	if err != nil {
		s.log.Warn("pruning execution history failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("execution history pruned", logx.Int64("deleted", n), logx.Duration("max_age", maxAge))
	}
}

// Snapshot reports loop state and the installed triggers.
func (s *Scheduler) Snapshot() Snapshot {
	cfg := s.config()
	return Snapshot{
		Running:  s.Running(),
		Timezone: s.loc.String(),
		Tick:     cfg.Tick,
		Triggers: s.reg.Snapshot(),
		InFlight: s.reg.RunningJobs(),
	}
}

// InstalledJobs and RunningJobs feed the metrics gauges.
func (s *Scheduler) InstalledJobs() int { return s.reg.InstalledJobs() }
func (s *Scheduler) RunningJobs() int   { return s.reg.RunningJobs() }

// Install (re)installs the trigger of a created or edited job.
func (s *Scheduler) Install(job storage.Job) { s.reg.Install(job) }

// Remove uninstalls the trigger of a deleted job.
func (s *Scheduler) Remove(jobID int64) { s.reg.Remove(jobID) }
