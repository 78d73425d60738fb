// Package app wires configuration, logging, storage, the runner, the
// scheduler and the HTTP surface into one process with a supervised
// lifecycle and live config reload.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pipesched/internal/api"
	"pipesched/internal/config"
	"pipesched/internal/eventbus"
	"pipesched/internal/observability/metrics"
	"pipesched/internal/observability/pprof"
	"pipesched/internal/runner"
	"pipesched/internal/runtime/supervisor"
	"pipesched/internal/scheduler"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store
	sched *scheduler.Scheduler
	mets  *metrics.Metrics
	prof  *pprof.Server

	srv *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewApp loads cfgPath (a missing file means defaults), opens storage and
// builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(true)
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if err := pprof.Validate(mapDebugConfig(cfg)); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	st, err := storage.Open(ctx, mapStorageConfig(cfg, res), log.With(logx.String("comp", "storage")),
		storage.WithLocation(res.Timezone),
		storage.WithRetryObserver(func(attempt int, delay time.Duration, err error) {
			bus.Publish(eventbus.Event{Type: eventbus.StorageRetry, Data: eventbus.RetryEvent{
				Attempt: attempt, Delay: delay, Error: errString(err),
			}})
		}),
	)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	run, err := runner.New(mapRunnerConfig(cfg, res), log.With(logx.String("comp", "runner")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	sched := scheduler.New(st, run, mapSchedulerConfig(cfg, res),
		log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: st,
		sched: sched,
		prof:  pprof.New(mapDebugConfig(cfg), log.With(logx.String("comp", "pprof"))),
	}

	var apiOpts []api.Option
	if cfg.Metrics.Enabled {
		a.mets = metrics.New(sched, log.With(logx.String("comp", "metrics")))
		apiOpts = append(apiOpts, api.WithMetrics(cfg.Metrics.Path, a.mets.Handler()))
	}
	if cfg.HTTP.Enabled {
		h := api.New(st, sched, log.With(logx.String("comp", "http")), apiOpts...)
		a.srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: res.HTTPReadTimeout,
			ReadTimeout:       res.HTTPReadTimeout,
			WriteTimeout:      res.HTTPWriteTimeout,
		}
	}
	return a, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (a *App) Store() *storage.Store           { return a.store }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Config() *config.Config          { return a.cfgm.Get() }
func (a *App) Metrics() *metrics.Metrics       { return a.mets }
func (a *App) Logger() logx.Logger             { return a.log }
func (a *App) ConfigManager() *config.Manager  { return a.cfgm }

// Addr is the bound HTTP address, empty until Start (or when HTTP is off).
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: Resolve runs first, then this
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if len(cfg.Runner.Command) == 0 {
			return errors.New("runner.command must not be empty")
		}
		if cfg.Scheduler.HistoryLimit < 0 {
			return errors.New("scheduler.history_limit must be >= 0")
		}
		return pprof.Validate(mapDebugConfig(cfg))
	})

	if a.mets != nil {
		a.sup.Go("metrics.events", func(c context.Context) error {
			return a.mets.Run(c, a.bus)
		})
	}

	if a.cfgm.Get().Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled via config")
	}

	if a.srv != nil {
		ln, err := net.Listen("tcp", a.srv.Addr)
		if err != nil {
			return errors.Wrapf(err, "http listen %s", a.srv.Addr)
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		a.sup.Go("http.serve", func(c context.Context) error {
			if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		a.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	}

	// pprof is optional; a failed bind never stops the app.
	if err := a.prof.Start(); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	res, err := newCfg.Resolve()
	if err != nil {
		// Reload already resolved it; only a race with a manual Commit lands here.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.sched.Apply(mapSchedulerConfig(newCfg, res))

	switch was, now := oldCfg.Scheduler.Enabled, newCfg.Scheduler.Enabled; {
	case was && !now:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.sched.Stop(stopCtx); err != nil {
			a.log.Warn("scheduler stop", logx.Err(err))
		}
		cancel()
	case !was && now:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start", logx.Err(err))
		}
	}

	if err := a.prof.Reconfigure(ctx, mapDebugConfig(newCfg)); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > limit {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 5*time.Second, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	step("pprof", time.Second, a.prof.Stop)
	// The scheduler aborts in-flight runs before the app context goes away.
	step("scheduler", 10*time.Second, a.sched.Stop)

	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
