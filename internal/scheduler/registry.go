package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pipesched/internal/cronexpr"
	"pipesched/internal/eventbus"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

type trigger struct {
	job   storage.Job
	sched cronexpr.Schedule
	next  time.Time
}

// inflight is the running flag of one job.
type inflight struct {
	jobID  int64
	execID string
	cancel context.CancelFunc
}

// Registry maps job IDs to their triggers and tracks which jobs are running.
type Registry struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu       sync.Mutex
	loc      *time.Location
	triggers map[int64]*trigger
	running  map[int64]*inflight
	// rejected holds the expression Install last refused per enabled job.
	rejected map[int64]string

	dropLimiter *rate.Limiter
	suppressed  int
}

func NewRegistry(store Store, loc *time.Location, log logx.Logger, bus eventbus.Bus) *Registry {
	if loc == nil {
		loc = time.Local
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Registry{
		store:       store,
		log:         log,
		bus:         bus,
		now:         time.Now,
		loc:         loc,
		triggers:    map[int64]*trigger{},
		running:     map[int64]*inflight{},
		rejected:    map[int64]string{},
		dropLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

func (r *Registry) setDropLogInterval(d time.Duration) {
	r.mu.Lock()
	r.dropLimiter = rate.NewLimiter(rate.Every(d), 1)
	r.mu.Unlock()
}

// LoadEnabled replaces the registry with every enabled job, recomputing and
// persisting each next fire. A failed load leaves the registry empty.
func (r *Registry) LoadEnabled(ctx context.Context) (int, error) {
	jobs, err := r.store.ListJobs(ctx, true)
	if err != nil {
		r.mu.Lock()
		r.triggers = map[int64]*trigger{}
		r.mu.Unlock()
		r.log.Error("loading enabled jobs failed; registry is empty", logx.Err(err))
		return 0, err
	}

	r.mu.Lock()
	r.triggers = map[int64]*trigger{}
	r.rejected = map[int64]string{}
	r.mu.Unlock()

	installed := 0
	for _, j := range jobs {
		next, ok := r.Install(j)
		var persist *time.Time
		if ok {
			installed++
			persist = &next
		}
		if err := r.store.SetJobSchedule(ctx, j.ID, persist); err != nil {
			r.log.Warn("persisting next run failed", logx.Int64("job_id", j.ID), logx.String("job", j.Name), logx.Err(err))
		}
	}
	r.log.Info("registry loaded", logx.Int("jobs", len(jobs)), logx.Int("installed", installed))
	return installed, nil
}

// Install replaces the trigger of job. Disabled jobs and malformed
// expressions leave the job uninstalled. It reports the next fire and whether
// a trigger is now installed.
func (r *Registry) Install(job storage.Job) (time.Time, bool) {
	if !job.Enabled {
		r.Remove(job.ID)
		return time.Time{}, false
	}
	sched, err := cronexpr.Parse(job.CronExpression)
	if err != nil {
		r.log.Warn("job cron expression is malformed; not scheduled",
			logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("cron", job.CronExpression), logx.Err(err))
		r.reject(job)
		return time.Time{}, false
	}

	r.mu.Lock()
	next := sched.Next(r.now().In(r.loc))
	if next.IsZero() {
		r.mu.Unlock()
		r.log.Warn("job cron expression never fires; not scheduled",
			logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("cron", job.CronExpression))
		r.reject(job)
		return time.Time{}, false
	}
	r.triggers[job.ID] = &trigger{job: job, sched: sched, next: next}
	delete(r.rejected, job.ID)
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{Type: eventbus.JobInstalled, Data: eventbus.JobEvent{JobID: job.ID, JobName: job.Name, NextRun: next}})
	r.log.Debug("job scheduled", logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.Time("next", next))
	return next, true
}

// Remove uninstalls the trigger of jobID; unknown IDs are ignored.
func (r *Registry) Remove(jobID int64) {
	r.mu.Lock()
	_, ok := r.triggers[jobID]
	delete(r.triggers, jobID)
	delete(r.rejected, jobID)
	r.mu.Unlock()
	if ok {
		r.bus.Publish(eventbus.Event{Type: eventbus.JobRemoved, Data: eventbus.JobEvent{JobID: jobID}})
	}
}

func (r *Registry) reject(job storage.Job) {
	r.Remove(job.ID)
	r.mu.Lock()
	r.rejected[job.ID] = job.CronExpression
	r.mu.Unlock()
}

// Sync reconciles the registry with the store. Triggers whose job is
// unchanged keep their next fire; new or edited jobs are (re)installed and
// jobs that disappeared or were disabled are removed. A job whose expression
// was already refused is not retried until the expression changes.
func (r *Registry) Sync(ctx context.Context) error {
	jobs, err := r.store.ListJobs(ctx, true)
	if err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = struct{}{}
		r.mu.Lock()
		cur, ok := r.triggers[j.ID]
		same := ok && cur.job.CronExpression == j.CronExpression
		if same {
			cur.job = j
		}
		if !ok {
			if expr, refused := r.rejected[j.ID]; refused && expr == j.CronExpression {
				same = true
			}
		}
		r.mu.Unlock()
		if !same {
			r.Install(j)
		}
	}

	r.mu.Lock()
	var gone []int64
	for id := range r.triggers {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	for id := range r.rejected {
		if _, ok := seen[id]; !ok {
			delete(r.rejected, id)
		}
	}
	r.mu.Unlock()
	for _, id := range gone {
		r.Remove(id)
	}
	return nil
}

// due returns the jobs whose fire time has come and advances their triggers
// strictly past now.
func (r *Registry) due(now time.Time) []storage.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	local := now.In(r.loc)
	var out []storage.Job
	for _, t := range r.triggers {
		if t.next.After(now) {
			continue
		}
		out = append(out, t.job)
		t.next = t.sched.Next(local)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// nextAfter computes the next fire of expr after at in the registry zone.
func (r *Registry) nextAfter(expr string, at time.Time) *time.Time {
	r.mu.Lock()
	loc := r.loc
	r.mu.Unlock()
	next, err := cronexpr.NextFireTime(expr, at.In(loc))
	if err != nil {
		return nil
	}
	return &next
}

// tryAcquire sets the running flag of jobID. It returns nil when the job is
// already running.
func (r *Registry) tryAcquire(jobID int64, execID string) *inflight {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[jobID]; busy {
		return nil
	}
	f := &inflight{jobID: jobID, execID: execID}
	r.running[jobID] = f
	return f
}

func (r *Registry) release(f *inflight) {
	r.mu.Lock()
	if cur, ok := r.running[f.jobID]; ok && cur == f {
		delete(r.running, f.jobID)
	}
	r.mu.Unlock()
}

func (r *Registry) setCancel(f *inflight, cancel context.CancelFunc) {
	r.mu.Lock()
	f.cancel = cancel
	r.mu.Unlock()
}

// cancelExecution cancels the in-flight run of execID, if it runs here.
func (r *Registry) cancelExecution(execID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.running {
		if f.execID == execID {
			if f.cancel != nil {
				f.cancel()
			}
			return true
		}
	}
	return false
}

func (r *Registry) inFlight() []inflight {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]inflight, 0, len(r.running))
	for _, f := range r.running {
		out = append(out, *f)
	}
	return out
}

// dropped records a fire skipped because job is running.
func (r *Registry) dropped(job storage.Job, at time.Time, manual bool) {
	r.bus.Publish(eventbus.Event{Type: eventbus.FireDropped, Time: at, Data: eventbus.DropEvent{
		JobID: job.ID, JobName: job.Name, FireAt: at, Manual: manual,
	}})

	r.mu.Lock()
	allow := r.dropLimiter.Allow()
	suppressed := r.suppressed
	if allow {
		r.suppressed = 0
	} else {
		r.suppressed++
	}
	r.mu.Unlock()
	if !allow {
		return
	}
	r.log.Warn("job still running; fire dropped",
		logx.Int64("job_id", job.ID),
		logx.String("job", job.Name),
		logx.Time("fire_at", at),
		logx.Bool("manual", manual),
		logx.Int("suppressed", suppressed),
	)
}

func (r *Registry) InstalledJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func (r *Registry) RunningJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Snapshot lists the installed triggers ordered by next fire.
func (r *Registry) Snapshot() []TriggerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TriggerInfo, 0, len(r.triggers))
	for id, t := range r.triggers {
		ti := TriggerInfo{JobID: id, JobName: t.job.Name, Cron: t.sched.String(), NextFire: t.next}
		if f, ok := r.running[id]; ok {
			ti.Running = true
			ti.ExecutionID = f.execID
		}
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].NextFire.Before(out[j].NextFire)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
