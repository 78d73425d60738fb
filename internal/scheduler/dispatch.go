package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pipesched/internal/eventbus"
	"pipesched/internal/runner"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

// settleTimeout bounds the final status write once the run's own context is
// gone (shutdown).
const settleTimeout = 30 * time.Second

// begin records the start of a run: the execution row and the job's
// last/next run times, atomically.
func (s *Scheduler) begin(ctx context.Context, job storage.Job, execID string, at time.Time) (storage.Execution, error) {
	e, err := s.store.BeginExecution(ctx, storage.BeginParams{
		ExecutionID: execID,
		JobID:       job.ID,
		Start:       at,
		NextRun:     s.reg.nextAfter(job.CronExpression, at),
	})
	if err != nil {
		s.log.Error("recording execution start failed; fire abandoned",
			logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("execution_id", execID), logx.Err(err))
		return storage.Execution{}, err
	}
	s.log.Info("execution started", logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("execution_id", execID))
	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionStarted, Time: at, Data: eventbus.ExecutionEvent{
		ExecutionID: execID, JobID: job.ID, JobName: job.Name, Status: string(storage.StatusRunning),
	}})
	return e, nil
}

// execute runs the program of job and persists the outcome.
func (s *Scheduler) execute(parent context.Context, f *inflight, job storage.Job, execID string, start time.Time) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.reg.setCancel(f, cancel)

	log := s.log.With(logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("execution_id", execID))

	prog, err := s.store.GetProgram(ctx, job.ProgramID)
	if err != nil {
		log.Error("loading program failed", logx.Int64("program_id", job.ProgramID), logx.Err(err))
		s.settle(ctx, job, execID, start, runner.Result{Output: "loading program: " + err.Error()})
		return
	}

	res := s.runner.Run(ctx, runner.Request{
		ExecutionID: execID,
		JobName:     job.Name,
		Params:      prog.Params(),
		Timeout:     s.config().RunTimeout,
		AbortCheck: func(ctx context.Context) bool {
			aborted, err := s.store.IsAborted(ctx, execID)
			if err != nil {
				log.Debug("abort check failed", logx.Err(err))
				return false
			}
			return aborted
		},
	})
	s.settle(ctx, job, execID, start, res)
}

// settle writes the terminal status. An aborted run is only marked aborted
// if nobody did so already; other outcomes never overwrite a terminal row.
func (s *Scheduler) settle(ctx context.Context, job storage.Job, execID string, start time.Time, res runner.Result) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	end := s.now()
	log := s.log.With(logx.Int64("job_id", job.ID), logx.String("job", job.Name), logx.String("execution_id", execID))
	ev := eventbus.ExecutionEvent{ExecutionID: execID, JobID: job.ID, JobName: job.Name, Duration: end.Sub(start)}

	if res.Aborted {
		reason := res.Output
		if s.isStopping() {
			reason = ReasonShutdown
		}
		_, err := s.store.AbortExecution(wctx, execID, end, reason)
		switch {
		case err == nil, errors.Is(err, storage.ErrNotRunning):
			// Whoever aborted first owns the row.
		default:
			log.Error("recording abort failed", logx.Err(err))
		}
		log.Warn("execution aborted", logx.Duration("duration", ev.Duration))
		ev.Status = string(storage.StatusAborted)
		s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionAborted, Time: end, Data: ev})
		return
	}

	status, output, errText := storage.StatusCompleted, res.Output, ""
	if !res.Success {
		status, output, errText = storage.StatusFailed, "", res.Output
	}
	applied, err := s.store.FinishExecution(wctx, execID, status, output, errText, end)
	if err != nil {
		log.Error("recording execution result failed", logx.String("status", string(status)), logx.Err(err))
		return
	}
	if !applied {
		log.Info("execution was aborted before it finished; result discarded", logx.String("status", string(status)))
		return
	}

	ev.Status = string(status)
	ev.Error = errText
	if status == storage.StatusCompleted {
		log.Info("execution completed", logx.Duration("duration", ev.Duration))
	} else {
		log.Warn("execution failed", logx.Duration("duration", ev.Duration), logx.Bool("timed_out", res.TimedOut), logx.Int("exit_code", res.ExitCode), logx.String("error", errText))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionFinished, Time: end, Data: ev})
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Trigger starts a run of jobID now, outside its schedule. It fails with
// ErrAlreadyRunning when the job has an execution in flight. The returned
// execution is already persisted as running.
func (s *Scheduler) Trigger(ctx context.Context, jobID int64) (storage.Execution, error) {
	sup, ok := s.activeSupervisor()
	if !ok {
		return storage.Execution{}, ErrNotStarted
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return storage.Execution{}, err
	}
	at := s.now()
	execID := s.newID()
	f := s.reg.tryAcquire(job.ID, execID)
	if f == nil {
		s.reg.dropped(job, at, true)
		return storage.Execution{}, errors.Wrapf(ErrAlreadyRunning, "job %q", job.Name)
	}
	e, err := s.begin(ctx, job, execID, at)
	if err != nil {
		s.reg.release(f)
		return storage.Execution{}, err
	}
	sup.Go("dispatch:"+job.Name, func(ctx context.Context) error {
		defer s.reg.release(f)
		s.execute(ctx, f, job, execID, at)
		return nil
	})
	return e, nil
}

// Abort moves a running execution to aborted and, when the run is in flight
// in this process, cancels it so the child process is killed. Runs owned by
// another process notice through their abort check.
func (s *Scheduler) Abort(ctx context.Context, execID string) (storage.Execution, error) {
	e, err := s.store.AbortExecution(ctx, execID, s.now(), ReasonUserAbort)
	if err != nil {
		return storage.Execution{}, err
	}
	local := s.reg.cancelExecution(execID)
	s.log.Info("execution abort requested", logx.String("execution_id", execID), logx.Bool("local", local))
	return e, nil
}

// Status reports the latest execution of jobID, or StatusNeverRun.
func (s *Scheduler) Status(ctx context.Context, jobID int64) (JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{JobID: job.ID, JobName: job.Name, Status: StatusNeverRun}
	e, ok, err := s.store.LatestExecution(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !ok {
		return st, nil
	}
	start := e.StartTime
	st.Status = string(e.Status)
	st.ExecutionID = e.ID
	st.StartTime = &start
	st.EndTime = e.EndTime
	st.Duration = e.Duration().Seconds()
	st.Output = e.Output
	st.Error = e.Error
	return st, nil
}

// History lists up to limit executions of jobID, most recent first. A
// non-positive limit uses the configured default.
func (s *Scheduler) History(ctx context.Context, jobID int64, limit int) ([]storage.Execution, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.config().HistoryLimit
	}
	return s.store.ListExecutions(ctx, jobID, limit)
}
