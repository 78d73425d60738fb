package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pipesched/internal/storage"
)

var (
	ErrAlreadyRunning = errors.New("job is already running")
	ErrNotStarted     = errors.New("scheduler is not running")
)

const (
	DefaultTick         = time.Second
	DefaultHistoryLimit = 10

	ReasonUserAbort = "aborted by user"
	ReasonShutdown  = "scheduler shutdown"
	ReasonOrphaned  = "orphaned: scheduler restarted"

	// StatusNeverRun is reported for jobs without any execution.
	StatusNeverRun = "never_run"
)

// Store is the persistence the scheduler needs. *storage.Store implements it.
type Store interface {
	ListJobs(ctx context.Context, enabledOnly bool) ([]storage.Job, error)
	GetJob(ctx context.Context, id int64) (storage.Job, error)
	SetJobSchedule(ctx context.Context, id int64, next *time.Time) error
	GetProgram(ctx context.Context, id int64) (storage.Program, error)

	BeginExecution(ctx context.Context, p storage.BeginParams) (storage.Execution, error)
	FinishExecution(ctx context.Context, id string, status storage.Status, output, errText string, end time.Time) (bool, error)
	AbortExecution(ctx context.Context, id string, at time.Time, reason string) (storage.Execution, error)
	IsAborted(ctx context.Context, id string) (bool, error)

	LatestExecution(ctx context.Context, jobID int64) (storage.Execution, bool, error)
	ListExecutions(ctx context.Context, jobID int64, limit int) ([]storage.Execution, error)
	FailRunningExecutions(ctx context.Context, reason string, at time.Time) (int64, error)
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the scheduler loop.
type Config struct {
	Tick         time.Duration
	SyncInterval time.Duration // 0 disables periodic registry rebuilds
	Timezone     string        // IANA zone for cron evaluation; empty means Local
	HistoryLimit int

	// RunTimeout is handed to the runner per execution; 0 uses its default.
	RunTimeout time.Duration

	RetentionMaxAge   time.Duration // 0 keeps history forever
	RetentionInterval time.Duration

	// DropLogInterval throttles the "fire dropped" warning.
	DropLogInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.DropLogInterval <= 0 {
		c.DropLogInterval = 10 * time.Second
	}
	return c
}

// JobStatus is the latest execution of a job as reported by Status.
type JobStatus struct {
	JobID       int64      `json:"job_id"`
	JobName     string     `json:"job_name"`
	Status      string     `json:"status"`
	ExecutionID string     `json:"execution_id,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Duration    float64    `json:"duration"` // seconds
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TriggerInfo is one registry entry for diagnostics.
type TriggerInfo struct {
	JobID       int64     `json:"job_id"`
	JobName     string    `json:"job_name"`
	Cron        string    `json:"cron_expression"`
	NextFire    time.Time `json:"next_fire"`
	Running     bool      `json:"running"`
	ExecutionID string    `json:"execution_id,omitempty"`
}

// Snapshot is the scheduler state exposed over the API.
type Snapshot struct {
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Tick     time.Duration `json:"tick"`
	Triggers []TriggerInfo `json:"triggers"`
	InFlight int           `json:"in_flight"`
}
