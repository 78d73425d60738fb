package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotRunning = errors.New("execution is not running")
	ErrConflict   = errors.New("conflict")
	ErrInvalid    = errors.New("invalid input")
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s

	// Retry policy for busy/locked errors.
	MaxRetries int
	RetryBase  time.Duration
}

// Program is the parameter set handed to the external report process.
type Program struct {
	ID             int64             `json:"id"`
	Name           string            `json:"program_name"`
	WorkspaceID    string            `json:"workspace_id"`
	ReportName     string            `json:"report_name"`
	DatasetID      string            `json:"dataset_id"`
	Method         string            `json:"method"`
	OutputName     string            `json:"output_name"`
	OutputType     string            `json:"output_type"`
	SharepointSite string            `json:"sharepoint_site"`
	SharepointPath string            `json:"sharepoint_path"`
	FileLocation   string            `json:"filelocation"`
	Description    string            `json:"description"`
	Extra          map[string]string `json:"extra,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Params flattens the program into the blob passed to the external process.
// Extra keys never override the named fields.
func (p Program) Params() map[string]any {
	m := make(map[string]any, 12+len(p.Extra))
	for k, v := range p.Extra {
		m[k] = v
	}
	m["program_id"] = p.ID
	m["program_name"] = p.Name
	m["workspace_id"] = p.WorkspaceID
	m["report_name"] = p.ReportName
	m["dataset_id"] = p.DatasetID
	m["method"] = p.Method
	m["output_name"] = p.OutputName
	m["output_type"] = p.OutputType
	m["sharepoint_site"] = p.SharepointSite
	m["sharepoint_path"] = p.SharepointPath
	m["filelocation"] = p.FileLocation
	m["description"] = p.Description
	return m
}

// Job binds a cron expression to a program.
//
// NextRunTime is recomputed on every save; nil means the expression is
// malformed (or never fires) and the job is inert.
type Job struct {
	ID             int64      `json:"job_id"`
	Name           string     `json:"job_name"`
	ProgramID      int64      `json:"program_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunTime    *time.Time `json:"last_run_time"`
	NextRunTime    *time.Time `json:"next_run_time"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobInput carries the user-editable job fields.
type JobInput struct {
	Name           string `json:"job_name"`
	ProgramID      int64  `json:"program_id"`
	CronExpression string `json:"cron_expression"`
	Enabled        bool   `json:"enabled"`
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Execution is one run of a job. Status is running exactly while EndTime is nil.
type Execution struct {
	ID        string     `json:"execution_id"`
	JobID     int64      `json:"job_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Status    Status     `json:"status"`
	Output    string     `json:"output"`
	Error     string     `json:"error"`
	IsAborted bool       `json:"is_aborted"`
}

// Duration is end-start once terminal, 0 while running.
func (e Execution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// BeginParams describes the start of a run: the new execution row plus the
// job's last/next run update, written atomically.
type BeginParams struct {
	ExecutionID string
	JobID       int64
	Start       time.Time
	NextRun     *time.Time
}
