// Package runner launches the external report process for one execution and
// supervises it: streaming output, wall-clock timeout and cooperative abort.
//
// The runner never touches storage. Callers persist the Execution record.
package runner

import (
	"context"
	"time"
)

const (
	DefaultTimeout        = time.Hour
	DefaultMaxOutputBytes = 64 << 10
	DefaultAbortPoll      = time.Second
	DefaultParamFlag      = "--program"

	MsgTimedOut     = "execution timed out"
	MsgAborted      = "execution aborted"
	MsgUnknownError = "unknown error"
)

// Runner executes one job run. Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, req Request) Result
}

// Request describes one run.
type Request struct {
	ExecutionID string
	JobName     string

	// Params is the program parameter set; it is serialized verbatim together
	// with execution_id into a single argument.
	Params map[string]any

	// Timeout is the wall-clock deadline; 0 uses the runner default.
	Timeout time.Duration

	// AbortCheck is polled from the drain loop. Returning true kills the
	// process. Cancelling ctx has the same effect.
	AbortCheck func(ctx context.Context) bool
}

// Result classifies the outcome.
//
// Output carries stdout on success and the error text on failure.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
	TimedOut bool
	Aborted  bool
	PID      int
	Started  time.Time
	Finished time.Time
}

func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() || r.Started.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Config configures a ProcessRunner.
type Config struct {
	// Command is the entry point, e.g. ["python", "scripts/power_bi_engine.py"].
	Command []string
	Dir     string
	// Env entries (KEY=VALUE) appended to the current environment.
	Env []string

	ParamFlag      string
	DefaultTimeout time.Duration
	MaxOutputBytes int
	AbortPoll      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ParamFlag == "" {
		c.ParamFlag = DefaultParamFlag
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.AbortPoll <= 0 {
		c.AbortPoll = DefaultAbortPoll
	}
	return c
}
