package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	logx "pipesched/pkg/logx"
)

// ProcessRunner runs the configured command as a child process.
type ProcessRunner struct {
	cfg Config
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*ProcessRunner, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("runner: command is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ProcessRunner{cfg: cfg.withDefaults(), log: log, now: time.Now}, nil
}

type stream int

const (
	stdoutStream stream = iota
	stderrStream
)

func (s stream) String() string {
	if s == stderrStream {
		return "stderr"
	}
	return "stdout"
}

type line struct {
	s    stream
	text string
}

type outcome int

const (
	pending outcome = iota
	exited
	timedOut
	aborted
)

func (r *ProcessRunner) Run(ctx context.Context, req Request) Result {
	res := Result{Started: r.now(), ExitCode: -1}
	log := r.log.With(logx.String("execution_id", req.ExecutionID))
	if req.JobName != "" {
		log = log.With(logx.String("job", req.JobName))
	}
	finish := func(success bool, out string) Result {
		res.Success = success
		res.Output = out
		res.Finished = r.now()
		return res
	}

	blob, err := encodeParams(req)
	if err != nil {
		return finish(false, "invalid program parameters: "+err.Error())
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	args := append(append([]string(nil), r.cfg.Command[1:]...), r.cfg.ParamFlag, blob)
	cmd := exec.Command(r.cfg.Command[0], args...)
	cmd.Dir = r.cfg.Dir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return finish(false, "failed to start process: "+err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return finish(false, "failed to start process: "+err.Error())
	}
	if err := cmd.Start(); err != nil {
		log.Warn("process launch failed", logx.Err(err))
		return finish(false, "failed to start process: "+err.Error())
	}
	res.PID = cmd.Process.Pid
	log.Info("process started", logx.Int("pid", res.PID), logx.Duration("timeout", timeout))

	lines := make(chan line, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go drain(stdout, stdoutStream, lines, &wg)
	go drain(stderr, stderrStream, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var pollC <-chan time.Time
	if req.AbortCheck != nil {
		tk := time.NewTicker(r.cfg.AbortPoll)
		defer tk.Stop()
		pollC = tk.C
	}

	out := newTail(r.cfg.MaxOutputBytes)
	errOut := newTail(r.cfg.MaxOutputBytes)

	var (
		state   = pending
		waitCh  chan error
		waitErr error
	)
	for state == pending {
		select {
		case l, ok := <-lines:
			if !ok {
				// Both streams hit EOF; now it is safe to reap the process.
				lines = nil
				ch := make(chan error, 1)
				waitCh = ch
				go func() { ch <- cmd.Wait() }()
				continue
			}
			if l.s == stderrStream {
				errOut.add(l.text)
			} else {
				out.add(l.text)
			}
			log.Debug("process output", logx.String("stream", l.s.String()), logx.String("line", l.text))
		case waitErr = <-waitCh:
			state = exited
		case <-deadline.C:
			state = timedOut
		case <-ctx.Done():
			state = aborted
		case <-pollC:
			if req.AbortCheck(ctx) {
				state = aborted
			}
		}
	}

	if state != exited {
		if err := killProcess(cmd); err != nil {
			log.Warn("process kill failed", logx.Int("pid", res.PID), logx.Err(err))
		}
		if waitCh != nil {
			<-waitCh
		} else {
			// Wait closes our pipe ends, which unblocks the drain goroutines.
			_ = cmd.Wait()
			for range lines {
			}
		}
		if state == timedOut {
			log.Warn("process timed out; killed", logx.Int("pid", res.PID), logx.Duration("timeout", timeout))
			res.TimedOut = true
			return finish(false, MsgTimedOut)
		}
		log.Warn("process aborted; killed", logx.Int("pid", res.PID))
		res.Aborted = true
		return finish(false, MsgAborted)
	}

	res.ExitCode = exitCode(cmd, waitErr)
	if waitErr == nil && res.ExitCode == 0 {
		log.Info("process completed", logx.Int("pid", res.PID))
		return finish(true, out.String())
	}

	msg := errOut.String()
	if msg == "" {
		msg = out.String()
	}
	if msg == "" {
		msg = MsgUnknownError
	}
	log.Warn("process failed", logx.Int("pid", res.PID), logx.Int("exit_code", res.ExitCode), logx.Err(waitErr))
	return finish(false, msg)
}

// drain forwards r line by line. Once the scanner gives up (over-long line or
// read error) the rest is discarded so the child never blocks on a full pipe.
func drain(r io.Reader, s stream, out chan<- line, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out <- line{s: s, text: sc.Text()}
	}
	_, _ = io.Copy(io.Discard, r)
}

func encodeParams(req Request) (string, error) {
	m := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		m[k] = v
	}
	m["execution_id"] = req.ExecutionID
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// tail keeps the last max bytes of a line stream.
type tail struct {
	max int
	b   strings.Builder
}

func newTail(limit int) *tail { return &tail{max: limit} }

func (t *tail) add(s string) {
	if t.b.Len() > 0 {
		t.b.WriteByte('\n')
	}
	t.b.WriteString(s)
	if t.b.Len() > 2*t.max {
		keep := lastBytes(t.b.String(), t.max)
		t.b.Reset()
		t.b.WriteString(keep)
	}
}

func (t *tail) String() string {
	return strings.TrimSpace(lastBytes(t.b.String(), t.max))
}

// lastBytes returns at most n trailing bytes of s, starting on a rune boundary.
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
