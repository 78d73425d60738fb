package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pipesched/internal/eventbus"
	"pipesched/internal/runner"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// blockingRunner holds every run until released or cancelled.
type blockingRunner struct {
	started chan runner.Request
	release chan runner.Result
	calls   atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan runner.Request, 16),
		release: make(chan runner.Result, 16),
	}
}

func (r *blockingRunner) Run(ctx context.Context, req runner.Request) runner.Result {
	r.calls.Add(1)
	r.started <- req
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case res := <-r.release:
			return res
		case <-ctx.Done():
			return runner.Result{Aborted: true, Output: runner.MsgAborted}
		case <-poll.C:
			if req.AbortCheck != nil && req.AbortCheck(ctx) {
				return runner.Result{Aborted: true, Output: runner.MsgAborted}
			}
		}
	}
}

func (r *blockingRunner) waitStarted(t *testing.T) runner.Request {
	t.Helper()
	select {
	case req := <-r.started:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not started")
		return runner.Request{}
	}
}

type harness struct {
	store *storage.Store
	clock *testClock
	run   *blockingRunner
	logs  *syncBuffer
	bus   eventbus.Bus
	sched *Scheduler
}

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func newHarness(t *testing.T, wrap func(*storage.Store) Store) *harness {
	t.Helper()
	clock := &testClock{t: ts(t, "2024-01-15T10:30:00Z")}
	st, err := storage.Open(context.Background(),
		storage.Config{Path: filepath.Join(t.TempDir(), "sched.db"), RetryBase: time.Millisecond},
		logx.Nop(), storage.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var store Store = st
	if wrap != nil {
		store = wrap(st)
	}
	h := &harness{store: st, clock: clock, run: newBlockingRunner(), logs: &syncBuffer{}, bus: eventbus.New()}
	var seq atomic.Int32
	h.sched = New(store, h.run, Config{Timezone: "UTC", Tick: time.Hour}, logx.NewWriter(h.logs, "debug"), h.bus,
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("exec-%d", seq.Add(1)) }),
	)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.Stop(ctx)
	})
}

func (h *harness) job(t *testing.T, name, cron string) storage.Job {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.CreateProgram(ctx, storage.Program{Name: name + "-program", ReportName: "Report " + name})
	require.NoError(t, err)
	j, err := h.store.CreateJob(ctx, storage.JobInput{Name: name, ProgramID: p.ID, CronExpression: cron, Enabled: true})
	require.NoError(t, err)
	return j
}

func (h *harness) waitStatus(t *testing.T, execID string, want storage.Status) storage.Execution {
	t.Helper()
	var e storage.Execution
	require.Eventually(t, func() bool {
		var err error
		e, err = h.store.GetExecution(context.Background(), execID)
		return err == nil && e.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return e
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sched.RunningJobs() == 0 }, 5*time.Second, 5*time.Millisecond)
}
