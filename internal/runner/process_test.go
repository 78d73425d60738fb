package runner

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pipesched/pkg/logx"
)

// shell runs script via sh; "--program <blob>" lands in $1 and $2.
func shell(t *testing.T, script string, mut ...func(*Config)) *ProcessRunner {
	t.Helper()
	cfg := Config{Command: []string{"sh", "-c", script, "report-engine"}}
	for _, m := range mut {
		m(&cfg)
	}
	r, err := New(cfg, logx.Nop())
	require.NoError(t, err)
	return r
}

func TestRunSuccessReturnsStdout(t *testing.T) {
	r := shell(t, `echo hello; echo warn >&2; echo world`)
	res := r.Run(context.Background(), Request{ExecutionID: "e1"})
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\nworld", res.Output)
	assert.False(t, res.Finished.Before(res.Started))
}

func TestRunFailureOutputFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		script string
		code   int
		want   string
	}{
		{name: "stderr wins", script: `echo out; echo bad >&2; exit 3`, code: 3, want: "bad"},
		{name: "stdout fallback", script: `echo only-out; exit 1`, code: 1, want: "only-out"},
		{name: "unknown", script: `exit 2`, code: 2, want: MsgUnknownError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := shell(t, tt.script).Run(context.Background(), Request{ExecutionID: "e"})
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.ExitCode)
			assert.Equal(t, tt.want, res.Output)
		})
	}
}

func TestRunPassesParamsWithExecutionID(t *testing.T) {
	r := shell(t, `[ "$1" = "--program" ] || exit 9; printf '%s' "$2"`)
	res := r.Run(context.Background(), Request{
		ExecutionID: "0b7c",
		Params:      map[string]any{"program_name": "sales", "workspace_id": "ws-1"},
	})
	require.True(t, res.Success, res.Output)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Output), &got))
	assert.Equal(t, "0b7c", got["execution_id"])
	assert.Equal(t, "sales", got["program_name"])
	assert.Equal(t, "ws-1", got["workspace_id"])
}

func TestRunTimeout(t *testing.T) {
	r := shell(t, `echo started; sleep 2`)
	start := time.Now()
	res := r.Run(context.Background(), Request{ExecutionID: "slow", Timeout: time.Second})
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Equal(t, MsgTimedOut, res.Output)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunAbortViaContext(t *testing.T) {
	r := shell(t, `sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := r.Run(ctx, Request{ExecutionID: "a"})
	assert.False(t, res.Success)
	assert.True(t, res.Aborted)
	assert.Equal(t, MsgAborted, res.Output)
}

func TestRunAbortCheckPolled(t *testing.T) {
	r := shell(t, `sleep 5`, func(c *Config) { c.AbortPoll = 20 * time.Millisecond })
	var polls atomic.Int32
	res := r.Run(context.Background(), Request{
		ExecutionID: "a",
		AbortCheck: func(context.Context) bool {
			return polls.Add(1) >= 3
		},
	})
	assert.True(t, res.Aborted)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestRunLaunchFailure(t *testing.T) {
	r, err := New(Config{Command: []string{"/nonexistent/report-engine"}}, logx.Nop())
	require.NoError(t, err)
	res := r.Run(context.Background(), Request{ExecutionID: "x"})
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Output, "failed to start process"), res.Output)
}

func TestRunDrainsLargeOutputOnBothStreams(t *testing.T) {
	// Far more than a pipe buffer on each stream; a sequential reader would deadlock.
	script := `i=0; while [ $i -lt 3000 ]; do echo "out line $i"; echo "err line $i" >&2; i=$((i+1)); done`
	r := shell(t, script, func(c *Config) { c.MaxOutputBytes = 1000 })
	res := r.Run(context.Background(), Request{ExecutionID: "big", Timeout: 30 * time.Second})
	require.True(t, res.Success)
	assert.LessOrEqual(t, len(res.Output), 1000)
	assert.True(t, strings.HasSuffix(res.Output, "out line 2999"))
}

func TestTailCutsOnRuneBoundary(t *testing.T) {
	tl := newTail(5)
	tl.add("ééééé")
	got := tl.String()
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé", got)

	for i := 0; i < 10; i++ {
		tl.add("日本語のログ")
		assert.True(t, utf8.ValidString(tl.String()))
		assert.LessOrEqual(t, len(tl.String()), 5)
	}
}

func TestRunOutputCapKeepsValidUTF8(t *testing.T) {
	r := shell(t, `i=0; while [ $i -lt 50 ]; do echo "ünïcödé"; i=$((i+1)); done`, func(c *Config) { c.MaxOutputBytes = 33 })
	res := r.Run(context.Background(), Request{ExecutionID: "e1"})
	require.True(t, res.Success)
	assert.True(t, utf8.ValidString(res.Output))
	assert.LessOrEqual(t, len(res.Output), 33)
	assert.True(t, strings.HasSuffix(res.Output, "ünïcödé"))
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}
