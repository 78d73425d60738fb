package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: ts(t, "2024-01-15T10:30:00Z")}
	path := filepath.Join(t.TempDir(), "sched.db")
	s, err := Open(context.Background(), Config{Path: path, RetryBase: time.Millisecond}, logx.Nop(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func createTestProgram(t *testing.T, s *Store, name string) Program {
	t.Helper()
	p, err := s.CreateProgram(context.Background(), Program{
		Name:        name,
		WorkspaceID: "ws-1",
		ReportName:  "Sales",
		DatasetID:   "ds-1",
		Method:      "export",
		OutputName:  "sales",
		OutputType:  "xlsx",
		Extra:       map[string]string{"region": "emea"},
	})
	require.NoError(t, err)
	return p
}

func createTestJob(t *testing.T, s *Store, name, cron string) Job {
	t.Helper()
	p := createTestProgram(t, s, name+"-program")
	j, err := s.CreateJob(context.Background(), JobInput{Name: name, ProgramID: p.ID, CronExpression: cron, Enabled: true})
	require.NoError(t, err)
	return j
}

func TestProgramCRUD(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	p := createTestProgram(t, s, "sales")
	assert.NotZero(t, p.ID)
	assert.Equal(t, "emea", p.Extra["region"])

	params := p.Params()
	assert.Equal(t, "sales", params["program_name"])
	assert.Equal(t, "ws-1", params["workspace_id"])
	assert.Equal(t, "emea", params["region"])

	_, err := s.CreateProgram(ctx, Program{Name: "sales"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateProgram(ctx, Program{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalid)

	p.ReportName = "Sales v2"
	p.Extra = nil
	up, err := s.UpdateProgram(ctx, p.ID, p)
	require.NoError(t, err)
	assert.Equal(t, "Sales v2", up.ReportName)
	assert.Empty(t, up.Extra)

	byName, err := s.GetProgramByName(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	list, err := s.ListPrograms(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProgram(ctx, p.ID))
	_, err = s.GetProgram(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteProgram(ctx, p.ID), ErrNotFound)
}

func TestDeleteProgramInUseConflicts(t *testing.T) {
	s, _ := createTestStore(t)
	j := createTestJob(t, s, "nightly", "0 0 * * *")
	err := s.DeleteProgram(context.Background(), j.ProgramID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateJobComputesNextRun(t *testing.T) {
	s, _ := createTestStore(t)
	j := createTestJob(t, s, "nightly", "0 0 * * *")

	require.NotNil(t, j.NextRunTime)
	assert.Equal(t, ts(t, "2024-01-16T00:00:00Z"), *j.NextRunTime)
	assert.Nil(t, j.LastRunTime)
	assert.True(t, j.Enabled)
}

func TestUpdateJobRecomputesNextRun(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")

	clock.Set(ts(t, "2024-01-20T08:00:00Z"))
	up, err := s.UpdateJob(ctx, j.ID, JobInput{Name: j.Name, ProgramID: j.ProgramID, CronExpression: "30 9 * * *", Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, up.NextRunTime)
	assert.Equal(t, ts(t, "2024-01-20T09:30:00Z"), *up.NextRunTime)

	up, err = s.UpdateJob(ctx, j.ID, JobInput{Name: j.Name, ProgramID: j.ProgramID, CronExpression: "99 * * * *", Enabled: true})
	require.NoError(t, err)
	assert.Nil(t, up.NextRunTime, "malformed cron must leave the job inert")

	disabled, err := s.SetJobEnabled(ctx, j.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
}

func TestCreateJobMalformedCronIsInert(t *testing.T) {
	s, _ := createTestStore(t)
	j := createTestJob(t, s, "broken", "not a cron")
	assert.Nil(t, j.NextRunTime)
}

func TestCreateJobValidation(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")

	_, err := s.CreateJob(ctx, JobInput{Name: "nightly", ProgramID: j.ProgramID, CronExpression: "0 1 * * *"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateJob(ctx, JobInput{Name: "orphan", ProgramID: 999, CronExpression: "0 1 * * *"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateJob(ctx, JobInput{Name: "", ProgramID: j.ProgramID, CronExpression: "0 1 * * *"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestListJobsEnabledFilter(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	a := createTestJob(t, s, "a", "0 0 * * *")
	createTestJob(t, s, "b", "0 1 * * *")
	_, err := s.SetJobEnabled(ctx, a.ID, false)
	require.NoError(t, err)

	all, err := s.ListJobs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "b", enabled[0].Name)
}

func TestBeginAndFinishExecution(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")

	start := ts(t, "2024-01-16T00:00:00Z")
	next := ts(t, "2024-01-17T00:00:00Z")
	e, err := s.BeginExecution(ctx, BeginParams{ExecutionID: "e-1", JobID: j.ID, Start: start, NextRun: &next})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, e.Status)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunTime)
	assert.Equal(t, start, *got.LastRunTime)
	assert.Equal(t, next, *got.NextRunTime)

	running, err := s.GetExecution(ctx, "e-1")
	require.NoError(t, err)
	assert.Nil(t, running.EndTime)
	assert.Zero(t, running.Duration())

	end := start.Add(90 * time.Second)
	ok, err := s.FinishExecution(ctx, "e-1", StatusCompleted, "done", "", end)
	require.NoError(t, err)
	assert.True(t, ok)

	done, err := s.GetExecution(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.EndTime)
	assert.Equal(t, 90*time.Second, done.Duration())
	assert.Equal(t, "done", done.Output)

	// Terminal status is never reassigned.
	ok, err = s.FinishExecution(ctx, "e-1", StatusFailed, "", "late", end.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	again, err := s.GetExecution(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, done, again)

	_, err = s.FinishExecution(ctx, "missing", StatusFailed, "", "", end)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FinishExecution(ctx, "e-1", StatusRunning, "", "", end)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestBeginExecutionUnknownJobWritesNothing(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	_, err := s.BeginExecution(ctx, BeginParams{ExecutionID: "e-x", JobID: 404, Start: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetExecution(ctx, "e-x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAbortExecution(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")
	start := ts(t, "2024-01-16T00:00:00Z")

	_, err := s.BeginExecution(ctx, BeginParams{ExecutionID: "done", JobID: j.ID, Start: start})
	require.NoError(t, err)
	_, err = s.FinishExecution(ctx, "done", StatusCompleted, "ok", "", start.Add(time.Minute))
	require.NoError(t, err)
	before, err := s.GetExecution(ctx, "done")
	require.NoError(t, err)

	_, err = s.AbortExecution(ctx, "done", start.Add(2*time.Minute), "aborted by user")
	assert.ErrorIs(t, err, ErrNotRunning)
	after, err := s.GetExecution(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = s.BeginExecution(ctx, BeginParams{ExecutionID: "live", JobID: j.ID, Start: start.Add(time.Hour)})
	require.NoError(t, err)
	ab, err := s.AbortExecution(ctx, "live", start.Add(2*time.Hour), "aborted by user")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, ab.Status)
	assert.True(t, ab.IsAborted)
	require.NotNil(t, ab.EndTime)

	stored, err := s.GetExecution(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, stored.Status)
	assert.True(t, stored.IsAborted)
	assert.NotNil(t, stored.EndTime)

	aborted, err := s.IsAborted(ctx, "live")
	require.NoError(t, err)
	assert.True(t, aborted)

	_, err = s.AbortExecution(ctx, "nope", start, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListExecutionsMostRecentFirst(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")

	_, ok, err := s.LatestExecution(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	base := ts(t, "2024-01-16T00:00:00Z")
	ids := []string{"e0", "e1", "e2", "e3"}
	for i, id := range ids {
		start := base.Add(time.Duration(i) * time.Hour)
		_, err := s.BeginExecution(ctx, BeginParams{ExecutionID: id, JobID: j.ID, Start: start})
		require.NoError(t, err)
		_, err = s.FinishExecution(ctx, id, StatusCompleted, "", "", start.Add(time.Second))
		require.NoError(t, err)
	}

	list, err := s.ListExecutions(ctx, j.ID, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "e3", list[0].ID)
	assert.Equal(t, "e2", list[1].ID)
	assert.Equal(t, "e1", list[2].ID)

	latest, ok, err := s.LatestExecution(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "e3", latest.ID)
}

func TestDeleteJobCascadesExecutions(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")
	_, err := s.BeginExecution(ctx, BeginParams{ExecutionID: "e", JobID: j.ID, Start: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.DeleteJob(ctx, j.ID))
	_, err = s.GetExecution(ctx, "e")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, j.ID), ErrNotFound)
}

func TestFailRunningExecutionsAndRetention(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")
	old := ts(t, "2023-01-01T00:00:00Z")

	_, err := s.BeginExecution(ctx, BeginParams{ExecutionID: "old-done", JobID: j.ID, Start: old})
	require.NoError(t, err)
	_, err = s.FinishExecution(ctx, "old-done", StatusCompleted, "", "", old.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.BeginExecution(ctx, BeginParams{ExecutionID: "old-running", JobID: j.ID, Start: old})
	require.NoError(t, err)

	running, err := s.ListRunningExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)

	// Retention never removes running rows.
	n, err := s.DeleteExecutionsBefore(ctx, ts(t, "2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = s.GetExecution(ctx, "old-running")
	require.NoError(t, err)

	n, err = s.FailRunningExecutions(ctx, "orphaned", ts(t, "2024-01-15T10:30:00Z"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	e, err := s.GetExecution(ctx, "old-running")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "orphaned", e.Error)
	assert.NotNil(t, e.EndTime)
}

func TestSchemaRejectsRunningWithEndTime(t *testing.T) {
	s, _ := createTestStore(t)
	j := createTestJob(t, s, "nightly", "0 0 * * *")
	_, err := s.DB().Exec(
		`INSERT INTO executions(id, job_id, start_time, end_time, status) VALUES('bad', ?, ?, ?, 'running')`,
		j.ID, formatTime(time.Now()), formatTime(time.Now()),
	)
	assert.Error(t, err)

	_, err = s.DB().Exec(
		`INSERT INTO executions(id, job_id, start_time, status) VALUES('bad2', ?, ?, 'completed')`,
		j.ID, formatTime(time.Now()),
	)
	assert.Error(t, err)
}

func TestSetJobSchedule(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	j := createTestJob(t, s, "nightly", "0 0 * * *")

	require.NoError(t, s.SetJobSchedule(ctx, j.ID, nil))
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunTime)

	assert.ErrorIs(t, s.SetJobSchedule(ctx, 999, nil), ErrNotFound)
}
