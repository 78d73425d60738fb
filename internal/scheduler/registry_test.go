package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipesched/internal/storage"
)

func TestInstallAndRemove(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.sched.Registry()
	job := storage.Job{ID: 7, Name: "seven", CronExpression: "30 9 * * 1", Enabled: true}

	next, ok := reg.Install(job)
	require.True(t, ok)
	assert.Equal(t, ts(t, "2024-01-22T09:30:00Z"), next)

	// Reinstalling replaces the trigger.
	job.CronExpression = "0 12 * * *"
	next, ok = reg.Install(job)
	require.True(t, ok)
	assert.Equal(t, ts(t, "2024-01-15T12:00:00Z"), next)
	assert.Equal(t, 1, reg.InstalledJobs())

	job.CronExpression = "0 0 31 2 *"
	_, ok = reg.Install(job)
	assert.False(t, ok, "an expression that never fires leaves the job inert")
	assert.Zero(t, reg.InstalledJobs())

	job.CronExpression = "0 12 * * *"
	job.Enabled = false
	_, ok = reg.Install(job)
	assert.False(t, ok)

	reg.Remove(12345)
	assert.Zero(t, reg.InstalledJobs())
}

func TestDueAdvancesPastNow(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.sched.Registry()
	_, ok := reg.Install(storage.Job{ID: 1, Name: "q", CronExpression: "*/15 * * * *", Enabled: true})
	require.True(t, ok)

	assert.Empty(t, reg.due(ts(t, "2024-01-15T10:44:59Z")))

	// A late tick fires once and skips the missed slots.
	late := ts(t, "2024-01-15T11:20:00Z")
	due := reg.due(late)
	require.Len(t, due, 1)
	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ts(t, "2024-01-15T11:30:00Z"), snap[0].NextFire)
	assert.Empty(t, reg.due(late))
}

func TestRunningFlag(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.sched.Registry()

	f := reg.tryAcquire(3, "a")
	require.NotNil(t, f)
	assert.Nil(t, reg.tryAcquire(3, "b"))
	assert.NotNil(t, reg.tryAcquire(4, "c"))
	assert.Equal(t, 2, reg.RunningJobs())

	cancelled := false
	reg.setCancel(f, func() { cancelled = true })
	assert.True(t, reg.cancelExecution("a"))
	assert.True(t, cancelled)
	assert.False(t, reg.cancelExecution("zzz"))

	reg.release(f)
	assert.NotNil(t, reg.tryAcquire(3, "d"))
}

func TestSyncFollowsStore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.start(t)
	reg := h.sched.Registry()

	j := h.job(t, "late-addition", "0 6 * * *")
	require.NoError(t, reg.Sync(ctx))
	assert.Equal(t, 1, reg.InstalledJobs())

	before := reg.Snapshot()[0].NextFire
	h.clock.Set(h.clock.Now().Add(time.Hour))
	require.NoError(t, reg.Sync(ctx))
	assert.Equal(t, before, reg.Snapshot()[0].NextFire, "unchanged jobs keep their next fire")

	_, err := h.store.UpdateJob(ctx, j.ID, storage.JobInput{Name: j.Name, ProgramID: j.ProgramID, CronExpression: "bogus", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, reg.Sync(ctx))
	assert.Zero(t, reg.InstalledJobs())

	_, err = h.store.UpdateJob(ctx, j.ID, storage.JobInput{Name: j.Name, ProgramID: j.ProgramID, CronExpression: "0 7 * * *", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, reg.Sync(ctx))
	assert.Equal(t, 1, reg.InstalledJobs())

	_, err = h.store.SetJobEnabled(ctx, j.ID, false)
	require.NoError(t, err)
	require.NoError(t, reg.Sync(ctx))
	assert.Zero(t, reg.InstalledJobs())
}

func TestSyncWarnsOnceForRefusedExpression(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reg := h.sched.Registry()

	j := h.job(t, "typo", "0 25 * * *")
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Sync(ctx))
	}
	assert.Zero(t, reg.InstalledJobs())
	assert.Equal(t, 1, strings.Count(h.logs.String(), "not scheduled"))

	// A new expression is evaluated again, even if still refused.
	_, err := h.store.UpdateJob(ctx, j.ID, storage.JobInput{Name: j.Name, ProgramID: j.ProgramID, CronExpression: "0 0 31 2 *", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, reg.Sync(ctx))
	require.NoError(t, reg.Sync(ctx))
	assert.Equal(t, 2, strings.Count(h.logs.String(), "not scheduled"))

	_, err = h.store.UpdateJob(ctx, j.ID, storage.JobInput{Name: j.Name, ProgramID: j.ProgramID, CronExpression: "0 6 * * *", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, reg.Sync(ctx))
	assert.Equal(t, 1, reg.InstalledJobs())
	assert.Equal(t, 2, strings.Count(h.logs.String(), "not scheduled"))
}

func TestDropWarningIsRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.sched.Registry()
	job := storage.Job{ID: 1, Name: "busy"}
	at := ts(t, "2024-01-15T10:31:00Z")

	reg.dropped(job, at, false)
	reg.dropped(job, at, false)
	reg.dropped(job, at, true)

	assert.Equal(t, 1, strings.Count(h.logs.String(), "fire dropped"))
}
