package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipesched/internal/retry"
	logx "pipesched/pkg/logx"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestIsContention(t *testing.T) {
	assert.True(t, isContention(fmt.Errorf("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isContention(fmt.Errorf("database table is locked")))
	assert.True(t, isContention(errors.Wrap(fmt.Errorf("SQLITE_BUSY"), "exec")))
	assert.False(t, isContention(fmt.Errorf("UNIQUE constraint failed: jobs.job_name")))
	assert.False(t, isContention(nil))
}

func TestStoreRetriesBusyWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var attempts []int
	s := New(db, logx.Nop(),
		WithRetryPolicy(retry.Policy{Sleep: noSleep}),
		WithRetryObserver(func(attempt int, _ time.Duration, _ error) { attempts = append(attempts, attempt) }),
	)

	q := regexp.QuoteMeta(`UPDATE jobs SET next_run_time=? WHERE id=?`)
	mock.ExpectExec(q).WillReturnError(fmt.Errorf("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectExec(q).WillReturnError(fmt.Errorf("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetJobSchedule(context.Background(), 7, nil))
	assert.Equal(t, []int{1, 2}, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGivesUpAfterMaxRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, logx.Nop(), WithRetryPolicy(retry.Policy{Sleep: noSleep}))

	q := regexp.QuoteMeta(`DELETE FROM jobs WHERE id = ?`)
	for i := 0; i < retry.DefaultMaxRetries; i++ {
		mock.ExpectExec(q).WillReturnError(fmt.Errorf("database is locked (5) (SQLITE_BUSY)"))
	}

	err = s.DeleteJob(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, retry.IsContention(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDoesNotRetryOtherErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, logx.Nop(), WithRetryPolicy(retry.Policy{Sleep: noSleep}))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM jobs WHERE id = ?`)).WillReturnError(fmt.Errorf("disk I/O error"))

	err = s.DeleteJob(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, retry.IsContention(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A second connection holding the write lock makes writes busy until it
// commits; the store must ride it out through retries.
func TestStoreRidesOutWriteLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	holder, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer holder.Close()
	j := createTestJob(t, holder, "nightly", "0 0 * * *")

	var retries int
	writer, err := Open(ctx, Config{Path: path, BusyTimeout: 10 * time.Millisecond, RetryBase: 50 * time.Millisecond}, logx.Nop(),
		WithRetryObserver(func(int, time.Duration, error) { retries++ }))
	require.NoError(t, err)
	defer writer.Close()

	conn, err := holder.DB().Conn(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)
	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(80 * time.Millisecond)
		_, _ = conn.ExecContext(ctx, "COMMIT")
		_ = conn.Close()
	}()

	require.NoError(t, writer.SetJobSchedule(ctx, j.ID, nil))
	<-released
	assert.GreaterOrEqual(t, retries, 1)
}
