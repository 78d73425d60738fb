package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

const executionColumns = `id, job_id, start_time, end_time, status, output, error, is_aborted`

func scanExecution(r rowScanner) (Execution, error) {
	var (
		e       Execution
		start   string
		end     sql.NullString
		status  string
		aborted int
	)
	if err := r.Scan(&e.ID, &e.JobID, &start, &end, &status, &e.Output, &e.Error, &aborted); err != nil {
		return Execution{}, err
	}
	e.Status = Status(status)
	e.IsAborted = aborted != 0
	var err error
	if e.StartTime, err = parseTime(start); err != nil {
		return Execution{}, err
	}
	if e.EndTime, err = parseNullTime(end); err != nil {
		return Execution{}, err
	}
	return e, nil
}

// BeginExecution inserts a running execution and stamps the job's
// last_run_time/next_run_time in one transaction. Either both land or neither.
func (s *Store) BeginExecution(ctx context.Context, p BeginParams) (Execution, error) {
	if p.ExecutionID == "" {
		return Execution{}, errors.Wrap(ErrInvalid, "execution id is required")
	}
	start := formatTime(p.Start)
	err := s.tx(ctx, "begin execution", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET last_run_time=?, next_run_time=? WHERE id=?`,
			start, nullTime(p.NextRun), p.JobID,
		)
		if err != nil {
			return err
		}
		if err := requireAffected(res, "job", p.JobID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO executions(id, job_id, start_time, status) VALUES(?,?,?,?)`,
			p.ExecutionID, p.JobID, start, string(StatusRunning),
		)
		return err
	})
	if err != nil {
		return Execution{}, err
	}
	return Execution{ID: p.ExecutionID, JobID: p.JobID, StartTime: p.Start.UTC(), Status: StatusRunning}, nil
}

// FinishExecution moves a running execution to completed or failed.
//
// It reports false (and changes nothing) when the execution already left
// running, e.g. because it was aborted meanwhile.
func (s *Store) FinishExecution(ctx context.Context, id string, status Status, output, errText string, end time.Time) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, errors.Wrapf(ErrInvalid, "finish status %q", status)
	}
	var n int64
	err := s.run(ctx, "finish execution", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE executions SET status=?, output=?, error=?, end_time=?
			 WHERE id=? AND status='running'`,
			string(status), output, errText, formatTime(end), id,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, gerr := s.GetExecution(ctx, id); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

// AbortExecution transitions a running execution to aborted. It fails with
// ErrNotRunning (no side effect) for terminal executions and ErrNotFound for
// unknown ids.
func (s *Store) AbortExecution(ctx context.Context, id string, at time.Time, reason string) (Execution, error) {
	var out Execution
	err := s.tx(ctx, "abort execution", func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "execution %s", id)
		}
		if err != nil {
			return err
		}
		if cur.Status != StatusRunning {
			return errors.Wrapf(ErrNotRunning, "execution %s is %s", id, cur.Status)
		}
		end := at.UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET status='aborted', is_aborted=1, end_time=?, error=? WHERE id=? AND status='running'`,
			formatTime(end), reason, id,
		); err != nil {
			return err
		}
		cur.Status = StatusAborted
		cur.IsAborted = true
		cur.EndTime = &end
		cur.Error = reason
		out = cur
		return nil
	})
	return out, err
}

func (s *Store) GetExecution(ctx context.Context, id string) (Execution, error) {
	var e Execution
	err := s.run(ctx, "get execution", func(ctx context.Context) error {
		var err error
		e, err = scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "execution %s", id)
		}
		return err
	})
	return e, err
}

// IsAborted reports whether the execution was flagged aborted. Unknown ids
// count as aborted: the row is gone, so the run has nothing to report to.
func (s *Store) IsAborted(ctx context.Context, id string) (bool, error) {
	e, err := s.GetExecution(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return e.IsAborted, nil
}

// LatestExecution returns the most recent execution of a job; ok is false if
// the job never ran.
func (s *Store) LatestExecution(ctx context.Context, jobID int64) (Execution, bool, error) {
	list, err := s.ListExecutions(ctx, jobID, 1)
	if err != nil || len(list) == 0 {
		return Execution{}, false, err
	}
	return list[0], true, nil
}

// ListExecutions returns up to limit executions of a job, most recent first.
func (s *Store) ListExecutions(ctx context.Context, jobID int64, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Execution
	err := s.run(ctx, "list executions", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE job_id = ? ORDER BY start_time DESC, rowid DESC LIMIT ?`,
			jobID, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanExecution(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// ListRunningExecutions returns every execution still marked running.
func (s *Store) ListRunningExecutions(ctx context.Context) ([]Execution, error) {
	var out []Execution
	err := s.run(ctx, "list running executions", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+executionColumns+` FROM executions WHERE status = 'running' ORDER BY start_time`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanExecution(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// FailRunningExecutions marks every running execution failed. It is used at
// startup: nothing can be running before the scheduler itself is.
func (s *Store) FailRunningExecutions(ctx context.Context, reason string, at time.Time) (int64, error) {
	var n int64
	err := s.run(ctx, "fail running executions", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE executions SET status='failed', end_time=?, error=? WHERE status='running'`,
			formatTime(at), reason,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DeleteExecutionsBefore removes terminal executions that started before cutoff.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.run(ctx, "delete old executions", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM executions WHERE status <> 'running' AND start_time < ?`, formatTime(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
