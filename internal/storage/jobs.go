package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pipesched/internal/cronexpr"
	logx "pipesched/pkg/logx"
)

const jobColumns = `id, job_name, program_id, cron_expression, enabled, last_run_time, next_run_time, created_at, updated_at`

func scanJob(r rowScanner) (Job, error) {
	var (
		j                Job
		enabled          int
		last, next       sql.NullString
		created, updated string
	)
	if err := r.Scan(&j.ID, &j.Name, &j.ProgramID, &j.CronExpression, &enabled, &last, &next, &created, &updated); err != nil {
		return Job{}, err
	}
	j.Enabled = enabled != 0
	var err error
	if j.LastRunTime, err = parseNullTime(last); err != nil {
		return Job{}, err
	}
	if j.NextRunTime, err = parseNullTime(next); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return Job{}, err
	}
	return j, nil
}

func validateJob(in JobInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.Wrap(ErrInvalid, "job_name is required")
	}
	if strings.TrimSpace(in.CronExpression) == "" {
		return errors.Wrap(ErrInvalid, "cron_expression is required")
	}
	if in.ProgramID <= 0 {
		return errors.Wrap(ErrInvalid, "program_id is required")
	}
	return nil
}

// nextRun recomputes the next fire from the save time. A malformed expression
// yields nil so the job stays inert until corrected.
func (s *Store) nextRun(job string, expr string, at time.Time) *time.Time {
	if s.loc != nil {
		at = at.In(s.loc)
	}
	next, err := cronexpr.NextFireTime(expr, at)
	if err != nil {
		s.log.Warn("job cron expression is malformed; job is inert",
			logx.String("job", job), logx.String("cron", expr), logx.Err(err))
		return nil
	}
	return &next
}

func programExists(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM programs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "program %d", id)
	}
	return err
}

// CreateJob inserts a job and computes its next_run_time.
func (s *Store) CreateJob(ctx context.Context, in JobInput) (Job, error) {
	if err := validateJob(in); err != nil {
		return Job{}, err
	}
	now := s.now()
	next := s.nextRun(in.Name, in.CronExpression, now)
	var id int64
	err := s.tx(ctx, "create job", func(ctx context.Context, tx *sql.Tx) error {
		if err := programExists(ctx, tx, in.ProgramID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(job_name, program_id, cron_expression, enabled, next_run_time, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?)`,
			strings.TrimSpace(in.Name), in.ProgramID, strings.TrimSpace(in.CronExpression), boolInt(in.Enabled),
			nullTime(next), formatTime(now), formatTime(now),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Mark(errors.Wrapf(err, "job %q already exists", in.Name), ErrConflict)
			}
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// UpdateJob replaces the editable fields of job id. next_run_time is always
// recomputed from the (possibly new) expression and the save time.
func (s *Store) UpdateJob(ctx context.Context, id int64, in JobInput) (Job, error) {
	if err := validateJob(in); err != nil {
		return Job{}, err
	}
	now := s.now()
	next := s.nextRun(in.Name, in.CronExpression, now)
	err := s.tx(ctx, "update job", func(ctx context.Context, tx *sql.Tx) error {
		if err := programExists(ctx, tx, in.ProgramID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET job_name=?, program_id=?, cron_expression=?, enabled=?, next_run_time=?, updated_at=?
			 WHERE id=?`,
			strings.TrimSpace(in.Name), in.ProgramID, strings.TrimSpace(in.CronExpression), boolInt(in.Enabled),
			nullTime(next), formatTime(now), id,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Mark(errors.Wrapf(err, "job %q already exists", in.Name), ErrConflict)
			}
			return err
		}
		return requireAffected(res, "job", id)
	})
	if err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// SetJobEnabled toggles a job. Enabling also refreshes next_run_time.
func (s *Store) SetJobEnabled(ctx context.Context, id int64, enabled bool) (Job, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return s.UpdateJob(ctx, id, JobInput{
		Name:           j.Name,
		ProgramID:      j.ProgramID,
		CronExpression: j.CronExpression,
		Enabled:        enabled,
	})
}

// SetJobSchedule persists a recomputed next_run_time (registry load).
func (s *Store) SetJobSchedule(ctx context.Context, id int64, next *time.Time) error {
	return s.run(ctx, "set job schedule", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE jobs SET next_run_time=? WHERE id=?`, nullTime(next), id)
		if err != nil {
			return err
		}
		return requireAffected(res, "job", id)
	})
}

func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

func (s *Store) GetJobByName(ctx context.Context, name string) (Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_name = ?`, strings.TrimSpace(name))
}

func (s *Store) getJob(ctx context.Context, query string, arg any) (Job, error) {
	var j Job
	err := s.run(ctx, "get job", func(ctx context.Context) error {
		var err error
		j, err = scanJob(s.db.QueryRowContext(ctx, query, arg))
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "job %v", arg)
		}
		return err
	})
	return j, err
}

// ListJobs returns jobs ordered by name, optionally only enabled ones.
func (s *Store) ListJobs(ctx context.Context, enabledOnly bool) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY job_name`
	var out []Job
	err := s.run(ctx, "list jobs", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteJob removes a job and, by cascade, its execution history.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.run(ctx, "delete job", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "job", id)
	})
}
