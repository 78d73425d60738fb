package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

const programColumns = `id, program_name, workspace_id, report_name, dataset_id, method, output_name,
	output_type, sharepoint_site, sharepoint_path, file_location, description, extra_params,
	created_at, updated_at`

func scanProgram(r rowScanner) (Program, error) {
	var (
		p                Program
		extra            string
		created, updated string
	)
	err := r.Scan(&p.ID, &p.Name, &p.WorkspaceID, &p.ReportName, &p.DatasetID, &p.Method, &p.OutputName,
		&p.OutputType, &p.SharepointSite, &p.SharepointPath, &p.FileLocation, &p.Description, &extra,
		&created, &updated)
	if err != nil {
		return Program{}, err
	}
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &p.Extra); err != nil {
			return Program{}, errors.Wrapf(err, "program %d: extra_params", p.ID)
		}
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return Program{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return Program{}, err
	}
	return p, nil
}

func encodeExtra(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func validateProgram(p Program) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.Wrap(ErrInvalid, "program_name is required")
	}
	return nil
}

// CreateProgram inserts p and returns the stored row.
func (s *Store) CreateProgram(ctx context.Context, p Program) (Program, error) {
	if err := validateProgram(p); err != nil {
		return Program{}, err
	}
	extra, err := encodeExtra(p.Extra)
	if err != nil {
		return Program{}, errors.Mark(err, ErrInvalid)
	}
	now := formatTime(s.now())
	var id int64
	err = s.run(ctx, "create program", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO programs(program_name, workspace_id, report_name, dataset_id, method, output_name,
				output_type, sharepoint_site, sharepoint_path, file_location, description, extra_params,
				created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			strings.TrimSpace(p.Name), p.WorkspaceID, p.ReportName, p.DatasetID, p.Method, p.OutputName,
			p.OutputType, p.SharepointSite, p.SharepointPath, p.FileLocation, p.Description, extra, now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Mark(errors.Wrapf(err, "program %q already exists", p.Name), ErrConflict)
			}
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Program{}, err
	}
	return s.GetProgram(ctx, id)
}

func (s *Store) GetProgram(ctx context.Context, id int64) (Program, error) {
	return s.getProgram(ctx, `SELECT `+programColumns+` FROM programs WHERE id = ?`, id)
}

func (s *Store) GetProgramByName(ctx context.Context, name string) (Program, error) {
	return s.getProgram(ctx, `SELECT `+programColumns+` FROM programs WHERE program_name = ?`, strings.TrimSpace(name))
}

func (s *Store) getProgram(ctx context.Context, query string, arg any) (Program, error) {
	var p Program
	err := s.run(ctx, "get program", func(ctx context.Context) error {
		var err error
		p, err = scanProgram(s.db.QueryRowContext(ctx, query, arg))
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "program %v", arg)
		}
		return err
	})
	return p, err
}

func (s *Store) ListPrograms(ctx context.Context) ([]Program, error) {
	var out []Program
	err := s.run(ctx, "list programs", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT `+programColumns+` FROM programs ORDER BY program_name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProgram(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateProgram replaces the editable fields of program id.
func (s *Store) UpdateProgram(ctx context.Context, id int64, p Program) (Program, error) {
	if err := validateProgram(p); err != nil {
		return Program{}, err
	}
	extra, err := encodeExtra(p.Extra)
	if err != nil {
		return Program{}, errors.Mark(err, ErrInvalid)
	}
	err = s.run(ctx, "update program", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE programs SET program_name=?, workspace_id=?, report_name=?, dataset_id=?, method=?,
				output_name=?, output_type=?, sharepoint_site=?, sharepoint_path=?, file_location=?,
				description=?, extra_params=?, updated_at=?
			 WHERE id=?`,
			strings.TrimSpace(p.Name), p.WorkspaceID, p.ReportName, p.DatasetID, p.Method,
			p.OutputName, p.OutputType, p.SharepointSite, p.SharepointPath, p.FileLocation,
			p.Description, extra, formatTime(s.now()), id,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Mark(errors.Wrapf(err, "program %q already exists", p.Name), ErrConflict)
			}
			return err
		}
		return requireAffected(res, "program", id)
	})
	if err != nil {
		return Program{}, err
	}
	return s.GetProgram(ctx, id)
}

// DeleteProgram removes a program that no job references.
func (s *Store) DeleteProgram(ctx context.Context, id int64) error {
	return s.tx(ctx, "delete program", func(ctx context.Context, tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE program_id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return errors.Wrapf(ErrConflict, "program %d is used by %d job(s)", id, n)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM programs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "program", id)
	})
}

func requireAffected(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %v", what, id)
	}
	return nil
}
