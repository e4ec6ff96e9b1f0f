package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"
)

// Summary returns job counts grouped by mode, step and status. A store
// without jobs table yields an empty summary.
func (s *Store) Summary(ctx context.Context) (model.Summary, error) {
	ret := make(model.Summary)
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT UPPER(mode), COALESCE(step, ''), UPPER(status), COUNT(*)
			FROM jobs GROUP BY 1, 2, 3`)
		if err != nil {
			return err
		}
		defer rows.Close()
		clear(ret)
		for rows.Next() {
			var mode, step, status string
			var n int
			if err := rows.Scan(&mode, &step, &status, &n); err != nil {
				return err
			}
			ret[model.SummaryKey{Mode: model.Mode(mode), Step: model.Step(step), Status: model.Status(status)}] += n
		}
		return rows.Err()
	})
	if err := IgnoreNoSuchTable(err); err != nil {
		return nil, fmt.Errorf("summarizing jobs: %w", err)
	}
	return ret, nil
}

// Dashboard returns the rows of report_dashboard.
func (s *Store) Dashboard(ctx context.Context) ([]model.DashboardRow, error) {
	var ret []model.DashboardRow
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, qa_type, total, pass, fail, file_asc, file_asc_cto
			FROM report_dashboard ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		ret = ret[:0]
		for rows.Next() {
			var r model.DashboardRow
			var asc, cto sql.NullString
			if err := rows.Scan(&r.ID, &r.QAType, &r.Total, &r.Pass, &r.Fail, &asc, &cto); err != nil {
				return err
			}
			r.FileASC, r.FileASCCTO = asc.String, cto.String
			ret = append(ret, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reading dashboard: %w", err)
	}
	return ret, nil
}

// AddDashboardRow appends a dashboard row and returns its id.
func (s *Store) AddDashboardRow(ctx context.Context, r model.DashboardRow) (int64, error) {
	var id int64
	err := s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `INSERT INTO report_dashboard (qa_type, total, pass, fail, file_asc, file_asc_cto)
			VALUES (?, ?, ?, ?, ?, ?)`,
			strings.ToUpper(r.QAType), r.Total, r.Pass, r.Fail, nullString(r.FileASC), nullString(r.FileASCCTO))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("adding dashboard row: %w", err)
	}
	return id, nil
}

func checkQAType(qaType string) (string, error) {
	qa := strings.ToUpper(qaType)
	if !slices.Contains(model.QATypes, qa) {
		return "", fmt.Errorf("unknown qa type %q", qaType)
	}
	return reportTable(qa), nil
}

// ReportRows returns the rows of report_<qaType>.
func (s *Store) ReportRows(ctx context.Context, qaType string) ([]model.ReportRow, error) {
	table, err := checkQAType(qaType)
	if err != nil {
		return nil, err
	}
	var ret []model.ReportRow
	err = s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id, base, cell, status, message, file_asc, file_asc_cto
			FROM `+table+` ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		ret = ret[:0]
		for rows.Next() {
			var r model.ReportRow
			var base, cell, status, msg, asc, cto sql.NullString
			if err := rows.Scan(&r.ID, &base, &cell, &status, &msg, &asc, &cto); err != nil {
				return err
			}
			r.Base, r.Cell, r.Status, r.Message = base.String, cell.String, status.String, msg.String
			r.FileASC, r.FileASCCTO = asc.String, cto.String
			ret = append(ret, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	return ret, nil
}

// AddReportRow appends a row to report_<qaType>.
func (s *Store) AddReportRow(ctx context.Context, qaType string, r model.ReportRow) (int64, error) {
	table, err := checkQAType(qaType)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `INSERT INTO `+table+` (base, cell, status, message, file_asc, file_asc_cto)
			VALUES (?, ?, ?, ?, ?, ?)`,
			nullString(r.Base), nullString(r.Cell), nullString(r.Status), nullString(r.Message),
			nullString(r.FileASC), nullString(r.FileASCCTO))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("adding %s row: %w", table, err)
	}
	return id, nil
}

// AddFile records a produced file.
func (s *Store) AddFile(ctx context.Context, fileType, path string) error {
	err := s.do(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO files (file_type, file_path, created_at) VALUES (?, ?, ?)`,
			fileType, path, time.Now().Local().Format(TimeLayout))
		return err
	})
	if err != nil {
		return fmt.Errorf("adding file %s: %w", path, err)
	}
	return nil
}

// LatestFile returns the path of the most recently recorded file of a given
// type, model.ErrNotFound if there is none.
func (s *Store) LatestFile(ctx context.Context, fileType string) (string, error) {
	var path string
	err := s.do(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT file_path FROM files WHERE file_type = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`, fileType).Scan(&path)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("file of type %s: %w", fileType, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading latest %s file: %w", fileType, err)
	}
	return path, nil
}
