package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"
)

const jobColumns = `id, mode, base, cell, step, start_time, end_time, duration, log_path, script_path, status, reason`

// TimeLayout is the format of start_time and end_time columns.
const TimeLayout = "2006-01-02 15:04:05"

// ListJobs returns all rows of the jobs table ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	var ret []model.Job
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		ret = ret[:0]
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			ret = append(ret, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return ret, nil
}

// GetJob returns a single job, model.ErrNotFound if there is no such id.
func (s *Store) GetJob(ctx context.Context, id int64) (model.Job, error) {
	var job model.Job
	err := s.do(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		var err error
		job, err = scanJob(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("getting job %d: %w", id, err)
	}
	return job, nil
}

// InsertJob stores a new job and returns its id. An empty status is stored
// as PENDING.
func (s *Store) InsertJob(ctx context.Context, job model.Job) (int64, error) {
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	var id int64
	err := s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `INSERT INTO jobs (
			mode, base, cell, step, start_time, end_time, duration, log_path, script_path, status, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(job.Mode),
			nullString(job.Base),
			nullString(job.Cell),
			nullString(string(job.Step)),
			formatTime(job.StartTime),
			formatTime(job.EndTime),
			formatDuration(job.Duration),
			nullString(job.LogPath),
			nullString(job.ScriptPath),
			string(job.Status),
			nullString(job.Reason),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}
	return id, nil
}

// UpdateJob changes the columns set in upd. A status change must be allowed
// by model.Status.CanTransition, otherwise model.ErrInvalidTransition is
// returned and the row is left untouched.
func (s *Store) UpdateJob(ctx context.Context, id int64, upd model.JobUpdate) error {
	if upd.Empty() {
		return nil
	}

	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Step != nil {
		add("step", nullString(string(*upd.Step)))
	}
	if upd.StartTime != nil {
		add("start_time", formatTime(*upd.StartTime))
	}
	if upd.EndTime != nil {
		add("end_time", formatTime(*upd.EndTime))
	}
	if upd.Duration != nil {
		add("duration", formatDuration(*upd.Duration))
	}
	if upd.LogPath != nil {
		add("log_path", nullString(*upd.LogPath))
	}
	if upd.ScriptPath != nil {
		add("script_path", nullString(*upd.ScriptPath))
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.Reason != nil {
		add("reason", nullString(*upd.Reason))
	}
	args = append(args, id)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if upd.Status != nil {
			from := model.Status(strings.ToUpper(current))
			if !from.CanTransition(*upd.Status) {
				return fmt.Errorf("job %d: %s -> %s: %w", id, from, *upd.Status, model.ErrInvalidTransition)
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("updating job %d: %w", id, err)
	}
	return nil
}

// FinalizeActive moves every PENDING or RUNNING row to status with the
// given reason and returns the number of changed rows. Rows without an end
// time get the current time.
func (s *Store) FinalizeActive(ctx context.Context, status model.Status, reason string) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("finalizing jobs as %s: %w", status, model.ErrInvalidTransition)
	}
	var n int64
	err := s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE jobs
			SET status = ?, reason = ?, end_time = COALESCE(NULLIF(end_time, ''), ?)
			WHERE UPPER(status) IN (?, ?)`,
			string(status), reason, formatTime(time.Now()),
			string(model.StatusPending), string(model.StatusRunning),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("finalizing jobs as %s: %w", status, err)
	}
	return n, nil
}

// ReconcileStopped marks all active rows as STOPPED by the user.
func (s *Store) ReconcileStopped(ctx context.Context) (int64, error) {
	return s.FinalizeActive(ctx, model.StatusStopped, model.ReasonStoppedByUser)
}

// ListPids returns all recorded process ids.
func (s *Store) ListPids(ctx context.Context) ([]model.PidRecord, error) {
	var ret []model.PidRecord
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT pid FROM pids ORDER BY pid`)
		if err != nil {
			return err
		}
		defer rows.Close()
		ret = ret[:0]
		for rows.Next() {
			var rec model.PidRecord
			if err := rows.Scan(&rec.PID); err != nil {
				return err
			}
			ret = append(ret, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing pids: %w", err)
	}
	return ret, nil
}

// AddPid records a pid, recording the same pid twice is not an error.
func (s *Store) AddPid(ctx context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("adding pid: invalid pid %d", pid)
	}
	err := s.do(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO pids (pid) VALUES (?)`, pid)
		return err
	})
	if err != nil {
		return fmt.Errorf("adding pid %d: %w", pid, err)
	}
	return nil
}

// DeletePid removes a pid record, a missing record is not an error.
func (s *Store) DeletePid(ctx context.Context, pid int) error {
	err := s.do(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM pids WHERE pid = ?`, pid)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting pid %d: %w", pid, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job                                    model.Job
		mode, status                           string
		base, cell, step, start, end, duration sql.NullString
		logPath, scriptPath, reason            sql.NullString
	)
	err := row.Scan(&job.ID, &mode, &base, &cell, &step, &start, &end, &duration, &logPath, &scriptPath, &status, &reason)
	if err != nil {
		return model.Job{}, err
	}
	job.Mode = model.Mode(strings.ToUpper(mode))
	job.Base = base.String
	job.Cell = cell.String
	job.Step = model.Step(step.String)
	job.StartTime = parseTime(start.String)
	job.EndTime = parseTime(end.String)
	job.Duration = parseDuration(duration.String)
	job.LogPath = logPath.String
	job.ScriptPath = scriptPath.String
	job.Status = model.Status(strings.ToUpper(status))
	job.Reason = reason.String
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Local().Format(TimeLayout), Valid: true}
}

func formatDuration(d time.Duration) sql.NullString {
	if d <= 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: strconv.FormatFloat(d.Seconds(), 'f', -1, 64), Valid: true}
}

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// parseTime accepts the layouts scripts are known to write, unparsable values
// are returned as zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}

// parseDuration accepts seconds, Go durations and HH:MM:SS.
func parseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		n, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0
		}
		total += time.Duration(n * float64(unit))
	}
	return total
}
