// Package jobstore is the job ledger shared by the supervisor, the scripts it
// runs and any monitoring process. It is a single sqlite file inside the run
// directory.
//
// Every operation opens its own short lived connection and closes it before
// returning, so no process ever keeps a lock on the file between operations.
// Operations failing with SQLITE_BUSY/SQLITE_LOCKED are retried.
//
// Querying a table which does not exist returns an error wrapping
// model.ErrNoSuchTable, monitoring and cancellation callers treat it as no
// data (see IgnoreNoSuchTable).
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// FileName is the name of the store file inside a run directory.
const FileName = ".cache.db"

const (
	busyTimeout = 5 * time.Second
	maxRetries  = 5
)

var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		base TEXT,
		cell TEXT,
		step TEXT,
		start_time TEXT,
		end_time TEXT,
		duration TEXT,
		log_path TEXT,
		script_path TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS pids (
		pid INTEGER PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS report_dashboard (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		qa_type TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		pass INTEGER NOT NULL DEFAULT 0,
		fail INTEGER NOT NULL DEFAULT 0,
		file_asc TEXT,
		file_asc_cto TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_type TEXT NOT NULL,
		file_path TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

func reportTable(qaType string) string {
	return "report_" + strings.ToLower(qaType)
}

func init() {
	for _, qa := range model.QATypes {
		schemaStmts = append(schemaStmts, `CREATE TABLE IF NOT EXISTS `+reportTable(qa)+` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			base TEXT,
			cell TEXT,
			status TEXT,
			message TEXT,
			file_asc TEXT,
			file_asc_cto TEXT
		)`)
	}
}

// Store is a handle to a job store file. It holds no open connection.
type Store struct {
	path string
}

// Open returns a store for path, the file is created when missing. Fails with
// model.ErrStoreUnavailable when the file can't be created or is not writable.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, path, err)
	}
	return &Store{path: path}, nil
}

// OpenExisting returns a store for an existing file. A missing file is
// reported as model.ErrStoreUnavailable wrapping fs.ErrNotExist.
func OpenExisting(path string) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s: not a regular file", model.ErrStoreUnavailable, path)
	}
	return &Store{path: path}, nil
}

// Create opens the store and creates the schema, it's safe to call it on an
// already initialized store.
func Create(ctx context.Context, path string) (*Store, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := s.CreateSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// IsMissing reports whether err says the store file does not exist.
func IsMissing(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable) && errors.Is(err, fs.ErrNotExist)
}

// IgnoreNoSuchTable returns nil for errors wrapping model.ErrNoSuchTable.
func IgnoreNoSuchTable(err error) error {
	if errors.Is(err, model.ErrNoSuchTable) {
		return nil
	}
	return err
}

// CreateSchema idempotently creates all tables.
func (s *Store) CreateSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaStmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating schema: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) dsn() string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_txlock=immediate", s.path, busyTimeout.Milliseconds())
}

// do opens a connection, runs f and closes the connection again, busy
// errors are retried with a backoff.
func (s *Store) do(ctx context.Context, f func(db *sql.DB) error) error {
	return retryOnBusy(ctx, maxRetries, func() error {
		db, err := sql.Open("sqlite", s.dsn())
		if err != nil {
			return fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, s.path, err)
		}
		db.SetMaxOpenConns(1)
		defer func() {
			if err := db.Close(); err != nil {
				slog.DebugContext(ctx, "closing job store", "store", s.path, "error", err)
			}
		}()
		return classify(f(db))
	})
}

func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return s.do(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("store", s.path))
			}
		}()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction failed: %w", err)
		}
		return nil
	})
}

func classify(err error) error {
	if err == nil || errors.Is(err, model.ErrNoSuchTable) {
		return err
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %w", model.ErrNoSuchTable, err)
	}
	return err
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		slog.DebugContext(ctx, "job store busy: retrying", "attempt", attempt+1, "delay", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
