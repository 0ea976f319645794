package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunLog = (*SQLiteRunLog)(nil)

const runLogSchema = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT    NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER,
	status         TEXT    NOT NULL DEFAULT 'in_progress',
	date_window    TEXT    NOT NULL DEFAULT '',
	rows_fetched   INTEGER NOT NULL DEFAULT 0,
	rows_published INTEGER NOT NULL DEFAULT 0,
	backup_name    TEXT    NOT NULL DEFAULT '',
	error_message  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sync_runs_start ON sync_runs (start_time);
`

// SQLiteRunLog implements RunLog backed by a SQLite database.
type SQLiteRunLog struct {
	db *sql.DB
}

// NewSQLiteRunLog opens (or creates) a SQLite database at dbPath and
// ensures the run table exists.
func NewSQLiteRunLog(dbPath string) (*SQLiteRunLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(runLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sync_runs table: %w", err)
	}
	return &SQLiteRunLog{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteRunLog) Close() error {
	return s.db.Close()
}

// StartRun inserts an in-progress run.
func (s *SQLiteRunLog) StartRun(ctx context.Context, runID string, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, start_time, status) VALUES (?, ?, ?)`,
		runID, start.UnixMilli(), RunInProgress)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun records the outcome of a run.
func (s *SQLiteRunLog) FinishRun(ctx context.Context, id int64, run Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			end_time = ?, status = ?, date_window = ?, rows_fetched = ?,
			rows_published = ?, backup_name = ?, error_message = ?
		WHERE id = ?`,
		run.EndTime.UnixMilli(), run.Status, run.Window, run.RowsFetched,
		run.RowsPublished, run.BackupName, run.ErrorMessage, id)
	if err != nil {
		return fmt.Errorf("updating run %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %d: no such run", id)
	}
	return nil
}

// LastRuns returns the most recent runs, newest first.
func (s *SQLiteRunLog) LastRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, start_time, end_time, status, date_window, rows_fetched,
		       rows_published, backup_name, error_message
		FROM sync_runs ORDER BY start_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r     Run
			start int64
			end   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &start, &end, &r.Status, &r.Window,
			&r.RowsFetched, &r.RowsPublished, &r.BackupName, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartTime = time.UnixMilli(start)
		if end.Valid {
			r.EndTime = time.UnixMilli(end.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
