// Package events is the event store: client and server
// annotation events written by the platform and read back by
// the metric extractors.
package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wesm/annoreports/internal/timeutil"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY,
    scope      TEXT NOT NULL,
    obj_name   TEXT NOT NULL DEFAULT '',
    obj_val    TEXT NOT NULL DEFAULT '',
    count      INTEGER,
    job_id     INTEGER,
    task_id    INTEGER,
    project_id INTEGER,
    user_id    INTEGER,
    payload    TEXT NOT NULL DEFAULT '',
    timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, timestamp);
CREATE TABLE IF NOT EXISTS log_files (
    path        TEXT PRIMARY KEY,
    read_offset INTEGER NOT NULL,
    file_size   INTEGER NOT NULL,
    file_mtime  INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
    id         BIGSERIAL PRIMARY KEY,
    scope      TEXT NOT NULL,
    obj_name   TEXT NOT NULL DEFAULT '',
    obj_val    TEXT NOT NULL DEFAULT '',
    count      BIGINT,
    job_id     BIGINT,
    task_id    BIGINT,
    project_id BIGINT,
    user_id    BIGINT,
    payload    TEXT NOT NULL DEFAULT '',
    timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, timestamp);
CREATE TABLE IF NOT EXISTS log_files (
    path        TEXT PRIMARY KEY,
    read_offset BIGINT NOT NULL,
    file_size   BIGINT NOT NULL,
    file_mtime  BIGINT NOT NULL
);
`

// insertChunk bounds the rows per multi-row INSERT to stay
// under SQLite's bind-variable limit (10 columns per row).
const insertChunk = 80

// Event is one annotation activity event.
type Event struct {
	Scope     string    `json:"scope"`
	ObjName   string    `json:"obj_name,omitempty"`
	ObjVal    string    `json:"obj_val,omitempty"`
	Count     *int64    `json:"count,omitempty"`
	JobID     *int64    `json:"job_id,omitempty"`
	TaskID    *int64    `json:"task_id,omitempty"`
	ProjectID *int64    `json:"project_id,omitempty"`
	UserID    *int64    `json:"user_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// eventRow is the stored form of an Event.
type eventRow struct {
	Scope     string `db:"scope"`
	ObjName   string `db:"obj_name"`
	ObjVal    string `db:"obj_val"`
	Count     *int64 `db:"count"`
	JobID     *int64 `db:"job_id"`
	TaskID    *int64 `db:"task_id"`
	ProjectID *int64 `db:"project_id"`
	UserID    *int64 `db:"user_id"`
	Payload   string `db:"payload"`
	Timestamp string `db:"timestamp"`
}

// Store reads and writes the events table.
type Store struct {
	db *sqlx.DB
}

// Open connects to the event store. driver is "sqlite3" or
// "postgres"; the events table is created if missing.
func Open(driver, dsn string) (*Store, error) {
	var schema string
	switch driver {
	case "sqlite3":
		schema = sqliteSchema
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	case "postgres":
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported events driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection whose events table already
// exists.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogFile is the ingest progress of one JSONL event log.
type LogFile struct {
	Path   string `db:"path"`
	Offset int64  `db:"read_offset"`
	Size   int64  `db:"file_size"`
	MTime  int64  `db:"file_mtime"`
}

// Insert stores events in one transaction.
func (s *Store) Insert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertRows(ctx, tx, events)
	})
}

// InsertFromLog stores events read from a log and records the
// log's new progress in the same transaction.
func (s *Store) InsertFromLog(
	ctx context.Context, events []Event, lf LogFile,
) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertRows(ctx, tx, events); err != nil {
			return err
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO log_files
			(path, read_offset, file_size, file_mtime)
			VALUES (:path, :read_offset, :file_size, :file_mtime)
			ON CONFLICT (path) DO UPDATE SET
				read_offset = excluded.read_offset,
				file_size = excluded.file_size,
				file_mtime = excluded.file_mtime`, lf)
		if err != nil {
			return fmt.Errorf("saving log progress: %w", err)
		}
		return nil
	})
}

// GetLogFile returns the stored progress of path. ok is false
// when the log has never been ingested.
func (s *Store) GetLogFile(
	ctx context.Context, path string,
) (lf LogFile, ok bool, err error) {
	err = s.db.GetContext(ctx, &lf, s.db.Rebind(
		`SELECT path, read_offset, file_size, file_mtime
		 FROM log_files WHERE path = ?`,
	), path)
	if errors.Is(err, sql.ErrNoRows) {
		return LogFile{}, false, nil
	}
	if err != nil {
		return LogFile{}, false, fmt.Errorf("reading log progress: %w", err)
	}
	return lf, true, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning events transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRows(ctx context.Context, tx *sqlx.Tx, events []Event) error {
	rows := make([]eventRow, len(events))
	for i, e := range events {
		rows[i] = eventRow{
			Scope:     e.Scope,
			ObjName:   e.ObjName,
			ObjVal:    e.ObjVal,
			Count:     e.Count,
			JobID:     e.JobID,
			TaskID:    e.TaskID,
			ProjectID: e.ProjectID,
			UserID:    e.UserID,
			Payload:   e.Payload,
			Timestamp: timeutil.Format(e.Timestamp),
		}
	}

	const insert = `INSERT INTO events
		(scope, obj_name, obj_val, count, job_id, task_id,
		 project_id, user_id, payload, timestamp)
		VALUES (:scope, :obj_name, :obj_val, :count, :job_id,
		 :task_id, :project_id, :user_id, :payload, :timestamp)`
	for i := 0; i < len(rows); i += insertChunk {
		end := min(i+insertChunk, len(rows))
		if _, err := tx.NamedExecContext(ctx, insert, rows[i:end]); err != nil {
			return fmt.Errorf("inserting events: %w", err)
		}
	}
	return nil
}

// CountBefore returns how many events are older than before.
func (s *Store) CountBefore(
	ctx context.Context, before time.Time,
) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		"SELECT count(*) FROM events WHERE timestamp < ?",
	), timeutil.Format(before))
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// PruneBefore deletes events older than before and returns the
// number of deleted rows.
func (s *Store) PruneBefore(
	ctx context.Context, before time.Time,
) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM events WHERE timestamp < ?",
	), timeutil.Format(before))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}
