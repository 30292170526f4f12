// Package history records multitest sessions in a SQLite database so flaky
// failure rates can be compared across sessions.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deixis/rerun/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	command      TEXT NOT NULL,
	count        INTEGER NOT NULL,
	completed    INTEGER NOT NULL,
	passed       INTEGER NOT NULL,
	failed       INTEGER NOT NULL,
	spawn_errors INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL,
	aborted      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);

CREATE TABLE IF NOT EXISTS iterations (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	idx         INTEGER NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	timed_out   INTEGER NOT NULL,
	spawn_error TEXT NOT NULL DEFAULT '',
	output      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, idx)
);
`

// DB is a multitest history database.
type DB struct {
	db   *sql.DB
	path string
}

// Session summarises one recorded multitest session.
type Session struct {
	ID          string
	StartedAt   time.Time
	Command     string
	Count       int
	Completed   int
	Passed      int
	Failed      int
	SpawnErrors int
	Duration    time.Duration
	Aborted     bool
}

// FailureRate returns the fraction of completed iterations that did not pass.
func (s Session) FailureRate() float64 {
	if s.Completed == 0 {
		return 0
	}
	return float64(s.Failed+s.SpawnErrors) / float64(s.Completed)
}

// Open opens (creating if needed) the database at path. ":memory:" opens
// a private in-memory database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record stores a multitest run and its iterations.
func (d *DB) Record(ctx context.Context, rr *report.RunResult) (err error) {
	if err := rr.Expect(report.Multitest); err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, command, count, completed, passed, failed, spawn_errors, duration_ms, aborted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rr.ID, rr.StartedAt.UnixMilli(), strings.Join(rr.Command, " "), rr.Count, len(rr.Iterations),
		rr.Passed, rr.Failed, rr.SpawnErrors, rr.DurationMS, rr.Aborted)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", rr.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO iterations (session_id, idx, exit_code, duration_ms, failed, timed_out, spawn_error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing iteration insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range rr.Iterations {
		if _, err = stmt.ExecContext(ctx, rr.ID, it.Index, it.ExitCode, it.DurationMS,
			it.Failed, it.TimedOut, it.SpawnError, it.Output); err != nil {
			return fmt.Errorf("inserting iteration %d: %w", it.Index, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, started_at, command, count, completed, passed, failed, spawn_errors, duration_ms, aborted
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s          Session
			startedMS  int64
			durationMS int64
		)
		if err := rows.Scan(&s.ID, &startedMS, &s.Command, &s.Count, &s.Completed,
			&s.Passed, &s.Failed, &s.SpawnErrors, &durationMS, &s.Aborted); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.StartedAt = time.UnixMilli(startedMS)
		s.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, s)
	}
	return out, rows.Err()
}

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Failures returns the iterations of a session that did not pass.
func (d *DB) Failures(ctx context.Context, sessionID string) ([]report.Iteration, error) {
	var exists int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session %s: %w", sessionID, err)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT idx, exit_code, duration_ms, failed, timed_out, spawn_error, output
		FROM iterations
		WHERE session_id = ? AND failed = 1
		ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying iterations: %w", err)
	}
	defer rows.Close()

	var out []report.Iteration
	for rows.Next() {
		var it report.Iteration
		if err := rows.Scan(&it.Index, &it.ExitCode, &it.DurationMS, &it.Failed,
			&it.TimedOut, &it.SpawnError, &it.Output); err != nil {
			return nil, fmt.Errorf("scanning iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
