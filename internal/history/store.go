// Package history persists finished executions to SQLite so operators
// can audit what ran for which commit after the daemon has moved on.
// Retention is time based; a background pruner trims old rows.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/occd/internal/runner"
)

// Store records and queries execution results.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the execution database at path and
// ensures the schema exists. The path must live on a local filesystem;
// SQLite locking is not reliable over network mounts.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	if err := ValidateFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// bootstrap creates tables and indexes if missing.
func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
  id           TEXT PRIMARY KEY,
  subscription TEXT NOT NULL,
  topic        TEXT NOT NULL,
  revision     TEXT,
  command      TEXT NOT NULL,
  status       TEXT NOT NULL,
  exit_code    INTEGER NOT NULL,
  output       TEXT,
  truncated    INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT NOT NULL,
  finished_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS executions_started_at_idx ON executions(started_at);`,
		`CREATE INDEX IF NOT EXISTS executions_subscription_started_at_idx ON executions(subscription, started_at);`,
		`CREATE INDEX IF NOT EXISTS executions_status_idx ON executions(status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap state database: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one finished execution.
func (s *Store) Record(ctx context.Context, res *runner.Result) error {
	if res.ID == "" {
		return fmt.Errorf("execution id is empty")
	}

	truncated := 0
	if res.Truncated {
		truncated = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions(
  id, subscription, topic, revision, command, status, exit_code, output,
  truncated, started_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, res.ID, res.Subscription, res.Topic, nullable(res.Revision), res.Command,
		string(res.Status), res.ExitCode, nullable(res.Output), truncated,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Get returns one execution by ID, or (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*runner.Result, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, subscription, topic, revision, command, status, exit_code, output,
       truncated, started_at, finished_at
FROM executions
WHERE id = ?;
`, id)

	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read execution: %w", err)
	}
	return &res, nil
}

// Recent returns the newest executions, optionally filtered to one
// subscription. A non-positive limit defaults to 50.
func (s *Store) Recent(ctx context.Context, subscription string, limit int) ([]runner.Result, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, subscription, topic, revision, command, status, exit_code, output,
       truncated, started_at, finished_at
FROM executions
`
	args := []any{}
	if subscription != "" {
		query += "WHERE subscription = ?\n"
		args = append(args, subscription)
	}
	query += "ORDER BY started_at DESC, rowid DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []runner.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// Failures returns the newest failed executions across all statuses
// that count as failure.
func (s *Store) Failures(ctx context.Context, limit int) ([]runner.Result, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, subscription, topic, revision, command, status, exit_code, output,
       truncated, started_at, finished_at
FROM executions
WHERE status IN (?, ?, ?)
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, string(runner.StatusFailed), string(runner.StatusTimedOut), string(runner.StatusLaunchFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []runner.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return out, nil
}

// Counts returns execution totals per status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM executions
GROUP BY status;
`)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	return counts, nil
}

// Prune deletes executions that started before now minus retention and
// returns how many rows went away.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}

	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (runner.Result, error) {
	var (
		res       runner.Result
		revision  sql.NullString
		output    sql.NullString
		truncated int
		statusS   string
		startedS  string
		finishedS string
	)
	err := row.Scan(
		&res.ID, &res.Subscription, &res.Topic, &revision, &res.Command,
		&statusS, &res.ExitCode, &output, &truncated, &startedS, &finishedS,
	)
	if err != nil {
		return runner.Result{}, err
	}

	res.Status = runner.Status(statusS)
	if revision.Valid {
		res.Revision = revision.String
	}
	if output.Valid {
		res.Output = output.String
	}
	res.Truncated = truncated != 0
	if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
		res.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, finishedS); err == nil {
		res.FinishedAt = t
	}
	return res, nil
}
