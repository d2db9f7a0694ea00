// Package store keeps analysis run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"openplus/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultListLimit = 20

var _ domain.RunHistory = (*SQLiteStore)(nil)

// SQLiteStore implements domain.RunHistory using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run domain.RunResult) error {
	report := run.Report
	if report == nil {
		report = domain.AnalysisReport{}
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (id, started_at, exit_code, duration_ms, timed_out, error, stdout, stderr, report, report_error,
		  stdout_truncated, stderr_truncated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixMilli(), run.ExitCode, run.DurationMs, boolToInt(run.TimedOut),
		run.Error, run.Stdout, run.Stderr, string(reportJSON), run.ReportError,
		boolToInt(run.StdoutTruncated), boolToInt(run.StderrTruncated),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, exit_code, duration_ms, timed_out, error, stdout, stderr, report, report_error,
	stdout_truncated, stderr_truncated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.RunResult, error) {
	var (
		r         domain.RunResult
		startedMs int64
		timedOut  int
		report    string
		outTrunc  int
		errTrunc  int
	)
	if err := row.Scan(&r.ID, &startedMs, &r.ExitCode, &r.DurationMs, &timedOut,
		&r.Error, &r.Stdout, &r.Stderr, &report, &r.ReportError, &outTrunc, &errTrunc); err != nil {
		return r, err
	}
	r.StartedAt = time.UnixMilli(startedMs).UTC()
	r.TimedOut = timedOut != 0
	r.StdoutTruncated = outTrunc != 0
	r.StderrTruncated = errTrunc != 0
	r.Report = domain.AnalysisReport{}
	if err := json.Unmarshal([]byte(report), &r.Report); err != nil {
		return r, fmt.Errorf("decode report for run %s: %w", r.ID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.RunResult, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunResult
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns nil, nil when no run has the given id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.RunResult, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PruneRuns deletes runs started before olderThan and returns how many were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned analysis runs", "deleted", n, "before", olderThan.Format(time.RFC3339))
	}
	return n, nil
}

// FeedbackCheck is one recorded integrity scan of the feedback log.
type FeedbackCheck struct {
	Path      string
	Lines     int
	Invalid   int
	CheckedAt time.Time
}

func (s *SQLiteStore) SaveFeedbackCheck(ctx context.Context, c FeedbackCheck) error {
	if c.CheckedAt.IsZero() {
		c.CheckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_checks (path, lines, invalid, checked_at) VALUES (?, ?, ?, ?)`,
		c.Path, c.Lines, c.Invalid, c.CheckedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert feedback check: %w", err)
	}
	return nil
}

// LastFeedbackCheck returns nil, nil when no check has been recorded.
func (s *SQLiteStore) LastFeedbackCheck(ctx context.Context) (*FeedbackCheck, error) {
	var (
		c  FeedbackCheck
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, lines, invalid, checked_at FROM feedback_checks ORDER BY checked_at DESC, id DESC LIMIT 1`,
	).Scan(&c.Path, &c.Lines, &c.Invalid, &ms)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CheckedAt = time.UnixMilli(ms).UTC()
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
