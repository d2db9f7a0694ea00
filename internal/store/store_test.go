package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"openplus/internal/domain"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "runs.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if v, err := GetSchemaVersion(db); err != nil || v != 0 {
		t.Fatalf("fresh db: version=%d err=%v", v, err)
	}
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	v, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, v)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d schema_version rows, got %d", len(migrations), count)
	}
}

func TestSaveRun_GetRun_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := domain.RunResult{
		ID:          "run-1",
		Stdout:      "Found 3 Python files",
		Stderr:      "warning",
		ExitCode:    2,
		DurationMs:  1500,
		TimedOut:    false,
		Error:       "analysis script exited with status 2",
		Report:      domain.AnalysisReport{"issues": float64(3)},
		ReportError: "",
		StartedAt:   started,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.ExitCode != 2 || got.DurationMs != 1500 || got.Stdout != run.Stdout || got.Error != run.Error {
		t.Errorf("fields changed: %+v", got)
	}
	if got.Report["issues"] != float64(3) {
		t.Errorf("report: got %v", got.Report)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at: got %v, want %v", got.StartedAt, started)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestSaveRun_NilReportStoredAsEmptyObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveRun(ctx, domain.RunResult{ID: "r", ExitCode: -1, TimedOut: true}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun(ctx, "r")
	if err != nil || got == nil {
		t.Fatalf("GetRun: %v %v", got, err)
	}
	if got.Report == nil || len(got.Report) != 0 {
		t.Errorf("report: got %v", got.Report)
	}
	if !got.TimedOut {
		t.Error("timed_out lost")
	}
	if got.StartedAt.IsZero() {
		t.Error("started_at should default to now")
	}
}

func TestListRuns_NewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveRun(ctx, domain.RunResult{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("order: got %s, %s", runs[0].ID, runs[1].ID)
	}

	all, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("default limit should return all 3, got %d", len(all))
	}
}

func TestPruneRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	s.SaveRun(ctx, domain.RunResult{ID: "old", StartedAt: now.AddDate(0, 0, -100)})
	s.SaveRun(ctx, domain.RunResult{ID: "new", StartedAt: now})

	n, err := s.PruneRuns(ctx, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	runs, _ := s.ListRuns(ctx, 10)
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("remaining: %+v", runs)
	}
}

func TestFeedbackChecks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastFeedbackCheck(ctx)
	if err != nil || last != nil {
		t.Fatalf("expected no checks, got %+v err=%v", last, err)
	}

	s.SaveFeedbackCheck(ctx, FeedbackCheck{Path: "/tmp/f.jsonl", Lines: 4, Invalid: 0, CheckedAt: time.Unix(100, 0)})
	s.SaveFeedbackCheck(ctx, FeedbackCheck{Path: "/tmp/f.jsonl", Lines: 5, Invalid: 1, CheckedAt: time.Unix(200, 0)})

	last, err = s.LastFeedbackCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Lines != 5 || last.Invalid != 1 {
		t.Errorf("last check: got %+v", last)
	}
}

func TestSaveRun_TruncationFlagsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveRun(ctx, domain.RunResult{ID: "cut", StderrTruncated: true}); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.SaveRun(ctx, domain.RunResult{ID: "whole"}); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	cut, err := s.GetRun(ctx, "cut")
	if err != nil || cut == nil {
		t.Fatalf("GetRun: %v %v", cut, err)
	}
	if cut.StdoutTruncated || !cut.StderrTruncated {
		t.Errorf("cut: stdout=%v stderr=%v", cut.StdoutTruncated, cut.StderrTruncated)
	}
	whole, err := s.GetRun(ctx, "whole")
	if err != nil || whole == nil {
		t.Fatalf("GetRun: %v %v", whole, err)
	}
	if whole.StdoutTruncated || whole.StderrTruncated {
		t.Errorf("whole: %+v", whole)
	}
}
