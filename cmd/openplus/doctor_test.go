package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"openplus/internal/logging"
	"openplus/internal/store"
)

func TestCheckDatabase_NoFeedbackCheck_ReturnsNil(t *testing.T) {
	last, err := checkDatabase(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("checkDatabase: %v", err)
	}
	if last != nil {
		t.Errorf("expected no feedback check, got %+v", last)
	}
}

func TestCheckDatabase_ReportsLastFeedbackCheck(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	s, err := store.NewSQLiteStore(dbPath, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s.SaveFeedbackCheck(ctx, store.FeedbackCheck{Path: "/data/f.jsonl", Lines: 3, CheckedAt: time.Unix(100, 0)})
	s.SaveFeedbackCheck(ctx, store.FeedbackCheck{Path: "/data/f.jsonl", Lines: 7, Invalid: 2, CheckedAt: time.Unix(200, 0)})
	s.Close()

	last, err := checkDatabase(dbPath)
	if err != nil {
		t.Fatalf("checkDatabase: %v", err)
	}
	if last == nil || last.Lines != 7 || last.Invalid != 2 {
		t.Fatalf("last check = %+v", last)
	}
	if got := describeFeedbackCheck(last); !strings.Contains(got, "7 lines, 2 unreadable") {
		t.Errorf("describe = %q", got)
	}
}
