package domain

import (
	"context"
	"time"
)

// AnalysisReport is the JSON object written by the analysis script.
// Its fields are passed through without interpretation.
type AnalysisReport map[string]any

// RunResult is the outcome of one analysis run as returned to callers.
type RunResult struct {
	ID     string `json:"run_id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr,omitempty"`
	// Set when the runner kept only the tail of a stream.
	StdoutTruncated bool           `json:"stdout_truncated,omitempty"`
	StderrTruncated bool           `json:"stderr_truncated,omitempty"`
	ExitCode        int            `json:"exit_code"`
	DurationMs      int64          `json:"duration_ms"`
	TimedOut        bool           `json:"timed_out,omitempty"`
	Error           string         `json:"error,omitempty"`
	Report          AnalysisReport `json:"report"`
	ReportError     string         `json:"report_error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
}

// OK reports whether the script exited cleanly and left a readable report.
func (r RunResult) OK() bool {
	return r.Error == "" && r.ReportError == ""
}

// RunHistory records analysis runs. Implementations must be safe for
// concurrent use.
type RunHistory interface {
	SaveRun(ctx context.Context, run RunResult) error
	ListRuns(ctx context.Context, limit int) ([]RunResult, error)
	GetRun(ctx context.Context, id string) (*RunResult, error)
	PruneRuns(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
