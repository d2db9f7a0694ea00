// Package autoai triggers the external analysis script and relays the JSON
// report it leaves behind. Script failures, timeouts and unreadable reports
// degrade the result instead of failing the call.
package autoai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"openplus/internal/domain"
	"openplus/internal/events"
	"openplus/internal/metrics"
	"openplus/internal/runner"

	"github.com/google/uuid"
)

const maxReportBytes = 8 << 20

var (
	// ErrBusy is returned when a run is already in flight.
	ErrBusy = errors.New("analysis already running")
	// ErrReportMissing means the report file does not exist.
	ErrReportMissing = errors.New("report file not found")
	// ErrReportInvalid means the report file is not a JSON object.
	ErrReportInvalid = errors.New("report file is not a valid JSON object")
)

// Service runs one analysis at a time.
type Service struct {
	runner     runner.Runner
	command    runner.Command
	reportPath string
	history    domain.RunHistory
	events     *events.Bus
	logger     *slog.Logger
	now        func() time.Time

	running atomic.Bool
}

type ServiceConfig struct {
	Runner     runner.Runner
	Command    string
	Args       []string
	WorkDir    string
	Env        []string // KEY=VALUE pairs added to the script's environment
	ReportPath string   // relative paths resolve against WorkDir
	Timeout    time.Duration
	History    domain.RunHistory // optional
	Events     *events.Bus       // optional
	Logger     *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Runner == nil {
		cfg.Runner = runner.NewExec(runner.ExecConfig{Logger: cfg.Logger})
	}
	reportPath := cfg.ReportPath
	if reportPath != "" && !filepath.IsAbs(reportPath) && cfg.WorkDir != "" {
		reportPath = filepath.Join(cfg.WorkDir, reportPath)
	}
	return &Service{
		runner: cfg.Runner,
		command: runner.Command{
			Name:    cfg.Command,
			Args:    append([]string(nil), cfg.Args...),
			Dir:     cfg.WorkDir,
			Env:     append([]string(nil), cfg.Env...),
			Timeout: cfg.Timeout,
		},
		reportPath: reportPath,
		history:    cfg.History,
		events:     cfg.Events,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// ReportPath returns the resolved report file location.
func (s *Service) ReportPath() string { return s.reportPath }

// Running reports whether an analysis is currently in flight.
func (s *Service) Running() bool { return s.running.Load() }

// Run executes the script and loads its report. The only error it returns is
// ErrBusy; every other failure is described in the result's Error and
// ReportError fields.
func (s *Service) Run(ctx context.Context) (domain.RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.AnalysisRejected.Inc()
		s.events.Emit(events.Event{Type: events.AnalysisRejected, Source: "autoai"})
		return domain.RunResult{}, ErrBusy
	}
	defer s.running.Store(false)

	metrics.AnalysisRunning.Inc()
	defer metrics.AnalysisRunning.Dec()

	result := domain.RunResult{
		ID:        uuid.NewString(),
		StartedAt: s.now().UTC(),
		Report:    domain.AnalysisReport{},
	}

	s.logger.Info("analysis started", "run", result.ID, "command", s.command.String())
	s.events.Emit(events.Event{
		Type:    events.AnalysisStarted,
		Source:  "autoai",
		Payload: map[string]any{"run_id": result.ID},
	})

	res, err := s.runner.Run(ctx, s.command)
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	result.StdoutTruncated = res.StdoutTruncated
	result.StderrTruncated = res.StderrTruncated
	result.ExitCode = res.ExitCode
	result.DurationMs = res.Duration.Milliseconds()
	result.TimedOut = res.TimedOut || errors.Is(err, runner.ErrTimeout)

	switch {
	case err != nil:
		result.Error = err.Error()
	case res.ExitCode != 0:
		result.Error = fmt.Sprintf("analysis script exited with status %d", res.ExitCode)
	}

	report, rerr := LoadReport(s.reportPath)
	if rerr != nil {
		result.ReportError = rerr.Error()
	} else {
		result.Report = report
	}

	outcome := s.observe(result)
	s.save(result)
	s.events.Emit(events.Event{
		Type:   events.AnalysisFinished,
		Source: "autoai",
		Payload: map[string]any{
			"run_id":      result.ID,
			"outcome":     outcome,
			"exit_code":   result.ExitCode,
			"duration_ms": result.DurationMs,
		},
	})
	return result, nil
}

// Outcome classifies a finished run for metrics and notifications.
func Outcome(r domain.RunResult) string {
	switch {
	case r.TimedOut:
		return "timeout"
	case r.Error != "":
		return "failed"
	case r.ReportError != "":
		return "no_report"
	}
	return "ok"
}

func (s *Service) observe(r domain.RunResult) string {
	outcome := Outcome(r)
	metrics.AnalysisRuns(outcome).Inc()
	metrics.AnalysisLatency.Observe(float64(r.DurationMs) / 1000)

	s.logger.Info("analysis finished",
		"run", r.ID,
		"outcome", outcome,
		"exit_code", r.ExitCode,
		"duration_ms", r.DurationMs,
		"report_keys", len(r.Report),
	)
	return outcome
}

// save records the run; history failures are logged, never surfaced.
func (s *Service) save(r domain.RunResult) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.SaveRun(ctx, r); err != nil {
		s.logger.Warn("cannot record analysis run", "run", r.ID, "err", err)
	}
}

// LoadReport reads path as a JSON object.
func LoadReport(path string) (domain.AnalysisReport, error) {
	if path == "" {
		return nil, ErrReportMissing
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrReportMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat report: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrReportInvalid, path)
	}
	if info.Size() > maxReportBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrReportInvalid, path, maxReportBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var report domain.AnalysisReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportInvalid, err)
	}
	if report == nil {
		// "null" decodes without error but is not an object.
		return nil, fmt.Errorf("%w: %s", ErrReportInvalid, path)
	}
	return report, nil
}
