package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"openplus/internal/autoai"
	"openplus/internal/config"
	"openplus/internal/feedback"
	"openplus/internal/logging"
	"openplus/internal/store"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your openplus installation",
		Long: `Verifies that the configuration, feedback log, analysis script and run
history database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("openplus doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			var cfg *config.Config
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s (defaults in use; run 'openplus init')", cfgPath))
				warned++
				cfg, _, err = config.LoadOrDefault(cfgPath)
				if err != nil {
					printFail("Config validation", err.Error())
					return fmt.Errorf("defaults do not validate: %w", err)
				}
			} else {
				printPass("Config file", cfgPath)
				passed++
				cfg, err = config.Load(cfgPath)
				if err != nil {
					printFail("Config validation", err.Error())
					failed++
					fmt.Printf("\n%d passed, %d failed\n", passed, failed)
					return fmt.Errorf("%d check(s) failed", failed)
				}
				printPass("Config validation", "valid")
				passed++
			}

			// 2. Feedback log writable and intact
			if err := checkWritableDir(filepath.Dir(cfg.Feedback.Path)); err != nil {
				printFail("Feedback log", err.Error())
				failed++
			} else if stats, err := feedback.Scan(cfg.Feedback.Path, nil); err != nil {
				printFail("Feedback log", err.Error())
				failed++
			} else if stats.Invalid > 0 {
				printWarn("Feedback log", fmt.Sprintf("%s: %d of %d lines unreadable", cfg.Feedback.Path, stats.Invalid, stats.Lines))
				warned++
			} else {
				printPass("Feedback log", fmt.Sprintf("%s (%d entries)", cfg.Feedback.Path, stats.Lines))
				passed++
			}

			// 3. Analysis command on PATH
			if p, err := exec.LookPath(cfg.AutoAI.Command); err != nil {
				printFail("Analysis command", fmt.Sprintf("%q not found: %v", cfg.AutoAI.Command, err))
				failed++
			} else {
				printPass("Analysis command", p)
				passed++
			}

			// 4. Analysis working directory and script
			if info, err := os.Stat(cfg.AutoAI.WorkDir); err != nil || !info.IsDir() {
				printFail("Analysis workdir", fmt.Sprintf("not a directory: %s", cfg.AutoAI.WorkDir))
				failed++
			} else {
				printPass("Analysis workdir", cfg.AutoAI.WorkDir)
				passed++
				if len(cfg.AutoAI.Args) > 0 {
					script := cfg.AutoAI.Args[0]
					if !filepath.IsAbs(script) {
						script = filepath.Join(cfg.AutoAI.WorkDir, script)
					}
					if _, err := os.Stat(script); err != nil {
						printWarn("Analysis script", fmt.Sprintf("%s not found", script))
						warned++
					} else {
						printPass("Analysis script", script)
						passed++
					}
				}
			}

			// 5. Last report
			svc := autoai.NewService(autoai.ServiceConfig{
				Command:    cfg.AutoAI.Command,
				WorkDir:    cfg.AutoAI.WorkDir,
				ReportPath: cfg.AutoAI.ReportPath,
				Logger:     logger,
			})
			if report, err := autoai.LoadReport(svc.ReportPath()); err != nil {
				printWarn("Analysis report", err.Error())
				warned++
			} else {
				printPass("Analysis report", fmt.Sprintf("%s (%d keys)", svc.ReportPath(), len(report)))
				passed++
			}

			// 6. Run history database
			if cfg.History.Enabled {
				if last, err := checkDatabase(cfg.History.DBPath); err != nil {
					printFail("Run history", err.Error())
					failed++
				} else {
					printPass("Run history", cfg.History.DBPath)
					passed++
					switch {
					case last == nil:
						printWarn("Last log scan", "none recorded yet (run 'openplus serve' once)")
						warned++
					case last.Invalid > 0:
						printWarn("Last log scan", describeFeedbackCheck(last))
						warned++
					default:
						printPass("Last log scan", describeFeedbackCheck(last))
						passed++
					}
				}
			} else {
				printWarn("Run history", "disabled")
				warned++
			}

			// 7. Listen port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Web port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Web port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				passed++
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := checkWritableDir(filepath.Dir(cfg.General.LogFile)); err != nil {
					printWarn("Log file", err.Error())
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running openplus.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nopenplus should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! openplus is ready to run.\n")
			}
			return nil
		},
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".openplus-doctor-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkDatabase opens the history DB through the store so pending migrations
// run, then verifies a write succeeds. It returns the most recent feedback log
// scan recorded by serve, or nil if there is none.
func checkDatabase(dbPath string) (*store.FeedbackCheck, error) {
	s, err := store.NewSQLiteStore(dbPath, logging.Discard())
	if err != nil {
		return nil, err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot ping: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return nil, fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	v, err := store.GetSchemaVersion(db)
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if v == 0 {
		return nil, fmt.Errorf("schema not initialized")
	}

	last, err := s.LastFeedbackCheck(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last feedback check: %w", err)
	}
	return last, nil
}

func describeFeedbackCheck(c *store.FeedbackCheck) string {
	return fmt.Sprintf("%s at %s: %d lines, %d unreadable",
		c.Path, c.CheckedAt.Local().Format(time.DateTime), c.Lines, c.Invalid)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
