package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openplus/internal/autoai"
	"openplus/internal/config"
	"openplus/internal/events"
	"openplus/internal/feedback"
	"openplus/internal/logging"
	"openplus/internal/runner"
	"openplus/internal/store"
	"openplus/internal/web"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "openplus",
		Short:         "openplus: chat UI with feedback capture and AutoAI analysis",
		Long:          "openplus serves a ChatGPT-like web UI, records user feedback to a JSONL log and runs an external analysis script on demand.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.openplus/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(feedbackCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does not
// exist. Any other load error is returned.
func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	cfg, found, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	if !found {
		logger.Warn("config not found, using defaults", "path", cfgPath)
	}
	return cfg, cfgPath, nil
}

// setupLogger replaces the bootstrap logger with one built from cfg.
func setupLogger(cfg *config.Config) (func() error, error) {
	l, closeFn, err := logging.New(logging.Options{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
		File:   cfg.General.LogFile,
	})
	if err != nil {
		return nil, err
	}
	logger = l
	slog.SetDefault(l)
	return closeFn, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// components holds the wired services shared by serve and analyze.
type components struct {
	recorder *feedback.Recorder
	history  *store.SQLiteStore // nil when history is disabled
	analyzer *autoai.Service
	events   *events.Bus
}

func (c *components) Close() {
	if c.history != nil {
		if err := c.history.Close(); err != nil {
			logger.Warn("close run history", "err", err)
		}
	}
}

func buildComponents(cfg *config.Config) (*components, error) {
	c := &components{events: events.New(logger)}

	c.recorder = feedback.NewRecorder(feedback.RecorderConfig{
		Path:      cfg.Feedback.Path,
		Sync:      cfg.Feedback.Sync,
		MinRating: cfg.Feedback.MinRating,
		MaxRating: cfg.Feedback.MaxRating,
		Logger:    logger,
	})

	if cfg.History.Enabled {
		s, err := store.NewSQLiteStore(cfg.History.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("run history: %w", err)
		}
		c.history = s
	}

	svcCfg := autoai.ServiceConfig{
		Runner: runner.NewExec(runner.ExecConfig{
			MaxOutputBytes: cfg.AutoAI.MaxOutputBytes,
			Logger:         logger,
		}),
		Command:    cfg.AutoAI.Command,
		Args:       cfg.AutoAI.Args,
		WorkDir:    cfg.AutoAI.WorkDir,
		Env:        cfg.AutoAI.Env,
		ReportPath: cfg.AutoAI.ReportPath,
		Timeout:    time.Duration(cfg.AutoAI.TimeoutSeconds) * time.Second,
		Events:     c.events,
		Logger:     logger,
	}
	// Assigned only when non-nil so the interface does not hold a typed nil.
	if c.history != nil {
		svcCfg.History = c.history
	}
	c.analyzer = autoai.NewService(svcCfg)
	return c, nil
}

// housekeeping prunes old runs and records a feedback log integrity scan,
// warning when unreadable lines appeared since the previous scan.
func housekeeping(ctx context.Context, cfg *config.Config, c *components) {
	stats, err := feedback.Scan(c.recorder.Path(), nil)
	if err != nil {
		logger.Warn("feedback log scan failed", "path", c.recorder.Path(), "err", err)
	} else {
		logger.Info("feedback log", "path", c.recorder.Path(), "lines", stats.Lines, "invalid", stats.Invalid)
	}

	if c.history == nil {
		return
	}
	if err == nil {
		prev, perr := c.history.LastFeedbackCheck(ctx)
		if perr != nil {
			logger.Warn("cannot read last feedback check", "err", perr)
		} else if prev != nil && prev.Path == c.recorder.Path() && stats.Invalid > prev.Invalid {
			logger.Warn("feedback log gained unreadable lines",
				"path", prev.Path, "invalid", stats.Invalid, "previous", prev.Invalid, "since", prev.CheckedAt)
		}
		if err := c.history.SaveFeedbackCheck(ctx, store.FeedbackCheck{
			Path: c.recorder.Path(), Lines: stats.Lines, Invalid: stats.Invalid,
		}); err != nil {
			logger.Warn("cannot record feedback check", "err", err)
		}
	}
	if days := cfg.History.RetentionDays; days > 0 {
		if _, err := c.history.PruneRuns(ctx, time.Now().AddDate(0, 0, -days)); err != nil {
			logger.Warn("cannot prune run history", "err", err)
		}
	}
}

func serveCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI and API",
		Long:  "Serves the chat UI, its JSON API and the /ws activity feed. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			housekeeping(ctx, cfg, c)

			webCfg := web.WebConfig{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				Title:        cfg.Server.Title,
				Version:      version,
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
				Logger:       logger,
				Feedback:     c.recorder,
				Analyzer:     c.analyzer,

				RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
				RateLimitBurst:     cfg.Server.RateLimitBurst,
			}
			if c.history != nil {
				webCfg.History = c.history
			}
			if cfg.Server.LiveEvents {
				webCfg.Events = c.events
			}
			if cfg.Metrics.Enabled {
				webCfg.MetricsEndpoint = cfg.Metrics.Endpoint
			}

			logger.Info("starting openplus", "version", version,
				"feedback", cfg.Feedback.Path, "history", cfg.History.Enabled)
			if err := web.NewWeb(webCfg).Start(ctx); err != nil {
				return fmt.Errorf("web server: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the AutoAI analysis script once and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.analyzer.Run(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				data, _ := json.MarshalIndent(res, "", "  ")
				fmt.Println(string(data))
			} else {
				if res.Stdout != "" {
					fmt.Println(res.Stdout)
				}
				report, _ := json.MarshalIndent(res.Report, "", "  ")
				fmt.Printf("Report (%s):\n%s\n", c.analyzer.ReportPath(), report)
				if res.ReportError != "" {
					fmt.Printf("Report error: %s\n", res.ReportError)
				}
				fmt.Printf("Exit code: %d, duration: %s\n", res.ExitCode, time.Duration(res.DurationMs)*time.Millisecond)
			}
			if res.Error != "" {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent analysis runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("run history is disabled (history.enabled=false)")
			}
			s, err := store.NewSQLiteStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := context.Background()

			if len(args) == 1 {
				run, err := s.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run %s not found", args[0])
				}
				data, _ := json.MarshalIndent(run, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			runs, err := s.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			fmt.Printf("%-36s  %-19s  %4s  %8s  %s\n", "ID", "STARTED", "EXIT", "DURATION", "STATUS")
			for _, r := range runs {
				fmt.Printf("%-36s  %-19s  %4d  %8s  %s\n", r.ID,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.ExitCode,
					(time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond), autoai.Outcome(r))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func feedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback",
		Short: "Summarize the feedback log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			sum, err := feedback.Summarize(cfg.Feedback.Path)
			if err != nil {
				return err
			}
			fmt.Printf("Feedback log: %s\n", cfg.Feedback.Path)
			fmt.Printf("  entries:          %d\n", sum.Entries)
			fmt.Printf("  invalid lines:    %d\n", sum.Invalid)
			fmt.Printf("  average rating:   %.2f\n", sum.AverageRating)
			fmt.Printf("  feature requests: %d\n", sum.FeatureRequests)
			if len(sum.Tags) > 0 {
				fmt.Println("  tags:")
				for i, tc := range sum.Tags {
					if i == 10 {
						break
					}
					fmt.Printf("    %-20s %d\n", tc.Tag, tc.Count)
				}
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. autoai.timeoutSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. server.port 8080)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			paths, values := config.ListPaths(cfg)
			for _, p := range paths {
				data, _ := json.Marshal(values[p])
				fmt.Printf("%s = %s\n", p, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openplus %s\n", version)
		},
	}
}
