package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for openplus.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Server   ServerConfig   `json:"server"`
	Feedback FeedbackConfig `json:"feedback"`
	AutoAI   AutoAIConfig   `json:"autoai"`
	History  HistoryConfig  `json:"history"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"` // "text" | "json"
	LogFile   string `json:"logFile"`   // optional log file path
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"readTimeoutSeconds"`
	WriteTimeoutSeconds int    `json:"writeTimeoutSeconds"`
	Title               string `json:"title"`
	LiveEvents          bool   `json:"liveEvents"` // serve the /ws activity feed

	// Per-client limit on the POST /api endpoints; 0 disables it.
	RateLimitPerMinute float64 `json:"rateLimitPerMinute"`
	RateLimitBurst     int     `json:"rateLimitBurst"`
}

// FeedbackConfig configures the append-only feedback log.
type FeedbackConfig struct {
	Path      string `json:"path"`
	Sync      bool   `json:"sync"` // fsync after every append
	MinRating int    `json:"minRating"`
	MaxRating int    `json:"maxRating"`
}

// AutoAIConfig configures the external analysis script and its report.
type AutoAIConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	WorkDir        string   `json:"workDir"`
	Env            []string `json:"env"` // KEY=VALUE, added to the inherited environment
	ReportPath     string   `json:"reportPath"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	MaxOutputBytes int      `json:"maxOutputBytes"`
}

// HistoryConfig configures the SQLite record of analysis runs.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.openplus).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openplus"
	}
	return filepath.Join(home, ".openplus")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	if err := LoadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ApplyEnvOverrides(cfg)
	expandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults with
// environment overrides applied. found reports whether the file existed.
func LoadOrDefault(path string) (cfg *Config, found bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	if err := LoadDotEnv(filepath.Dir(ExpandPath(path))); err != nil {
		return nil, false, err
	}
	cfg = Defaults()
	ApplyEnvOverrides(cfg)
	expandPaths(cfg)
	if err := Validate(cfg); err != nil {
		return nil, false, fmt.Errorf("config validation: %w", err)
	}
	return cfg, false, nil
}

// LoadDotEnv loads .env files from dir and from the working directory.
// Variables already present in the environment win; missing files are ignored
// but a file that exists and cannot be parsed is an error.
func LoadDotEnv(dir string) error {
	candidates := []string{filepath.Join(dir, ".env"), ".env"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("cannot load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies OPENPLUS_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENPLUS_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("OPENPLUS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OPENPLUS_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
}

func expandPaths(cfg *Config) {
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Feedback.Path = ExpandPath(cfg.Feedback.Path)
	cfg.AutoAI.WorkDir = ExpandPath(cfg.AutoAI.WorkDir)
	cfg.AutoAI.ReportPath = ExpandPath(cfg.AutoAI.ReportPath)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
}

// yamlToJSON re-encodes a YAML document as JSON so the json struct tags
// stay the single source of field names.
func yamlToJSON(data []byte) ([]byte, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	if isYAML(path) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		data, err = yaml.Marshal(m)
		if err != nil {
			return fmt.Errorf("cannot marshal config as yaml: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.ReadTimeoutSeconds < 0 || cfg.Server.WriteTimeoutSeconds < 0 {
		errs = append(errs, "server timeouts must be >= 0")
	}
	if cfg.Server.RateLimitPerMinute < 0 || cfg.Server.RateLimitBurst < 0 {
		errs = append(errs, "server rate limits must be >= 0")
	}

	if cfg.Feedback.Path == "" {
		errs = append(errs, "feedback.path is required")
	}
	if cfg.Feedback.MinRating > cfg.Feedback.MaxRating {
		errs = append(errs, "feedback.minRating must be <= feedback.maxRating")
	}

	if strings.TrimSpace(cfg.AutoAI.Command) == "" {
		errs = append(errs, "autoai.command is required")
	}
	if cfg.AutoAI.ReportPath == "" {
		errs = append(errs, "autoai.reportPath is required")
	}
	if cfg.AutoAI.TimeoutSeconds < 1 || cfg.AutoAI.TimeoutSeconds > 3600 {
		errs = append(errs, "autoai.timeoutSeconds must be between 1 and 3600")
	}
	if w := cfg.Server.WriteTimeoutSeconds; w != 0 && w <= cfg.AutoAI.TimeoutSeconds {
		errs = append(errs, "server.writeTimeoutSeconds must exceed autoai.timeoutSeconds (or be 0)")
	}
	for _, kv := range cfg.AutoAI.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, fmt.Sprintf("autoai.env entry %q must be KEY=VALUE", kv))
		}
	}
	if cfg.AutoAI.MaxOutputBytes < 0 {
		errs = append(errs, "autoai.maxOutputBytes must be >= 0")
	}

	if cfg.History.Enabled {
		if cfg.History.DBPath == "" {
			errs = append(errs, "history.dbPath is required when history is enabled")
		}
		if cfg.History.RetentionDays < 1 {
			errs = append(errs, "history.retentionDays must be >= 1")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
