package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_RatingRangeInverted(t *testing.T) {
	cfg := Defaults()
	cfg.Feedback.MinRating = 6
	cfg.Feedback.MaxRating = 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for minRating > maxRating")
	}
}

func TestValidate_AutoAITimeout_Boundary(t *testing.T) {
	cfg := Defaults()
	cfg.AutoAI.TimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for timeoutSeconds=0")
	}
	cfg.AutoAI.TimeoutSeconds = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("timeoutSeconds=1 should be valid: %v", err)
	}
	cfg.AutoAI.TimeoutSeconds = 3600
	cfg.Server.WriteTimeoutSeconds = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("timeoutSeconds=3600 should be valid: %v", err)
	}
}

func TestValidate_MissingCommand(t *testing.T) {
	cfg := Defaults()
	cfg.AutoAI.Command = "  "
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for blank command")
	}
}

func TestValidate_HistoryDisabled_SkipsDBPath(t *testing.T) {
	cfg := Defaults()
	cfg.History.Enabled = false
	cfg.History.DBPath = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled history should not require dbPath: %v", err)
	}
	cfg.History.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled history without dbPath")
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogFormat = "xml"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logFormat=xml")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.Server.Port = 6123
	original.AutoAI.Args = []string{"scripts/auto_ai.py", "--quiet"}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 6123 {
		t.Errorf("port: got %d", loaded.Server.Port)
	}
	if len(loaded.AutoAI.Args) != 2 || loaded.AutoAI.Args[1] != "--quiet" {
		t.Errorf("args: got %v", loaded.AutoAI.Args)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	original := Defaults()
	original.Feedback.MaxRating = 10
	original.AutoAI.Command = "python3"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		t.Errorf("expected YAML output, got JSON: %s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Feedback.MaxRating != 10 {
		t.Errorf("maxRating: got %d", loaded.Feedback.MaxRating)
	}
	if loaded.AutoAI.Command != "python3" {
		t.Errorf("command: got %q", loaded.AutoAI.Command)
	}
}

func TestLoad_YAMLPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yamlDoc := "server:\n  port: 7001\nautoai:\n  timeoutSeconds: 30\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.AutoAI.TimeoutSeconds != 30 {
		t.Errorf("timeout: got %d", cfg.AutoAI.TimeoutSeconds)
	}
	if cfg.AutoAI.Command != "python" {
		t.Errorf("command default lost: got %q", cfg.AutoAI.Command)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefault_MissingFile_ReturnsExpandedDefaults(t *testing.T) {
	t.Setenv("OPENPLUS_PORT", "5055")
	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if found {
		t.Error("found should be false for a missing file")
	}
	if cfg.Server.Port != 5055 {
		t.Errorf("env override not applied: port %d", cfg.Server.Port)
	}
	if strings.HasPrefix(cfg.Feedback.Path, "~") {
		t.Errorf("feedback path not expanded: %q", cfg.Feedback.Path)
	}
}

func TestLoadOrDefault_InvalidFile_ReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrDefault(path); err == nil {
		t.Fatal("a malformed file must not fall back to defaults")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":99999}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("OPENPLUS_TEST_REPORT", "/tmp/report.json")
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"autoai":{"reportPath":"${OPENPLUS_TEST_REPORT}","command":"${OPENPLUS_TEST_CMD:-python3}"}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoAI.ReportPath != "/tmp/report.json" {
		t.Errorf("reportPath: got %q", cfg.AutoAI.ReportPath)
	}
	if cfg.AutoAI.Command != "python3" {
		t.Errorf("command: got %q", cfg.AutoAI.Command)
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	dir := t.TempDir()
	os.Unsetenv("OPENPLUS_TEST_DOTENV_CMD")
	t.Cleanup(func() { os.Unsetenv("OPENPLUS_TEST_DOTENV_CMD") })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENPLUS_TEST_DOTENV_CMD=node\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"autoai":{"command":"${OPENPLUS_TEST_DOTENV_CMD}"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AutoAI.Command != "node" {
		t.Errorf("command: got %q, want value from .env", cfg.AutoAI.Command)
	}
}

func TestLoad_PortEnvOverride(t *testing.T) {
	t.Setenv("OPENPLUS_PORT", "8088")
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	got := ExpandEnvVars("${OPENPLUS_SURELY_UNSET_VAR:-fallback}")
	if got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	got := ExpandEnvVars("${OPENPLUS_SURELY_UNSET_VAR}")
	if got != "${OPENPLUS_SURELY_UNSET_VAR}" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	got := ExpandEnvVars("price is $5")
	if got != "price is $5" {
		t.Errorf("got %q", got)
	}
}

// --- Accessors ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "autoai.command")
	if err != nil {
		t.Fatal(err)
	}
	if val != "python" {
		t.Errorf("got %v", val)
	}
	val, err = GetByPath(cfg, "autoai.args.0")
	if err != nil {
		t.Fatal(err)
	}
	if val != "auto_ai.py" {
		t.Errorf("got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "autoai.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.port", "9000"); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "history.enabled", "false"); err != nil {
		t.Fatal(err)
	}
	if cfg.History.Enabled {
		t.Error("history.enabled should be false")
	}
}

func TestSetByPath_ArgsFromString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "autoai.args", "run.py --fast"); err != nil {
		t.Fatal(err)
	}
	if len(cfg.AutoAI.Args) != 2 || cfg.AutoAI.Args[0] != "run.py" {
		t.Errorf("args: got %v", cfg.AutoAI.Args)
	}
}

func TestSetByPath_UnknownKey(t *testing.T) {
	if err := SetByPath(Defaults(), "server.nope", "1"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if err := SetByPath(Defaults(), "", "1"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSetByPath_TypeMismatch(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.port", "not-a-number"); err == nil {
		t.Fatal("expected error assigning a string to an int field")
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("failed set should leave config untouched, port=%d", cfg.Server.Port)
	}
}

func TestListPaths_SortedLeaves(t *testing.T) {
	keys, values := ListPaths(Defaults())
	if len(keys) == 0 {
		t.Fatal("expected leaves")
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("keys not sorted at %d: %q > %q", i, keys[i-1], keys[i])
		}
	}
	if values["feedback.maxRating"] != float64(5) {
		t.Errorf("feedback.maxRating: got %v", values["feedback.maxRating"])
	}
}

func TestValidate_NegativeRateLimit_Rejected(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RateLimitBurst = -1
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "rate limits") {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestLoad_PartialServerSection_KeepsLiveEventsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":5055}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Server.LiveEvents || cfg.Server.RateLimitPerMinute != 60 {
		t.Errorf("server defaults lost: %+v", cfg.Server)
	}
}

func TestValidate_WriteTimeoutNotAboveAnalysisTimeout_Rejected(t *testing.T) {
	cfg := Defaults()
	cfg.AutoAI.TimeoutSeconds = 600
	cfg.Server.WriteTimeoutSeconds = 240
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "server.writeTimeoutSeconds") {
		t.Fatalf("expected write timeout error, got %v", err)
	}

	cfg.Server.WriteTimeoutSeconds = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("writeTimeoutSeconds 0 should be accepted: %v", err)
	}
	cfg.Server.WriteTimeoutSeconds = 660
	if err := Validate(cfg); err != nil {
		t.Errorf("writeTimeoutSeconds above the analysis timeout should be accepted: %v", err)
	}
}

func TestLoad_InvalidDotEnv_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENPLUS_TEST_BROKEN=\"unterminated\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), ".env") {
		t.Fatalf("expected a .env error, got %v", err)
	}
	if _, _, err := LoadOrDefault(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("LoadOrDefault: expected a .env error")
	}
}

func TestValidate_AutoAIEnv(t *testing.T) {
	cfg := Defaults()
	cfg.AutoAI.Env = []string{"MODE=quick", "EMPTY="}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid env rejected: %v", err)
	}

	cfg.AutoAI.Env = []string{"NOEQUALS", "=value"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected env entries without a key to be rejected")
	}
	if !strings.Contains(err.Error(), `"NOEQUALS"`) || !strings.Contains(err.Error(), `"=value"`) {
		t.Errorf("error should name both entries: %v", err)
	}
}
