package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }

func emptyFlags() flagSet {
	return flagSet{
		configPath:  strPtr(""),
		planPath:    strPtr(""),
		stateDir:    strPtr(""),
		channel:     strPtr(""),
		apiAddr:     strPtr(""),
		archiveDSN:  strPtr(""),
		sessionDSN:  strPtr(""),
		startCron:   strPtr(""),
		qrOutput:    strPtr(""),
		numeric:     boolPtr(false),
		dryRun:      boolPtr(false),
		status:      boolPtr(false),
		maxAttempts: intPtr(0),
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadEnvironmentConfig(t *testing.T) {
	t.Setenv("WAMIGRATE_PLAN", "/exports/plan.json")
	t.Setenv("WAMIGRATE_STATE_DIR", "/var/lib/wamigrate")
	t.Setenv("WAMIGRATE_DRY_RUN", "yes")

	env := loadEnvironmentConfig()
	if env.PlanPath != "/exports/plan.json" {
		t.Errorf("PlanPath = %q", env.PlanPath)
	}
	if env.StateDir != "/var/lib/wamigrate" {
		t.Errorf("StateDir = %q", env.StateDir)
	}
	if !env.DryRun {
		t.Error("DryRun should parse yes as true")
	}
}

func TestBuildConfigFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wamigrate.yaml")
	if err := os.WriteFile(configPath, []byte("planPath: from-config.json\nchannel: mock\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	flags := emptyFlags()
	flags.configPath = strPtr(configPath)
	flags.planPath = strPtr("from-flag.json")
	flags.stateDir = strPtr(filepath.Join(dir, "state"))
	flags.dryRun = boolPtr(true)
	flags.maxAttempts = intPtr(5)

	cfg, err := buildConfig(flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PlanPath != "from-flag.json" {
		t.Errorf("flag should override config planPath, got %q", cfg.PlanPath)
	}
	if cfg.Channel != "mock" {
		t.Errorf("config channel should survive without a flag, got %q", cfg.Channel)
	}
	if !cfg.DryRun {
		t.Error("dry-run flag not applied")
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("maxAttempts = %d", cfg.MaxAttempts)
	}
}

func TestBuildConfigRequiresPlan(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "wamigrate.yaml")
	if err := os.WriteFile(configPath, []byte("channel: mock\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	flags := emptyFlags()
	flags.configPath = strPtr(configPath)
	if _, err := buildConfig(flags); err == nil {
		t.Error("expected error when no plan is given")
	}
}

func TestPrintStatusWithoutRun(t *testing.T) {
	if code := printStatus(t.TempDir()); code != 0 {
		t.Errorf("missing summary should exit 0, got %d", code)
	}
}
