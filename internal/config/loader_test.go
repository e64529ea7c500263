package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PILLPIPE_DATA", "PILLPIPE_PROFILE", "PILLPIPE_TARGET_SIZE",
		"PILLPIPE_TRAIN_RATIO", "PILLPIPE_WORKERS", "PILLPIPE_LISTEN",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := NewLoader("", "test").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Profile != "development" {
		t.Errorf("Profile = %q, want development", cfg.Profile)
	}
	if cfg.TargetSize != 1280 {
		t.Errorf("TargetSize = %d, want 1280", cfg.TargetSize)
	}
	if cfg.TrainRatio != 0.8 || cfg.ValRatio != 0.1 || cfg.TestRatio != 0.1 {
		t.Errorf("ratios = %v/%v/%v", cfg.TrainRatio, cfg.ValRatio, cfg.TestRatio)
	}
	if cfg.MaxBoxesPerImage != 4 {
		t.Errorf("MaxBoxesPerImage = %d, want 4", cfg.MaxBoxesPerImage)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		t.Errorf("DataDir = %q, want absolute", cfg.DataDir)
	}
	if cfg.StoreDir != filepath.Join(cfg.DataDir, "runstore") {
		t.Errorf("StoreDir = %q", cfg.StoreDir)
	}
	if cfg.CatalogPath != filepath.Join(cfg.DataDir, "catalog.db") {
		t.Errorf("CatalogPath = %q", cfg.CatalogPath)
	}
	if _, ok := cfg.Profiles["prototype"]; !ok {
		t.Error("builtin profiles missing")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
profile: experiment
target_size: 640
train_ratio: 0.7
val_ratio: 0.2
test_ratio: 0.1
watch_settle: 5s
profiles:
  custom:
    train_size: 42
    test_size: 21
    strategy: random
    output_dir: custom_data
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(path, "test").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Profile != "experiment" {
		t.Errorf("Profile = %q, want experiment", cfg.Profile)
	}
	if cfg.TargetSize != 640 {
		t.Errorf("TargetSize = %d, want 640", cfg.TargetSize)
	}
	if cfg.WatchSettle != 5*time.Second {
		t.Errorf("WatchSettle = %v, want 5s", cfg.WatchSettle)
	}
	if p, ok := cfg.Profiles["custom"]; !ok || p.TrainSize != 42 {
		t.Errorf("custom profile = %+v, ok=%v", p, ok)
	}
	// builtins survive the merge
	if _, ok := cfg.Profiles["development"]; !ok {
		t.Error("builtin development profile removed by merge")
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("target_size: 640\nprofile: experiment\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PILLPIPE_TARGET_SIZE", "960")

	cfg, err := NewLoader(path, "test").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TargetSize != 960 {
		t.Errorf("TargetSize = %d, want env value 960", cfg.TargetSize)
	}
	if cfg.Profile != "experiment" {
		t.Errorf("Profile = %q, want file value experiment", cfg.Profile)
	}
}

func TestLoadLogPretty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_pretty: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(path, "test").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.LogPretty {
		t.Error("LogPretty not taken from file")
	}

	t.Setenv("PILLPIPE_LOG_PRETTY", "false")
	cfg, err = NewLoader(path, "test").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogPretty {
		t.Error("env PILLPIPE_LOG_PRETTY=false should beat the file")
	}
}

func TestLoadRejectsUnknownFileKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("no_such_key: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLoader(path, "test").Load(); err == nil {
		t.Error("expected error for unknown config key")
	}
}

func TestLoadRejectsBadRatios(t *testing.T) {
	t.Setenv("PILLPIPE_TRAIN_RATIO", "0.5")
	t.Setenv("PILLPIPE_VAL_RATIO", "0.1")
	t.Setenv("PILLPIPE_TEST_RATIO", "0.1")
	if _, err := NewLoader("", "test").Load(); err == nil {
		t.Error("expected error for ratios not summing to 1")
	}
}

func TestLoadRejectsUnknownProfile(t *testing.T) {
	t.Setenv("PILLPIPE_PROFILE", "no-such-profile")
	if _, err := NewLoader("", "test").Load(); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("PILLPIPE_TEST_INT", "31")
	if got := ParseInt("PILLPIPE_TEST_INT", 7); got != 31 {
		t.Errorf("ParseInt = %d, want 31", got)
	}
	t.Setenv("PILLPIPE_TEST_INT", "not-a-number")
	if got := ParseInt("PILLPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseInt fallback = %d, want 7", got)
	}

	t.Setenv("PILLPIPE_TEST_DUR", "90s")
	if got := ParseDuration("PILLPIPE_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("ParseDuration = %v, want 90s", got)
	}

	t.Setenv("PILLPIPE_TEST_BOOL", "true")
	if !ParseBool("PILLPIPE_TEST_BOOL", false) {
		t.Error("ParseBool = false, want true")
	}
}

func TestRecommendedProfile(t *testing.T) {
	cases := map[string]string{
		"quick_test": "prototype",
		"production": "validation",
		"demo":       "demo",
		"anything":   "development",
	}
	for purpose, want := range cases {
		if got := RecommendedProfile(purpose); got != want {
			t.Errorf("RecommendedProfile(%q) = %q, want %q", purpose, got, want)
		}
	}
}
