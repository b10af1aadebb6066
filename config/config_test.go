package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `messariflow:
  name: "TestApp"
  version: "1.0"
channels:
  raw_buffer: 8
  processed_buffer: 8
fetcher:
  page_limit: 100
  page_workers: 3
  interval_minutes: 5
  timeout: 10s
writer:
  snapshot_path: "out.csv"
  flush_interval: 1s
storage:
  s3:
    enabled: false
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Messariflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Messariflow.Name)
	}
	if cfg.Fetcher.PageWorkers != 3 {
		t.Errorf("unexpected page workers: %d", cfg.Fetcher.PageWorkers)
	}
	if cfg.Fetcher.Timeout != 10*time.Second {
		t.Errorf("unexpected timeout: %s", cfg.Fetcher.Timeout)
	}
	if cfg.Writer.SnapshotPath != "out.csv" {
		t.Errorf("unexpected snapshot path: %s", cfg.Writer.SnapshotPath)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, "messariflow:\n  name: \"TestApp\"\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Fetcher.BaseURL != DefaultBaseURL {
		t.Errorf("unexpected base url: %s", cfg.Fetcher.BaseURL)
	}
	if cfg.Fetcher.PageLimit != DefaultPageLimit {
		t.Errorf("unexpected page limit: %d", cfg.Fetcher.PageLimit)
	}
	if cfg.Fetcher.PageWorkers != DefaultPageWorkers {
		t.Errorf("unexpected page workers: %d", cfg.Fetcher.PageWorkers)
	}
	if cfg.Writer.SnapshotPath != DefaultSnapshotPath {
		t.Errorf("unexpected snapshot path: %s", cfg.Writer.SnapshotPath)
	}
	if cfg.Fetcher.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected retry attempts: %d", cfg.Fetcher.Retry.MaxAttempts)
	}
}

func TestValidateRejectsBadBucket(t *testing.T) {
	path := writeTempConfig(t, `storage:
  s3:
    enabled: true
    bucket: "Invalid..Bucket"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for invalid bucket name")
	}
}

func TestValidateRejectsBadFormat(t *testing.T) {
	path := writeTempConfig(t, `storage:
  s3:
    enabled: true
    bucket: "valid-bucket"
    format: "avro"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unsupported archive format")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv(appEnvVar, "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Errorf("expected development default, got %s", env)
	}
	t.Setenv(appEnvVar, "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Errorf("expected alias to normalise to production, got %s", env)
	}
	if !IsProductionLike(EnvironmentStaging) {
		t.Error("staging should be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Error("development should not be production-like")
	}
}
