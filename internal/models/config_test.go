package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("FLIPBOOK_DATABASE_URL", "")
	path := writeConfig(t, "storage_path: /srv/flipbook\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PollInterval.Std() != 5*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval.Std())
	}
	if cfg.JobTimeout.Std() != 15*time.Second {
		t.Errorf("JobTimeout = %v", cfg.JobTimeout.Std())
	}
	if cfg.ExtractTimeout != cfg.JobTimeout {
		t.Errorf("ExtractTimeout = %v, want job timeout", cfg.ExtractTimeout.Std())
	}
	if cfg.Retention.Std() != 168*time.Hour {
		t.Errorf("Retention = %v", cfg.Retention.Std())
	}
	if cfg.VideoDir() != filepath.Join("/srv/flipbook", "videos") {
		t.Errorf("VideoDir = %s", cfg.VideoDir())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("FLIPBOOK_DATABASE_URL", "postgres://env/db")
	path := writeConfig(t, `
database_url: postgres://file/db
storage_path: data
job_timeout: 2m
retention: 24h
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("DatabaseURL = %s", cfg.DatabaseURL)
	}
	if cfg.JobTimeout.Std() != 2*time.Minute || cfg.ExtractTimeout.Std() != 2*time.Minute {
		t.Errorf("timeouts = %v / %v", cfg.JobTimeout.Std(), cfg.ExtractTimeout.Std())
	}
	if cfg.Retention.Std() != 24*time.Hour {
		t.Errorf("Retention = %v", cfg.Retention.Std())
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"bad duration":  "poll_interval: soon\n",
		"zero timeout":  "job_timeout: 0s\n",
		"empty storage": "storage_path: \"\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
