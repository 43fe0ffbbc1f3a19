package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Model = "test-model"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected mode 0600, got %o", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if raw["model"] != "test-model" {
		t.Errorf("Expected model 'test-model', got %v", raw["model"])
	}
	if raw["job_timeout"] != "5m0s" {
		t.Errorf("Expected job_timeout written as a duration string, got %v", raw["job_timeout"])
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.JobTimeout = Duration(90 * time.Second)
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.Timeout = Duration(time.Minute)
	cfg.Backend = "gemini"
	cfg.GeminiAPIKey = "secret"
	cfg.Store = "postgres"
	cfg.DatabaseURL = "postgres://localhost/docanalyst"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Workers != 2 {
		t.Errorf("Workers mismatch: got %d", loaded.Workers)
	}
	if loaded.JobTimeout != cfg.JobTimeout {
		t.Errorf("JobTimeout mismatch: got %s", loaded.JobTimeout)
	}
	if loaded.Retry.MaxRetries != 0 {
		t.Errorf("MaxRetries mismatch: got %d", loaded.Retry.MaxRetries)
	}
	if loaded.Breaker.Timeout != cfg.Breaker.Timeout {
		t.Errorf("Breaker timeout mismatch: got %s", loaded.Breaker.Timeout)
	}
	if loaded.GeminiAPIKey != "secret" || loaded.DatabaseURL != cfg.DatabaseURL {
		t.Errorf("Secrets mismatch: got %q %q", loaded.GeminiAPIKey, loaded.DatabaseURL)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	first := DefaultConfig()
	first.Model = "first-value"
	if err := Save(first, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := DefaultConfig()
	second.Model = "second-value"
	if err := Save(second, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	if loaded.Model != "second-value" {
		t.Errorf("Expected 'second-value', got '%s'", loaded.Model)
	}
}
