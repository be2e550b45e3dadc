package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iastscand.yaml")
	body := []byte("preprocessor:\n  http_port: 9090\nscanner:\n  retry_times: 5\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Preprocessor.HTTPPort != 9090 {
		t.Fatalf("expected overridden http_port 9090, got %d", cfg.Preprocessor.HTTPPort)
	}
	if cfg.Scanner.RetryTimes != 5 {
		t.Fatalf("expected overridden retry_times 5, got %d", cfg.Scanner.RetryTimes)
	}
	if cfg.Preprocessor.APIPath != "/iast" {
		t.Fatalf("expected default api_path preserved, got %q", cfg.Preprocessor.APIPath)
	}
	if cfg.Monitor.MaxCPU != 80 {
		t.Fatalf("expected default monitor.max_cpu preserved, got %d", cfg.Monitor.MaxCPU)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
