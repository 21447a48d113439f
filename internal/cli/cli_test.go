package cli

import (
	"os"
	"strings"
	"testing"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/pelletier/go-toml/v2"
)

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	if buildVersion != "1.2.3" {
		t.Fatalf("expected 1.2.3, got %q", buildVersion)
	}
	if buildCommit != "abc123" {
		t.Fatalf("expected abc123, got %q", buildCommit)
	}
	if buildDate != "2026-01-01" {
		t.Fatalf("expected 2026-01-01, got %q", buildDate)
	}
	SetVersion("dev", "none", "unknown")
}

// resetJSONFlag ensures the persistent --json flag is reset between tests.
func resetJSONFlag() {
	rootCmd.PersistentFlags().Set("json", "false")
}

// captureStdout captures stdout output from the given function.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	buf := make([]byte, 64*1024)
	n, _ := r.Read(buf)
	r.Close()
	return string(buf[:n])
}

func TestVersionCommand(t *testing.T) {
	resetJSONFlag()
	SetVersion("0.1.0", "deadbeef", "2026-02-07")
	defer SetVersion("dev", "none", "unknown")

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"version"})
		_ = rootCmd.Execute()
	})

	if !strings.Contains(output, "0.1.0") {
		t.Fatalf("expected version in output, got %q", output)
	}
	if !strings.Contains(output, "deadbeef") {
		t.Fatalf("expected commit in output, got %q", output)
	}
}

func TestConfigCommandProducesValidTOML(t *testing.T) {
	resetJSONFlag()
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(origDir)

	t.Setenv("FOREMAN_DATABASE_URL", "postgresql://localhost:5432/foreman")

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config"})
		if err := rootCmd.Execute(); err != nil {
			t.Errorf("config command failed: %v", err)
		}
	})

	var cfg config.Config
	if err := toml.Unmarshal([]byte(output), &cfg); err != nil {
		t.Fatalf("config output is not valid TOML: %v\n%s", err, output)
	}
	if cfg.Server.Port != 8420 {
		t.Fatalf("expected default port 8420, got %d", cfg.Server.Port)
	}
}

func TestConfigGetCommand(t *testing.T) {
	resetJSONFlag()
	t.Setenv("FOREMAN_DATABASE_URL", "postgresql://localhost:5432/foreman")

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "get", "scheduler.worker_slots"})
		if err := rootCmd.Execute(); err != nil {
			t.Errorf("config get failed: %v", err)
		}
	})

	if strings.TrimSpace(output) != "8" {
		t.Fatalf("expected default worker_slots 8, got %q", output)
	}
}

func TestConfigSetUnknownKey(t *testing.T) {
	resetJSONFlag()
	rootCmd.SetArgs([]string{"config", "set", "bogus.key", "1"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for unknown config key")
	}
}

func TestInitCommandWritesConfig(t *testing.T) {
	resetJSONFlag()
	tmpDir := t.TempDir()
	path := tmpDir + "/foreman.toml"

	captureStdout(t, func() {
		rootCmd.SetArgs([]string{"init", "--path", path})
		if err := rootCmd.Execute(); err != nil {
			t.Errorf("init failed: %v", err)
		}
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading generated config: %v", err)
	}
	if !strings.Contains(string(data), "[scheduler]") {
		t.Fatal("expected [scheduler] section in generated config")
	}

	// A second init without --force must refuse to overwrite.
	rootCmd.SetArgs([]string{"init", "--path", path})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error when file already exists")
	}
}

func TestServerURLDefault(t *testing.T) {
	t.Setenv("FOREMAN_URL", "")
	os.Unsetenv("FOREMAN_URL")
	if got := serverURL(); got != "http://127.0.0.1:8420" {
		t.Fatalf("unexpected default server URL: %q", got)
	}
}

func TestServerURLFromEnv(t *testing.T) {
	t.Setenv("FOREMAN_URL", "http://example.com:9000")
	if got := serverURL(); got != "http://example.com:9000" {
		t.Fatalf("expected env URL, got %q", got)
	}
}
