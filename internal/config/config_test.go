package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Pipeline.DebounceIntervalSeconds != 12 {
			t.Errorf("debounce default = %d", cfg.Pipeline.DebounceIntervalSeconds)
		}
		if cfg.Server.Port != 18820 {
			t.Errorf("port default = %d", cfg.Server.Port)
		}
	})

	t.Run("parses json5 with comments", func(t *testing.T) {
		path := writeConfig(t, `{
			// tighter debounce for tests
			pipeline: { debounce_interval_seconds: 3, max_parallel_dispatches: 2 },
			server: { host: "127.0.0.1", port: 9999 },
		}`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Pipeline.Debounce() != 3*time.Second {
			t.Errorf("debounce = %v", cfg.Pipeline.Debounce())
		}
		if cfg.Server.Addr() != "127.0.0.1:9999" {
			t.Errorf("addr = %q", cfg.Server.Addr())
		}
		if cfg.Pipeline.MaxParallelDispatches != 2 {
			t.Errorf("max_parallel = %d", cfg.Pipeline.MaxParallelDispatches)
		}
	})

	t.Run("env overrides file values", func(t *testing.T) {
		path := writeConfig(t, `{ pipeline: { scan_interval_seconds: 30 } }`)
		t.Setenv("CONVOFLOW_SCAN_INTERVAL_SECONDS", "7")
		t.Setenv("CONVOFLOW_PORT", "4242")
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Pipeline.ScanIntervalSeconds != 7 {
			t.Errorf("scan interval = %d, want env override 7", cfg.Pipeline.ScanIntervalSeconds)
		}
		if cfg.Server.Port != 4242 {
			t.Errorf("port = %d", cfg.Server.Port)
		}
	})

	t.Run("secrets come from env only", func(t *testing.T) {
		path := writeConfig(t, `{}`)
		t.Setenv("CONVOFLOW_POSTGRES_DSN", "postgres://u:p@localhost/convoflow")
		t.Setenv("CONVOFLOW_ANTHROPIC_API_KEY", "sk-test")
		t.Setenv("CONVOFLOW_WEBHOOK_SECRET", "hush")
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Database.PostgresDSN == "" || cfg.Ai.APIKey == "" || cfg.Server.WebhookSecret == "" {
			t.Error("env secrets not applied")
		}
	})

	t.Run("malformed file errors", func(t *testing.T) {
		path := writeConfig(t, `{ pipeline: `)
		if _, err := Load(path); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestSaveNeverPersistsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Server.WebhookSecret = "hush"
	cfg.Database.PostgresDSN = "postgres://secret"
	cfg.Ai.APIKey = "sk-test"

	path := filepath.Join(t.TempDir(), "out.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"hush", "postgres://secret", "sk-test"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("secret %q written to disk", secret)
		}
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Ai.APIKey = "sk-test"
	cfg.Server.WebhookSecret = ""

	cp := cfg.MaskedCopy()
	if cp.Ai.APIKey != secretMask {
		t.Errorf("api key not masked: %q", cp.Ai.APIKey)
	}
	if cp.Server.WebhookSecret != "" {
		t.Errorf("empty secret should stay empty, got %q", cp.Server.WebhookSecret)
	}
	if cfg.Ai.APIKey != "sk-test" {
		t.Error("original mutated")
	}
}
