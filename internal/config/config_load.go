package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      18820,
			GlobalRPS: 50,
		},
		Pipeline: PipelineConfig{
			DebounceIntervalSeconds: 12,
			ScanIntervalSeconds:     5,
			MaxBatchesPerScan:       20,
			MaxParallelDispatches:   4,
			DedupRetentionSeconds:   600,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.convoflow/convoflow.db",
			Mode:       "standalone",
		},
		Ai: AiConfig{
			Model: "claude-sonnet-4-5-20250929",
		},
		Janitor: JanitorConfig{
			Schedule:                 "*/5 * * * *",
			ProcessingTimeoutSeconds: 300,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "convoflow",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets are env-only.
	envStr("CONVOFLOW_WEBHOOK_SECRET", &c.Server.WebhookSecret)
	envStr("CONVOFLOW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CONVOFLOW_ANTHROPIC_API_KEY", &c.Ai.APIKey)

	envStr("CONVOFLOW_HOST", &c.Server.Host)
	if v := os.Getenv("CONVOFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("CONVOFLOW_MODE", &c.Database.Mode)
	envStr("CONVOFLOW_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("CONVOFLOW_MODEL", &c.Ai.Model)
	envStr("CONVOFLOW_AI_BASE_URL", &c.Ai.BaseURL)

	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envInt("CONVOFLOW_DEBOUNCE_INTERVAL_SECONDS", &c.Pipeline.DebounceIntervalSeconds)
	envInt("CONVOFLOW_SCAN_INTERVAL_SECONDS", &c.Pipeline.ScanIntervalSeconds)
	envInt("CONVOFLOW_MAX_BATCHES_PER_SCAN", &c.Pipeline.MaxBatchesPerScan)
	envInt("CONVOFLOW_MAX_PARALLEL_DISPATCHES", &c.Pipeline.MaxParallelDispatches)
	envInt("CONVOFLOW_DEDUP_RETENTION_SECONDS", &c.Pipeline.DedupRetentionSeconds)

	// Telemetry
	envStr("CONVOFLOW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CONVOFLOW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CONVOFLOW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CONVOFLOW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONVOFLOW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields carry json:"-" tags
// and never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

func joinHostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
