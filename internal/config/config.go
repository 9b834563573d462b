// Package config holds the pipeline configuration: a JSON5 file with env
// overrides. Secrets (Postgres DSN, Anthropic key, webhook secret) come from
// env only and are never written back to disk.
package config

import (
	"encoding/json"
	"sync"
	"time"
)

// Config is the root configuration for the convoflow pipeline.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Ai        AiConfig        `json:"ai"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the webhook ingest listener.
type ServerConfig struct {
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	WebhookSecret string  `json:"-"` // from env CONVOFLOW_WEBHOOK_SECRET only
	GlobalRPS     float64 `json:"global_rps,omitempty"` // total event throughput cap, 0 = unlimited
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}

// PipelineConfig tunes the batching and dispatch behaviour.
type PipelineConfig struct {
	DebounceIntervalSeconds int `json:"debounce_interval_seconds"` // sliding window length
	ScanIntervalSeconds     int `json:"scan_interval_seconds"`     // scheduler polling cadence
	MaxBatchesPerScan       int `json:"max_batches_per_scan"`
	MaxParallelDispatches   int `json:"max_parallel_dispatches"`
	DedupRetentionSeconds   int `json:"dedup_retention_seconds"` // duplicate event memory horizon
}

func (p PipelineConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceIntervalSeconds) * time.Second
}

func (p PipelineConfig) ScanInterval() time.Duration {
	return time.Duration(p.ScanIntervalSeconds) * time.Second
}

func (p PipelineConfig) DedupRetention() time.Duration {
	return time.Duration(p.DedupRetentionSeconds) * time.Second
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file (secret), only from env
// CONVOFLOW_POSTGRES_DSN. When it is empty the pipeline runs standalone on a
// local SQLite file.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                    // from env CONVOFLOW_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode DB file
	Mode        string `json:"mode,omitempty"`        // "standalone" (default) or "managed"
}

// AiConfig configures the analysis backend.
type AiConfig struct {
	APIKey  string `json:"-"` // from env CONVOFLOW_ANTHROPIC_API_KEY only
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// JanitorConfig configures the maintenance sweep.
type JanitorConfig struct {
	Schedule                 string `json:"schedule,omitempty"`                   // cron expression
	ProcessingTimeoutSeconds int    `json:"processing_timeout_seconds,omitempty"` // stuck-batch threshold
}

func (j JanitorConfig) ProcessingTimeout() time.Duration {
	return time.Duration(j.ProcessingTimeoutSeconds) * time.Second
}

// TelemetryConfig configures OpenTelemetry export for dispatch traces.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`     // for local dev collectors
	ServiceName string `json:"service_name,omitempty"` // default "convoflow"
}

// MaskedCopy returns a deep copy with secret fields masked for display.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// Secret fields carry json:"-" and do not survive the round trip; copy
	// them back before masking so the output shows presence, not the value.
	cp.Server.WebhookSecret = c.Server.WebhookSecret
	cp.Database.PostgresDSN = c.Database.PostgresDSN
	cp.Ai.APIKey = c.Ai.APIKey
	maskNonEmpty(&cp.Server.WebhookSecret)
	maskNonEmpty(&cp.Database.PostgresDSN)
	maskNonEmpty(&cp.Ai.APIKey)
	return cp
}

const secretMask = "***"

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
