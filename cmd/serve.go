package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convoflow/internal/batch"
	"github.com/nextlevelbuilder/convoflow/internal/config"
	"github.com/nextlevelbuilder/convoflow/internal/dispatch"
	"github.com/nextlevelbuilder/convoflow/internal/ingest"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/store/pg"
	"github.com/nextlevelbuilder/convoflow/internal/store/sqlite"
	"github.com/nextlevelbuilder/convoflow/internal/telemetry"
)

var storeKind string

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batching pipeline (webhook ingest + scheduler + janitor)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	cmd.Flags().StringVar(&storeKind, "store", "", "storage backend: pg, sqlite, or memory (default: auto from config)")
	return cmd
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, telemetryConfig(cfg))
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.Ai.APIKey == "" {
		slog.Error("CONVOFLOW_ANTHROPIC_API_KEY environment variable is not set")
		os.Exit(1)
	}
	adapter := dispatch.NewAnthropicAdapter(cfg.Ai.APIKey,
		dispatch.WithAnthropicModel(cfg.Ai.Model),
		dispatch.WithAnthropicBaseURL(cfg.Ai.BaseURL))

	accumulator := batch.NewAccumulator(st, cfg.Pipeline.Debounce())
	dedupe := ingest.NewDedupeCache(cfg.Pipeline.DedupRetention())
	normalizer := ingest.NewNormalizer(nil)

	webhook := ingest.NewWebhookServer(cfg.Server.Addr(), cfg.Server.WebhookSecret,
		accumulator, dedupe, normalizer, cfg.Server.GlobalRPS)

	scheduler := batch.NewScheduler(st, adapter, batch.SchedulerConfig{
		ScanInterval: cfg.Pipeline.ScanInterval(),
		MaxPerScan:   cfg.Pipeline.MaxBatchesPerScan,
		MaxParallel:  int64(cfg.Pipeline.MaxParallelDispatches),
	})

	janitor := batch.NewJanitor(st, cfg.Janitor.Schedule, cfg.Janitor.ProcessingTimeout(), dedupe)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		janitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dedupe.Run(ctx)
	}()

	go func() {
		if err := webhook.Start(); err != nil {
			slog.Error("webhook server failed", "error", err)
			stop()
		}
	}()

	slog.Info("convoflow started",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"mode", cfg.Database.Mode,
		"debounce", cfg.Pipeline.Debounce())

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := webhook.Shutdown(shutdownCtx); err != nil {
		slog.Warn("webhook shutdown", "error", err)
	}
	wg.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
	slog.Info("shutdown complete")
}

// openStore selects the storage backend: explicit --store flag first, then
// Postgres when a DSN is configured, otherwise the standalone SQLite file.
func openStore(cfg *config.Config) (store.BatchStore, error) {
	kind := storeKind
	if kind == "" {
		if cfg.Database.PostgresDSN != "" {
			kind = "pg"
		} else {
			kind = "sqlite"
		}
	}

	switch kind {
	case "memory":
		slog.Warn("using in-memory store, batches will not survive restart")
		return store.NewMemStore(), nil
	case "sqlite":
		path := config.ExpandHome(cfg.Database.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		return sqlite.NewSQLiteBatchStore(path)
	case "pg":
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("CONVOFLOW_POSTGRES_DSN environment variable is not set")
		}
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg.NewPGBatchStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	if !cfg.Telemetry.Enabled {
		return telemetry.Config{}
	}
	return telemetry.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Insecure: cfg.Telemetry.Insecure,
	}
}
