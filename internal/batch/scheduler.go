package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/convoflow/internal/dispatch"
	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// SchedulerConfig bounds one scheduler instance.
type SchedulerConfig struct {
	ScanInterval time.Duration // polling cadence between scans
	MaxPerScan   int           // cap on batches fetched per scan
	MaxParallel  int64         // max concurrent dispatches per instance
}

// Scheduler turns elapsed batch windows into exclusively-claimed dispatch
// work. Multiple instances may run the same loop against one store; the
// conditional claim in the store is the only mutual exclusion.
type Scheduler struct {
	store   store.BatchStore
	adapter dispatch.Adapter
	cfg     SchedulerConfig
	sem     *semaphore.Weighted
	now     func() time.Time
}

// NewScheduler creates a scheduler over the given store and adapter.
func NewScheduler(st store.BatchStore, adapter dispatch.Adapter, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxPerScan <= 0 {
		cfg.MaxPerScan = 20
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	return &Scheduler{
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxParallel),
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled. Loop-level failures (store unreachable,
// anything unexpected) are logged and retried on the next tick; nothing
// escapes this loop.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler: started",
		"scan_interval", s.cfg.ScanInterval,
		"max_per_scan", s.cfg.MaxPerScan,
		"max_parallel", s.cfg.MaxParallel)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if n, err := s.Scan(ctx); err != nil {
			slog.Error("scheduler: scan failed", "error", err)
		} else if n > 0 {
			slog.Debug("scheduler: scan complete", "dispatched", n)
		}

		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped")
			return
		case <-ticker.C:
		}
	}
}

// Scan performs one snapshot-claim-dispatch pass and waits for the
// dispatches it started. Returns the number of batches this instance won.
// Claim losses are skipped silently; per-batch dispatch failures are
// recorded on the batch and do not affect siblings.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	due, err := s.store.TakeDue(ctx, s.now(), s.cfg.MaxPerScan)
	if err != nil {
		return 0, fmt.Errorf("take due batches: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	claimed := 0

	for _, b := range due {
		ok, err := s.store.TryMarkProcessing(ctx, b.ID, b.Version)
		if err != nil {
			slog.Error("scheduler: claim failed", "batch", b.ID, "error", err)
			continue
		}
		if !ok {
			// Another instance won, or the batch was cancelled or extended
			// after the snapshot. Expected, not a failure.
			continue
		}
		claimed++

		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-scan: the batch stays in processing and the
			// janitor surfaces it if no instance picks up the slack.
			slog.Warn("scheduler: shutdown before dispatch", "batch", b.ID)
			break
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.dispatchOne(ctx, id)
		}(b.ID)
	}

	wg.Wait()
	return claimed, nil
}

// dispatchOne re-reads the claimed batch (its content may be newer than the
// scan snapshot), invokes the adapter, and finalizes the batch state. The
// batch is exclusively owned here, so finalization needs no version gate.
func (s *Scheduler) dispatchOne(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: dispatch panicked", "batch", id, "panic", r)
			s.markError(ctx, id, fmt.Sprintf("dispatch panicked: %v", r))
		}
	}()

	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		slog.Error("scheduler: reload claimed batch failed", "batch", id, "error", err)
		s.markError(ctx, id, fmt.Sprintf("reload after claim: %v", err))
		return
	}

	tracer := otel.Tracer("convoflow/scheduler")
	ctx, span := tracer.Start(ctx, "batch.dispatch")
	span.SetAttributes(
		attribute.String("batch.id", b.ID),
		attribute.String("batch.conversation_key", b.ConversationKey),
		attribute.Int("batch.text_len", len(b.AccumulatedText)),
		attribute.Int("batch.attachments", len(b.AttachmentRefs)),
	)
	defer span.End()

	result, err := s.adapter.Dispatch(ctx, b)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("scheduler: dispatch failed", "batch", b.ID,
			"conversation", b.ConversationKey, "error", err)
		s.markError(ctx, b.ID, err.Error())
		return
	}

	span.SetAttributes(attribute.String("analysis.intent", result.Intent))
	if err := s.store.MarkDone(ctx, b.ID); err != nil {
		slog.Error("scheduler: mark done failed", "batch", b.ID, "error", err)
		return
	}
	slog.Info("scheduler: batch dispatched", "batch", b.ID,
		"conversation", b.ConversationKey, "intent", result.Intent)
}

func (s *Scheduler) markError(ctx context.Context, id, message string) {
	if err := s.store.MarkError(ctx, id, message); err != nil {
		slog.Error("scheduler: mark error failed", "batch", id, "error", err)
	}
}
