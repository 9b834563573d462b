package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// Sweeper is anything the janitor should sweep alongside the store (the
// dedupe cache implements this).
type Sweeper interface {
	Sweep() int
}

// Janitor runs maintenance on a cron schedule: batches orphaned in
// processing by a crashed instance are moved to error so operators see
// them (they are never auto-retried), and registered caches are swept.
type Janitor struct {
	store             store.BatchStore
	schedule          string // cron expression, e.g. "*/5 * * * *"
	processingTimeout time.Duration
	sweepers          []Sweeper
	gron              *gronx.Gronx
}

// NewJanitor creates a janitor. schedule is a standard cron expression;
// processingTimeout is how long a batch may sit in processing before it is
// considered orphaned.
func NewJanitor(st store.BatchStore, schedule string, processingTimeout time.Duration, sweepers ...Sweeper) *Janitor {
	return &Janitor{
		store:             st,
		schedule:          schedule,
		processingTimeout: processingTimeout,
		sweepers:          sweepers,
		gron:              gronx.New(),
	}
}

// Run checks the schedule once a minute and sweeps when it is due.
func (j *Janitor) Run(ctx context.Context) {
	if !j.gron.IsValid(j.schedule) {
		slog.Error("janitor: invalid cron schedule, janitor disabled", "schedule", j.schedule)
		return
	}
	slog.Info("janitor: started", "schedule", j.schedule, "processing_timeout", j.processingTimeout)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor: stopped")
			return
		case tick := <-ticker.C:
			due, err := j.gron.IsDue(j.schedule, tick)
			if err != nil || !due {
				continue
			}
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.processingTimeout)
	n, err := j.store.FailStuckProcessing(ctx, cutoff)
	if err != nil {
		slog.Error("janitor: stuck batch sweep failed", "error", err)
	} else if n > 0 {
		slog.Warn("janitor: failed stuck processing batches", "count", n, "cutoff", cutoff)
	}

	for _, sw := range j.sweepers {
		if evicted := sw.Sweep(); evicted > 0 {
			slog.Debug("janitor: cache sweep", "evicted", evicted)
		}
	}
}
