// Package batch contains the debounce pipeline core: the accumulator that
// folds chat events into per-conversation batches, the scheduler that claims
// and dispatches elapsed batches, and the janitor that sweeps up after
// crashed dispatchers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// maxUpsertAttempts bounds the retry loop on version conflicts and
// create/extend races. Conflicts resolve within one or two reloads under
// normal contention.
const maxUpsertAttempts = 4

// Accumulator creates batches, extends their window and content on new
// events, and cancels open batches on human intervention.
type Accumulator struct {
	store    store.BatchStore
	debounce time.Duration
	now      func() time.Time
}

// NewAccumulator creates an accumulator with the given debounce window.
func NewAccumulator(st store.BatchStore, debounce time.Duration) *Accumulator {
	return &Accumulator{
		store:    st,
		debounce: debounce,
		now:      time.Now,
	}
}

// UpsertAndExtendWindow folds one qualifying event into the conversation's
// open batch. No open batch: a new pending batch is created with
// window_ends_at = now + debounce. Pending batch: content is appended and
// the window slides forward to now + debounce. Processing batch: the event
// arrived too late for that batch, so a fresh pending batch is started
// rather than dropping the content.
func (a *Accumulator) UpsertAndExtendWindow(ctx context.Context, conversationKey, textDelta string, attachmentRefs []string, sourceEventID, actor string) error {
	var lastErr error

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		open, err := a.store.GetOpenByConversation(ctx, conversationKey)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = a.create(ctx, conversationKey, textDelta, attachmentRefs, sourceEventID, actor)
			if errors.Is(err, store.ErrOpenBatchExists) {
				// A sibling writer created the batch between our read and
				// insert; reload and extend it instead.
				lastErr = err
				continue
			}
			return err

		case err != nil:
			return fmt.Errorf("load open batch: %w", err)

		case open.Status == store.StatusProcessing:
			err = a.create(ctx, conversationKey, textDelta, attachmentRefs, sourceEventID, actor)
			if errors.Is(err, store.ErrOpenBatchExists) {
				lastErr = err
				continue
			}
			if err == nil {
				slog.Info("accumulator: started new batch behind processing one",
					"conversation", conversationKey, "event", sourceEventID)
			}
			return err

		default: // pending
			open.AccumulatedText += textDelta
			open.AttachmentRefs = append(open.AttachmentRefs, attachmentRefs...)
			open.WindowEndsAt = a.now().Add(a.debounce)
			open.LastEventID = sourceEventID
			open.Actor = actor

			err = a.store.UpdateOptimistic(ctx, open)
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			if err == nil {
				slog.Debug("accumulator: extended batch",
					"batch", open.ID, "conversation", conversationKey,
					"window_ends_at", open.WindowEndsAt)
			}
			return err
		}
	}

	return fmt.Errorf("upsert batch for %s: retries exhausted: %w", conversationKey, lastErr)
}

// CancelOpenBatch conditionally moves the conversation's pending batch to
// cancelled. Returns false when there is nothing to cancel (the usual case
// when a human replies in a conversation with no accumulating batch) or when
// a claim won the race, in which case the batch proceeds to dispatch.
func (a *Accumulator) CancelOpenBatch(ctx context.Context, conversationKey, reason string) (bool, error) {
	cancelled, err := a.store.CancelOpen(ctx, conversationKey, reason)
	if err != nil {
		return false, fmt.Errorf("cancel open batch: %w", err)
	}
	if cancelled {
		slog.Info("accumulator: cancelled open batch",
			"conversation", conversationKey, "reason", reason)
	}
	return cancelled, nil
}

func (a *Accumulator) create(ctx context.Context, conversationKey, textDelta string, attachmentRefs []string, sourceEventID, actor string) error {
	now := a.now()
	b := &store.Batch{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ConversationKey: conversationKey,
		Status:          store.StatusPending,
		WindowEndsAt:    now.Add(a.debounce),
		AccumulatedText: textDelta,
		AttachmentRefs:  append([]string(nil), attachmentRefs...),
		LastEventID:     sourceEventID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Actor:           actor,
	}

	if err := a.store.Create(ctx, b); err != nil {
		return err
	}
	slog.Info("accumulator: created batch",
		"batch", b.ID, "conversation", conversationKey,
		"window_ends_at", b.WindowEndsAt)
	return nil
}
