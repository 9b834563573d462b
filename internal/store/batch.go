// Package store defines the durable batch model and the storage contract the
// pipeline coordinates through. The only cross-process synchronization
// primitive the system relies on is the conditional write gated on Version;
// implementations must make that an atomic compare-and-swap.
package store

import (
	"context"
	"errors"
	"time"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	StatusPending    BatchStatus = "pending"
	StatusProcessing BatchStatus = "processing"
	StatusDone       BatchStatus = "done"
	StatusError      BatchStatus = "error"
	StatusCancelled  BatchStatus = "cancelled"
)

// IsOpen reports whether the status still accepts or owns work.
func (s BatchStatus) IsOpen() bool {
	return s == StatusPending || s == StatusProcessing
}

// IsTerminal reports whether the batch can no longer change state.
func (s BatchStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Batch accumulates related chat events for one conversation during a
// sliding quiet-period window, then is claimed and dispatched exactly once.
type Batch struct {
	ID              string      `json:"id"`
	ConversationKey string      `json:"conversation_key"`
	Status          BatchStatus `json:"status"`
	WindowEndsAt    time.Time   `json:"window_ends_at"`
	AccumulatedText string      `json:"accumulated_text"`
	AttachmentRefs  []string    `json:"attachment_refs,omitempty"`
	LastEventID     string      `json:"last_event_id,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	// Version is the optimistic concurrency token. Every conditional write
	// must supply the value read at load time; a mismatch means another
	// writer got there first.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Actor     string    `json:"actor,omitempty"`
}

var (
	// ErrNotFound is returned when no batch matches the given id.
	ErrNotFound = errors.New("batch not found")

	// ErrVersionConflict is returned when a conditional write lost the race:
	// the stored version no longer matches the one supplied.
	ErrVersionConflict = errors.New("batch version conflict")

	// ErrOpenBatchExists is returned when creating a pending batch for a
	// conversation that already has one (partial unique index violation).
	ErrOpenBatchExists = errors.New("open batch already exists for conversation")
)

// BatchStore is the durable record of per-conversation batches.
//
// TakeDue is a read-only snapshot: the same batch may be returned to several
// instances scanning concurrently. Exclusivity comes solely from
// TryMarkProcessing, which must commit pending→processing for exactly one
// caller per (id, version) pair across all instances.
type BatchStore interface {
	// Create inserts a new pending batch. Returns ErrOpenBatchExists when the
	// conversation already has a pending batch.
	Create(ctx context.Context, b *Batch) error

	// GetByID loads a batch, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Batch, error)

	// GetOpenByConversation returns the pending or processing batch for the
	// conversation (pending preferred), or ErrNotFound when none is open.
	GetOpenByConversation(ctx context.Context, conversationKey string) (*Batch, error)

	// UpdateOptimistic writes accumulated content and window of a pending
	// batch, gated on b.Version. On success the stored version is bumped and
	// b.Version is updated to match. Returns ErrVersionConflict if the row
	// moved on (claimed, cancelled, or extended by a sibling writer).
	UpdateOptimistic(ctx context.Context, b *Batch) error

	// TakeDue returns up to limit pending batches whose window elapsed at or
	// before now, ordered by window_ends_at ascending.
	TakeDue(ctx context.Context, now time.Time, limit int) ([]*Batch, error)

	// TryMarkProcessing attempts the pending→processing claim gated on the
	// version captured at scan time. Returns (false, nil) when the claim was
	// lost, which is an expected outcome, not an error.
	TryMarkProcessing(ctx context.Context, id string, version int64) (bool, error)

	// MarkDone finalizes a processing batch as done. The caller already owns
	// the batch exclusively, so no version gate is needed.
	MarkDone(ctx context.Context, id string) error

	// MarkError finalizes a processing batch as error with a message.
	MarkError(ctx context.Context, id, message string) error

	// CancelOpen conditionally moves the conversation's pending batch to
	// cancelled, recording reason as the error message. Returns (false, nil)
	// when no pending batch exists or a claim won the race.
	CancelOpen(ctx context.Context, conversationKey, reason string) (bool, error)

	// FailStuckProcessing moves batches that have sat in processing since
	// before cutoff to error, and returns how many were moved. Used by the
	// janitor to surface dispatches orphaned by a crash.
	FailStuckProcessing(ctx context.Context, cutoff time.Time) (int, error)

	// List returns recent batches, optionally filtered by status, newest
	// first. Operational surface for the CLI.
	List(ctx context.Context, status BatchStatus, limit int) ([]*Batch, error)

	// Close releases the underlying connection.
	Close() error
}
