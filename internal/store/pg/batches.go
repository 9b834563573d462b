package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// PGBatchStore implements store.BatchStore backed by Postgres.
//
// The one-open-batch-per-conversation invariant is enforced by a partial
// unique index on (conversation_key) WHERE status = 'pending', not by
// application locking. Concurrent creators race on the insert and exactly
// one wins; the loser sees a unique violation and retries as an extend.
type PGBatchStore struct {
	db *sql.DB
}

// NewPGBatchStore creates a Postgres-backed batch store.
func NewPGBatchStore(db *sql.DB) *PGBatchStore {
	return &PGBatchStore{db: db}
}

const batchCols = `id, conversation_key, status, window_ends_at, accumulated_text,
	attachment_refs, last_event_id, error_message, version, created_at, updated_at, actor`

func (s *PGBatchStore) Create(ctx context.Context, b *store.Batch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (`+batchCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.ConversationKey, b.Status, b.WindowEndsAt, b.AccumulatedText,
		pq.Array(b.AttachmentRefs), nilStr(b.LastEventID), nilStr(b.ErrorMessage),
		b.Version, b.CreatedAt, b.UpdatedAt, nilStr(b.Actor),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrOpenBatchExists
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PGBatchStore) GetByID(ctx context.Context, id string) (*store.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

func (s *PGBatchStore) GetOpenByConversation(ctx context.Context, conversationKey string) (*store.Batch, error) {
	// Pending first: the accumulator extends pending batches, and a pending
	// batch may coexist with a processing one for the same conversation.
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM batches
		 WHERE conversation_key = $1 AND status IN ('pending', 'processing')
		 ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, created_at DESC
		 LIMIT 1`, conversationKey)
	return scanBatch(row)
}

func (s *PGBatchStore) UpdateOptimistic(ctx context.Context, b *store.Batch) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET
			accumulated_text = $1, attachment_refs = $2, window_ends_at = $3,
			last_event_id = $4, actor = $5, version = version + 1, updated_at = $6
		 WHERE id = $7 AND version = $8 AND status = 'pending'`,
		b.AccumulatedText, pq.Array(b.AttachmentRefs), b.WindowEndsAt,
		nilStr(b.LastEventID), nilStr(b.Actor), now, b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrVersionConflict
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (s *PGBatchStore) TakeDue(ctx context.Context, now time.Time, limit int) ([]*store.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchCols+` FROM batches
		 WHERE status = 'pending' AND window_ends_at <= $1
		 ORDER BY window_ends_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("take due batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *PGBatchStore) TryMarkProcessing(ctx context.Context, id string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'processing', version = version + 1, updated_at = $1
		 WHERE id = $2 AND version = $3 AND status = 'pending'`,
		time.Now(), id, version,
	)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PGBatchStore) MarkDone(ctx context.Context, id string) error {
	return s.finalize(ctx, id, store.StatusDone, "")
}

func (s *PGBatchStore) MarkError(ctx context.Context, id, message string) error {
	return s.finalize(ctx, id, store.StatusError, message)
}

func (s *PGBatchStore) finalize(ctx context.Context, id string, status store.BatchStatus, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = $1, error_message = $2, version = version + 1, updated_at = $3
		 WHERE id = $4`,
		status, nilStr(message), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGBatchStore) CancelOpen(ctx context.Context, conversationKey, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'cancelled', error_message = $1, version = version + 1, updated_at = $2
		 WHERE conversation_key = $3 AND status = 'pending'`,
		nilStr(reason), time.Now(), conversationKey,
	)
	if err != nil {
		return false, fmt.Errorf("cancel batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGBatchStore) FailStuckProcessing(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'error',
			error_message = 'dispatch timed out (stuck in processing)',
			version = version + 1, updated_at = $1
		 WHERE status = 'processing' AND updated_at < $2`,
		time.Now(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stuck batches: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGBatchStore) List(ctx context.Context, status store.BatchStatus, limit int) ([]*store.Batch, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+batchCols+` FROM batches WHERE status = $1
			 ORDER BY created_at DESC LIMIT $2`, status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+batchCols+` FROM batches ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *PGBatchStore) Close() error { return s.db.Close() }

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*store.Batch, error) {
	var b store.Batch
	var refs pq.StringArray
	var lastEventID, errorMessage, actor *string

	err := row.Scan(&b.ID, &b.ConversationKey, &b.Status, &b.WindowEndsAt,
		&b.AccumulatedText, &refs, &lastEventID, &errorMessage,
		&b.Version, &b.CreatedAt, &b.UpdatedAt, &actor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	b.AttachmentRefs = []string(refs)
	b.LastEventID = derefStr(lastEventID)
	b.ErrorMessage = derefStr(errorMessage)
	b.Actor = derefStr(actor)
	return &b, nil
}

func scanBatches(rows *sql.Rows) ([]*store.Batch, error) {
	var out []*store.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
