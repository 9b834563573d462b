// Package sqlite implements the batch store on a local SQLite file for
// standalone (single instance) deployments. Same conditional-write semantics
// as the Postgres store; the partial unique index on pending batches works
// identically.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// SQLiteBatchStore implements store.BatchStore backed by a SQLite file.
type SQLiteBatchStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id               TEXT PRIMARY KEY,
	conversation_key TEXT NOT NULL,
	status           TEXT NOT NULL,
	window_ends_at   TIMESTAMP NOT NULL,
	accumulated_text TEXT NOT NULL DEFAULT '',
	attachment_refs  TEXT NOT NULL DEFAULT '[]',
	last_event_id    TEXT,
	error_message    TEXT,
	version          INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL,
	actor            TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_batches_open_conversation
	ON batches(conversation_key) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS ix_batches_due
	ON batches(status, window_ends_at);
`

// NewSQLiteBatchStore opens (and if needed initializes) the batch database
// at path.
func NewSQLiteBatchStore(path string) (*SQLiteBatchStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized writes; SQLite allows one writer at a time anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteBatchStore{db: db}, nil
}

func (s *SQLiteBatchStore) Create(ctx context.Context, b *store.Batch) error {
	refs, _ := json.Marshal(b.AttachmentRefs)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, conversation_key, status, window_ends_at,
			accumulated_text, attachment_refs, last_event_id, error_message,
			version, created_at, updated_at, actor)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ConversationKey, b.Status, b.WindowEndsAt, b.AccumulatedText,
		string(refs), nilStr(b.LastEventID), nilStr(b.ErrorMessage),
		b.Version, b.CreatedAt, b.UpdatedAt, nilStr(b.Actor),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return store.ErrOpenBatchExists
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

const batchCols = `id, conversation_key, status, window_ends_at, accumulated_text,
	attachment_refs, last_event_id, error_message, version, created_at, updated_at, actor`

func (s *SQLiteBatchStore) GetByID(ctx context.Context, id string) (*store.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM batches WHERE id = ?`, id)
	return scanBatch(row)
}

func (s *SQLiteBatchStore) GetOpenByConversation(ctx context.Context, conversationKey string) (*store.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchCols+` FROM batches
		 WHERE conversation_key = ? AND status IN ('pending', 'processing')
		 ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, created_at DESC
		 LIMIT 1`, conversationKey)
	return scanBatch(row)
}

func (s *SQLiteBatchStore) UpdateOptimistic(ctx context.Context, b *store.Batch) error {
	refs, _ := json.Marshal(b.AttachmentRefs)
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET
			accumulated_text = ?, attachment_refs = ?, window_ends_at = ?,
			last_event_id = ?, actor = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND status = 'pending'`,
		b.AccumulatedText, string(refs), b.WindowEndsAt,
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

func (s *SQLiteBatchStore) TakeDue(ctx context.Context, now time.Time, limit int) ([]*store.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchCols+` FROM batches
		 WHERE status = 'pending' AND window_ends_at <= ?
		 ORDER BY window_ends_at ASC
		 LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("take due batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *SQLiteBatchStore) TryMarkProcessing(ctx context.Context, id string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'processing', version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND status = 'pending'`,
		time.Now(), id, version,
	)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteBatchStore) MarkDone(ctx context.Context, id string) error {
	return s.finalize(ctx, id, store.StatusDone, "")
}

func (s *SQLiteBatchStore) MarkError(ctx context.Context, id, message string) error {
	return s.finalize(ctx, id, store.StatusError, message)
}

func (s *SQLiteBatchStore) finalize(ctx context.Context, id string, status store.BatchStatus, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, error_message = ?, version = version + 1, updated_at = ?
		 WHERE id = ?`,
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

func (s *SQLiteBatchStore) CancelOpen(ctx context.Context, conversationKey, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'cancelled', error_message = ?, version = version + 1, updated_at = ?
		 WHERE conversation_key = ? AND status = 'pending'`,
		nilStr(reason), time.Now(), conversationKey,
	)
	if err != nil {
		return false, fmt.Errorf("cancel batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteBatchStore) FailStuckProcessing(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = 'error',
			error_message = 'dispatch timed out (stuck in processing)',
			version = version + 1, updated_at = ?
		 WHERE status = 'processing' AND updated_at < ?`,
		time.Now(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stuck batches: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteBatchStore) List(ctx context.Context, status store.BatchStatus, limit int) ([]*store.Batch, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+batchCols+` FROM batches WHERE status = ?
			 ORDER BY created_at DESC LIMIT ?`, status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+batchCols+` FROM batches ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *SQLiteBatchStore) Close() error { return s.db.Close() }

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*store.Batch, error) {
	var b store.Batch
	var refsJSON string
	var lastEventID, errorMessage, actor *string

	err := row.Scan(&b.ID, &b.ConversationKey, &b.Status, &b.WindowEndsAt,
		&b.AccumulatedText, &refsJSON, &lastEventID, &errorMessage,
		&b.Version, &b.CreatedAt, &b.UpdatedAt, &actor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	if err := json.Unmarshal([]byte(refsJSON), &b.AttachmentRefs); err != nil {
		return nil, fmt.Errorf("decode attachment refs for batch %s: %w", b.ID, err)
	}
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
