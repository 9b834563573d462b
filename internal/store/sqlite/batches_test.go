package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

func newTestStore(t *testing.T) *SQLiteBatchStore {
	t.Helper()
	s, err := NewSQLiteBatchStore(filepath.Join(t.TempDir(), "batches.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBatch(t *testing.T, s *SQLiteBatchStore, id, key string, refs []string) *store.Batch {
	t.Helper()
	now := time.Now().UTC()
	b := &store.Batch{
		ID:              id,
		ConversationKey: key,
		Status:          store.StatusPending,
		WindowEndsAt:    now.Add(10 * time.Second),
		AccumulatedText: "hello",
		AttachmentRefs:  refs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Create(context.Background(), b); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

func TestSQLiteBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedBatch(t, s, "b1", "tg:1", []string{"img:1", "img:2"})

	got, err := s.GetByID(ctx, "b1")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.ConversationKey != "tg:1" || got.AccumulatedText != "hello" {
		t.Errorf("batch = %+v", got)
	}
	if len(got.AttachmentRefs) != 2 || got.AttachmentRefs[0] != "img:1" {
		t.Errorf("refs = %v", got.AttachmentRefs)
	}

	if _, err := s.GetByID(ctx, "missing"); err != store.ErrNotFound {
		t.Errorf("missing batch err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteOpenBatchUniqueness(t *testing.T) {
	s := newTestStore(t)

	seedBatch(t, s, "b1", "tg:1", nil)
	now := time.Now().UTC()
	dup := &store.Batch{
		ID:              "b2",
		ConversationKey: "tg:1",
		Status:          store.StatusPending,
		WindowEndsAt:    now.Add(10 * time.Second),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Create(context.Background(), dup); err != store.ErrOpenBatchExists {
		t.Errorf("second pending batch err = %v, want ErrOpenBatchExists", err)
	}
}

func TestSQLiteClaimOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := seedBatch(t, s, "b1", "tg:1", nil)

	ok, err := s.TryMarkProcessing(ctx, b.ID, b.Version)
	if err != nil || !ok {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.TryMarkProcessing(ctx, b.ID, b.Version)
	if err != nil {
		t.Fatalf("second claim err: %v", err)
	}
	if ok {
		t.Error("stale-version claim succeeded")
	}
}

func TestSQLiteScanRejectsCorruptRefs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedBatch(t, s, "b1", "tg:1", []string{"img:1"})

	// A corrupted row must surface as a scan error, not as an empty list.
	if _, err := s.db.Exec(`UPDATE batches SET attachment_refs = '{not json' WHERE id = 'b1'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	_, err := s.GetByID(ctx, "b1")
	if err == nil {
		t.Fatal("corrupt attachment refs scanned without error")
	}
	if !strings.Contains(err.Error(), "decode attachment refs") {
		t.Errorf("err = %v", err)
	}
}
