package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBatch(id, key string, windowEndsAt time.Time) *Batch {
	now := time.Now()
	return &Batch{
		ID:              id,
		ConversationKey: key,
		Status:          StatusPending,
		WindowEndsAt:    windowEndsAt,
		AccumulatedText: "hello",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestMemStoreCreate(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	t.Run("creates pending batch", func(t *testing.T) {
		b := newTestBatch("b1", "tg:123", time.Now().Add(10*time.Second))
		if err := st.Create(ctx, b); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := st.GetByID(ctx, "b1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Status != StatusPending || got.ConversationKey != "tg:123" {
			t.Errorf("unexpected batch: %+v", got)
		}
	})

	t.Run("rejects second pending batch for same conversation", func(t *testing.T) {
		b := newTestBatch("b2", "tg:123", time.Now().Add(10*time.Second))
		if err := st.Create(ctx, b); !errors.Is(err, ErrOpenBatchExists) {
			t.Fatalf("expected ErrOpenBatchExists, got %v", err)
		}
	})

	t.Run("allows new pending batch once prior is processing", func(t *testing.T) {
		b1, _ := st.GetByID(ctx, "b1")
		ok, err := st.TryMarkProcessing(ctx, "b1", b1.Version)
		if err != nil || !ok {
			t.Fatalf("TryMarkProcessing: ok=%v err=%v", ok, err)
		}
		b := newTestBatch("b3", "tg:123", time.Now().Add(10*time.Second))
		if err := st.Create(ctx, b); err != nil {
			t.Fatalf("Create behind processing batch: %v", err)
		}
	})
}

func TestMemStoreGetOpenByConversation(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	if _, err := st.GetOpenByConversation(ctx, "none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	b := newTestBatch("b1", "tg:1", time.Now().Add(time.Minute))
	if err := st.Create(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetOpenByConversation(ctx, "tg:1")
	if err != nil {
		t.Fatalf("GetOpenByConversation: %v", err)
	}
	if got.ID != "b1" || got.Status != StatusPending {
		t.Errorf("unexpected open batch: %+v", got)
	}

	// Pending batch wins over a processing one when both exist.
	if ok, _ := st.TryMarkProcessing(ctx, "b1", got.Version); !ok {
		t.Fatal("claim failed")
	}
	b2 := newTestBatch("b2", "tg:1", time.Now().Add(time.Minute))
	if err := st.Create(ctx, b2); err != nil {
		t.Fatal(err)
	}
	got, err = st.GetOpenByConversation(ctx, "tg:1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "b2" {
		t.Errorf("expected pending b2 preferred, got %s (%s)", got.ID, got.Status)
	}
}

func TestMemStoreUpdateOptimistic(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	b := newTestBatch("b1", "tg:1", time.Now().Add(time.Minute))
	if err := st.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	t.Run("bumps version on success", func(t *testing.T) {
		loaded, _ := st.GetByID(ctx, "b1")
		loaded.AccumulatedText += " world"
		if err := st.UpdateOptimistic(ctx, loaded); err != nil {
			t.Fatalf("UpdateOptimistic: %v", err)
		}
		if loaded.Version != 1 {
			t.Errorf("version = %d, want 1", loaded.Version)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		stale, _ := st.GetByID(ctx, "b1")
		stale.Version = 0
		if err := st.UpdateOptimistic(ctx, stale); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
	})

	t.Run("claimed batch conflicts", func(t *testing.T) {
		loaded, _ := st.GetByID(ctx, "b1")
		if ok, _ := st.TryMarkProcessing(ctx, "b1", loaded.Version); !ok {
			t.Fatal("claim failed")
		}
		loaded, _ = st.GetByID(ctx, "b1")
		if err := st.UpdateOptimistic(ctx, loaded); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict on processing batch, got %v", err)
		}
	})
}

func TestMemStoreTakeDue(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	now := time.Now()

	early := newTestBatch("early", "tg:1", now.Add(-2*time.Minute))
	late := newTestBatch("late", "tg:2", now.Add(-time.Minute))
	future := newTestBatch("future", "tg:3", now.Add(time.Hour))
	for _, b := range []*Batch{late, early, future} {
		if err := st.Create(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	due, err := st.TakeDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("TakeDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due batches, want 2", len(due))
	}
	if due[0].ID != "early" || due[1].ID != "late" {
		t.Errorf("wrong order: %s, %s", due[0].ID, due[1].ID)
	}

	limited, _ := st.TakeDue(ctx, now, 1)
	if len(limited) != 1 || limited[0].ID != "early" {
		t.Errorf("limit not applied: %+v", limited)
	}
}

func TestMemStoreClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	b := newTestBatch("b1", "tg:1", time.Now().Add(-time.Minute))
	if err := st.Create(ctx, b); err != nil {
		t.Fatal(err)
	}
	loaded, _ := st.GetByID(ctx, "b1")

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.TryMarkProcessing(ctx, "b1", loaded.Version)
			if err != nil {
				t.Errorf("TryMarkProcessing: %v", err)
				return
			}
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("claim won by %d workers, want exactly 1", won)
	}
}

func TestMemStoreCancelOpen(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	if ok, err := st.CancelOpen(ctx, "tg:1", "operator"); err != nil || ok {
		t.Fatalf("cancel with nothing open: ok=%v err=%v", ok, err)
	}

	b := newTestBatch("b1", "tg:1", time.Now().Add(time.Minute))
	if err := st.Create(ctx, b); err != nil {
		t.Fatal(err)
	}
	ok, err := st.CancelOpen(ctx, "tg:1", "operator replied")
	if err != nil || !ok {
		t.Fatalf("CancelOpen: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetByID(ctx, "b1")
	if got.Status != StatusCancelled || got.ErrorMessage != "operator replied" {
		t.Errorf("unexpected state after cancel: %+v", got)
	}

	// Processing batches are not cancellable; the dispatch proceeds.
	b2 := newTestBatch("b2", "tg:1", time.Now().Add(-time.Minute))
	if err := st.Create(ctx, b2); err != nil {
		t.Fatal(err)
	}
	loaded, _ := st.GetByID(ctx, "b2")
	if ok, _ := st.TryMarkProcessing(ctx, "b2", loaded.Version); !ok {
		t.Fatal("claim failed")
	}
	if ok, _ := st.CancelOpen(ctx, "tg:1", "too late"); ok {
		t.Error("cancelled a processing batch")
	}
}

func TestMemStoreFailStuckProcessing(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	b := newTestBatch("b1", "tg:1", time.Now().Add(-time.Hour))
	if err := st.Create(ctx, b); err != nil {
		t.Fatal(err)
	}
	loaded, _ := st.GetByID(ctx, "b1")
	if ok, _ := st.TryMarkProcessing(ctx, "b1", loaded.Version); !ok {
		t.Fatal("claim failed")
	}

	// Cutoff before the claim: nothing is stuck yet.
	n, err := st.FailStuckProcessing(ctx, time.Now().Add(-time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}

	// Cutoff after the claim: the batch is stuck.
	n, err = st.FailStuckProcessing(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	got, _ := st.GetByID(ctx, "b1")
	if got.Status != StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestMemStoreFinalize(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	b := newTestBatch("b1", "tg:1", time.Now())
	if err := st.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	if err := st.MarkDone(ctx, "b1"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	got, _ := st.GetByID(ctx, "b1")
	if got.Status != StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}

	if err := st.MarkError(ctx, "missing", "boom"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreList(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()

	now := time.Now()
	for i, key := range []string{"tg:1", "tg:2", "tg:3"} {
		b := newTestBatch(key, key, now.Add(time.Minute))
		b.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if err := st.Create(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.MarkDone(ctx, "tg:2"); err != nil {
		t.Fatal(err)
	}

	all, err := st.List(ctx, "", 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("List all: n=%d err=%v", len(all), err)
	}
	if all[0].ID != "tg:3" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}

	done, _ := st.List(ctx, StatusDone, 10)
	if len(done) != 1 || done[0].ID != "tg:2" {
		t.Errorf("status filter failed: %+v", done)
	}
}
