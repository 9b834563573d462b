package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/dispatch"
	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// stubAdapter records dispatched batches and fails those whose conversation
// key matches failKey.
type stubAdapter struct {
	mu         sync.Mutex
	dispatched []string
	failKey    string
	panicKey   string
}

func (a *stubAdapter) Dispatch(ctx context.Context, b *store.Batch) (*dispatch.Result, error) {
	a.mu.Lock()
	a.dispatched = append(a.dispatched, b.ID)
	a.mu.Unlock()

	if a.panicKey != "" && b.ConversationKey == a.panicKey {
		panic("adapter exploded")
	}
	if a.failKey != "" && b.ConversationKey == a.failKey {
		return nil, errors.New("backend unavailable")
	}
	return &dispatch.Result{Intent: "question", Summary: "asked something", Confidence: 0.9}, nil
}

func (a *stubAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dispatched)
}

func seedDue(t *testing.T, st store.BatchStore, id, key string) {
	t.Helper()
	now := time.Now()
	err := st.Create(context.Background(), &store.Batch{
		ID:              id,
		ConversationKey: key,
		Status:          store.StatusPending,
		WindowEndsAt:    now.Add(-time.Minute),
		AccumulatedText: "content",
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSchedulerScanDispatchesDueBatches(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	adapter := &stubAdapter{}
	s := NewScheduler(st, adapter, SchedulerConfig{})

	seedDue(t, st, "b1", "tg:1")
	seedDue(t, st, "b2", "tg:2")

	n, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed %d, want 2", n)
	}
	for _, id := range []string{"b1", "b2"} {
		b, _ := st.GetByID(ctx, id)
		if b.Status != store.StatusDone {
			t.Errorf("%s status = %s, want done", id, b.Status)
		}
	}
}

func TestSchedulerSkipsFutureWindows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	adapter := &stubAdapter{}
	s := NewScheduler(st, adapter, SchedulerConfig{})

	now := time.Now()
	if err := st.Create(ctx, &store.Batch{
		ID: "future", ConversationKey: "tg:1", Status: store.StatusPending,
		WindowEndsAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 0 || adapter.count() != 0 {
		t.Errorf("dispatched a batch whose window has not elapsed (n=%d, dispatched=%d)", n, adapter.count())
	}
}

func TestSchedulerConcurrentInstancesClaimOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	adapter := &stubAdapter{}

	const batches = 8
	for i := 0; i < batches; i++ {
		seedDue(t, st, "b"+string(rune('0'+i)), "tg:"+string(rune('0'+i)))
	}

	// Several scheduler instances over one store, scanning at once.
	const instances = 4
	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		s := NewScheduler(st, adapter, SchedulerConfig{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Scan(ctx)
			if err != nil {
				t.Errorf("Scan: %v", err)
			}
			total.Add(int64(n))
		}()
	}
	wg.Wait()

	if got := total.Load(); got != batches {
		t.Fatalf("total claims = %d, want %d", got, batches)
	}
	if adapter.count() != batches {
		t.Fatalf("dispatched %d times, want %d", adapter.count(), batches)
	}
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	adapter := &stubAdapter{failKey: "tg:bad"}
	s := NewScheduler(st, adapter, SchedulerConfig{})

	seedDue(t, st, "good", "tg:good")
	seedDue(t, st, "bad", "tg:bad")

	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	good, _ := st.GetByID(ctx, "good")
	if good.Status != store.StatusDone {
		t.Errorf("good status = %s, want done", good.Status)
	}
	bad, _ := st.GetByID(ctx, "bad")
	if bad.Status != store.StatusError {
		t.Errorf("bad status = %s, want error", bad.Status)
	}
	if !strings.Contains(bad.ErrorMessage, "backend unavailable") {
		t.Errorf("error message not recorded: %q", bad.ErrorMessage)
	}
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	adapter := &stubAdapter{panicKey: "tg:boom"}
	s := NewScheduler(st, adapter, SchedulerConfig{})

	seedDue(t, st, "boom", "tg:boom")
	seedDue(t, st, "fine", "tg:fine")

	if _, err := s.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	boom, _ := st.GetByID(ctx, "boom")
	if boom.Status != store.StatusError {
		t.Errorf("panicked batch status = %s, want error", boom.Status)
	}
	fine, _ := st.GetByID(ctx, "fine")
	if fine.Status != store.StatusDone {
		t.Errorf("sibling batch status = %s, want done", fine.Status)
	}
}

func TestSchedulerDispatchesLatestContent(t *testing.T) {
	// Content appended between the scan snapshot and the claim must still be
	// dispatched: dispatchOne re-reads the batch after claiming.
	ctx := context.Background()
	st := store.NewMemStore()

	var got string
	adapter := adapterFunc(func(ctx context.Context, b *store.Batch) (*dispatch.Result, error) {
		got = b.AccumulatedText
		return &dispatch.Result{Intent: "x", Summary: "y", Confidence: 1}, nil
	})
	s := NewScheduler(st, adapter, SchedulerConfig{})

	seedDue(t, st, "b1", "tg:1")

	due, _ := st.TakeDue(ctx, time.Now(), 10)
	b := due[0]
	ok, err := st.TryMarkProcessing(ctx, b.ID, b.Version)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	s.dispatchOne(ctx, b.ID)

	if got != "content" {
		t.Errorf("dispatched text = %q", got)
	}
}

type adapterFunc func(ctx context.Context, b *store.Batch) (*dispatch.Result, error)

func (f adapterFunc) Dispatch(ctx context.Context, b *store.Batch) (*dispatch.Result, error) {
	return f(ctx, b)
}
