package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory BatchStore with the same conditional-write
// semantics as the SQL stores. Used by tests and by `serve --store memory`
// for single-instance development runs; nothing survives a restart.
type MemStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
}

// NewMemStore creates an empty in-memory batch store.
func NewMemStore() *MemStore {
	return &MemStore{batches: make(map[string]*Batch)}
}

func (m *MemStore) Create(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.batches {
		if existing.ConversationKey == b.ConversationKey && existing.Status == StatusPending {
			return ErrOpenBatchExists
		}
	}

	cp := cloneBatch(b)
	m.batches[b.ID] = cp
	return nil
}

func (m *MemStore) GetByID(ctx context.Context, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (m *MemStore) GetOpenByConversation(ctx context.Context, conversationKey string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var processing *Batch
	for _, b := range m.batches {
		if b.ConversationKey != conversationKey {
			continue
		}
		switch b.Status {
		case StatusPending:
			return cloneBatch(b), nil
		case StatusProcessing:
			processing = b
		}
	}
	if processing != nil {
		return cloneBatch(processing), nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) UpdateOptimistic(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.batches[b.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != b.Version || stored.Status != StatusPending {
		return ErrVersionConflict
	}

	stored.AccumulatedText = b.AccumulatedText
	stored.AttachmentRefs = append([]string(nil), b.AttachmentRefs...)
	stored.WindowEndsAt = b.WindowEndsAt
	stored.LastEventID = b.LastEventID
	stored.Actor = b.Actor
	stored.Version++
	stored.UpdatedAt = time.Now()

	b.Version = stored.Version
	b.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemStore) TakeDue(ctx context.Context, now time.Time, limit int) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Batch
	for _, b := range m.batches {
		if b.Status == StatusPending && !b.WindowEndsAt.After(now) {
			due = append(due, cloneBatch(b))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].WindowEndsAt.Before(due[j].WindowEndsAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemStore) TryMarkProcessing(ctx context.Context, id string, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return false, nil
	}
	if b.Status != StatusPending || b.Version != version {
		return false, nil
	}
	b.Status = StatusProcessing
	b.Version++
	b.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemStore) MarkDone(ctx context.Context, id string) error {
	return m.finalize(id, StatusDone, "")
}

func (m *MemStore) MarkError(ctx context.Context, id, message string) error {
	return m.finalize(id, StatusError, message)
}

func (m *MemStore) finalize(id string, status BatchStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.ErrorMessage = message
	b.Version++
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) CancelOpen(ctx context.Context, conversationKey, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.batches {
		if b.ConversationKey == conversationKey && b.Status == StatusPending {
			b.Status = StatusCancelled
			b.ErrorMessage = reason
			b.Version++
			b.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) FailStuckProcessing(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, b := range m.batches {
		if b.Status == StatusProcessing && b.UpdatedAt.Before(cutoff) {
			b.Status = StatusError
			b.ErrorMessage = "dispatch timed out (stuck in processing)"
			b.Version++
			b.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func (m *MemStore) List(ctx context.Context, status BatchStatus, limit int) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Batch
	for _, b := range m.batches {
		if status != "" && b.Status != status {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Close() error { return nil }

func cloneBatch(b *Batch) *Batch {
	cp := *b
	cp.AttachmentRefs = append([]string(nil), b.AttachmentRefs...)
	return &cp
}
