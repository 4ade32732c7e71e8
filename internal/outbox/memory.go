package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatbox/internal/domain"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]domain.OutboxEntry
	// seq breaks CreatedAt ties in insertion order.
	seq  map[string]uint64
	next uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]domain.OutboxEntry),
		seq:     make(map[string]uint64),
	}
}

func (m *MemoryStore) sortOldestFirst(es []domain.OutboxEntry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return m.seq[es[i].ID] < m.seq[es[j].ID]
	})
}

func (m *MemoryStore) Create(_ context.Context, entry domain.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[entry.ID]; ok && cur.Status != domain.OutboxFailed {
		return ErrDuplicate
	}
	m.entries[entry.ID] = entry
	m.next++
	m.seq[entry.ID] = m.next
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.OutboxEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]domain.OutboxEntry, 0)
	for _, e := range m.entries {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	m.sortOldestFirst(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		claimed := now
		due[i].Status = domain.OutboxSending
		due[i].ClaimedAt = &claimed
		m.entries[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id, remoteID string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("outbox: mark sent %q: not found", id)
	}
	e.Status = domain.OutboxSent
	e.SentAt = &sentAt
	e.RemoteID = remoteID
	e.Error = ""
	e.NextAttemptAt = nil
	m.entries[id] = e
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id string, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("outbox: record failure %q: not found", id)
	}
	e.Tries = f.Tries
	e.Error = f.Error
	e.NextAttemptAt = f.NextAttemptAt
	e.ClaimedAt = nil
	e.Status = domain.OutboxPending
	if f.Terminal {
		e.Status = domain.OutboxFailed
	}
	m.entries[id] = e
	return nil
}

func (m *MemoryStore) RequeueStale(_ context.Context, staleBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.Status != domain.OutboxSending || e.ClaimedAt == nil || !e.ClaimedAt.Before(staleBefore) {
			continue
		}
		e.Status = domain.OutboxPending
		e.ClaimedAt = nil
		e.Error = AbandonedReason
		m.entries[id] = e
		n++
	}
	return n, nil
}

// All returns a snapshot of every entry, oldest first.
func (m *MemoryStore) All() []domain.OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.sortOldestFirst(out)
	return out
}
