package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node runs
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*InboxEntry), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Start(_ context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = now
		return nil
	}
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expiresAt,
	}
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.Status = status
		e.Result = result
		e.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) Cleanup(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, e := range m.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecoverStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var n int64
	for _, e := range m.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(cutoff) {
			e.Status = StatusRecoverable
			e.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Stats(context.Context) (*InboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &InboxStats{TotalEntries: int64(len(m.entries))}
	for _, e := range m.entries {
		switch e.Status {
		case StatusStarted:
			s.Started++
		case StatusFinished:
			s.Finished++
		case StatusRecoverable:
			s.Recoverable++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}
