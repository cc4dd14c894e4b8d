package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carepoint/billing-engine/internal/domain/billing"
)

// MemoryStore keeps event streams in memory. It backs tests and runs without
// a database.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*billing.Event
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]*billing.Event)}
}

func (m *MemoryStore) Save(_ context.Context, b *billing.MasterBill) error {
	changes := b.Changes()
	if len(changes) == 0 {
		return nil
	}
	if b.ID() == "" {
		b.AssignID(uuid.NewString())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[b.ID()]
	if len(stream) > 0 && stream[len(stream)-1].Version >= changes[0].Version {
		return fmt.Errorf("%w: %s v%d", billing.ErrVersionConflict, b.ID(), changes[0].Version)
	}
	for _, e := range changes {
		cp := *e
		stream = append(stream, &cp)
	}
	m.streams[b.ID()] = stream
	b.ClearChanges()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*billing.MasterBill, error) {
	events, err := m.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return billing.LoadFromHistory(id, events)
}

func (m *MemoryStore) GetEvents(_ context.Context, id string) ([]*billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[id]
	out := make([]*billing.Event, 0, len(stream))
	for _, e := range stream {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Revenue(ctx context.Context) (*billing.RevenueReport, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	report := &billing.RevenueReport{PaidTotal: decimal.Zero, ByStatus: map[billing.Status]int64{}}
	for _, id := range ids {
		b, err := m.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		report.ByStatus[b.Status()]++
		if b.Status() == billing.StatusPaid {
			report.PaidCount++
			report.PaidTotal = report.PaidTotal.Add(b.Cost())
		}
	}
	return report, nil
}
