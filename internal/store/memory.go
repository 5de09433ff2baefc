package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/delivery"
)

// Memory is an in-memory delivery.Store for tests and local development.
// Semantics match the Postgres implementation: idempotent upsert by event id,
// due-record ordering by next_retry_at then id, NotFoundError on misses.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]delivery.Record
	byEvent map[string]int64
	clock   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[int64]delivery.Record),
		byEvent: make(map[string]int64),
		clock:   time.Now,
	}
}

var _ delivery.Store = (*Memory)(nil)

func (m *Memory) UpsertByEventID(_ context.Context, rec delivery.Record) (delivery.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byEvent[rec.EventID]; ok {
		return m.records[id], false, nil
	}

	m.nextID++
	rec.ID = m.nextID
	now := m.clock().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = rec
	m.byEvent[rec.EventID] = rec.ID
	return rec, true, nil
}

func (m *Memory) Get(_ context.Context, id int64) (delivery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return delivery.Record{}, &delivery.NotFoundError{Key: "id " + strconv.FormatInt(id, 10)}
	}
	return rec, nil
}

func (m *Memory) GetByEventID(_ context.Context, eventID string) (delivery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEvent[eventID]
	if !ok {
		return delivery.Record{}, &delivery.NotFoundError{Key: "event " + eventID}
	}
	return m.records[id], nil
}

func (m *Memory) List(_ context.Context, f delivery.ListFilter) ([]delivery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []delivery.Record
	for _, rec := range m.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) FindDue(_ context.Context, now time.Time, limit int) ([]delivery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []delivery.Record
	for _, rec := range m.records {
		if rec.Due(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(*due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Update(_ context.Context, rec delivery.Record) (delivery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.ID]
	if !ok {
		return delivery.Record{}, &delivery.NotFoundError{Key: "id " + strconv.FormatInt(rec.ID, 10)}
	}
	rec.EventID = existing.EventID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = m.clock().UTC()
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *Memory) UpdateAttempt(_ context.Context, rec delivery.Record) (delivery.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.ID]
	if !ok {
		// Deleted while the attempt was in flight.
		return delivery.Record{}, true, nil
	}
	if existing.Status != delivery.StatusRetrying {
		return existing, true, nil
	}
	rec.EventID = existing.EventID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = m.clock().UTC()
	m.records[rec.ID] = rec
	return rec, false, nil
}

func (m *Memory) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return &delivery.NotFoundError{Key: "id " + strconv.FormatInt(id, 10)}
	}
	delete(m.byEvent, rec.EventID)
	delete(m.records, id)
	return nil
}
