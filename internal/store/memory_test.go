package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/delivery"
)

func newTestMemory(t *testing.T) (*Memory, *time.Time) {
	t.Helper()
	m := NewMemory()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	return m, &now
}

func seedRecord(t *testing.T, m *Memory, eventID string, status delivery.Status, next *time.Time) delivery.Record {
	t.Helper()
	rec, created, err := m.UpsertByEventID(context.Background(), delivery.Record{
		EventID:     eventID,
		Method:      "POST",
		URL:         "https://hooks.example.com/notify",
		Status:      status,
		NextRetryAt: next,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", eventID, err)
	}
	if !created {
		t.Fatalf("seed %s: expected a new record", eventID)
	}
	return rec
}

func TestMemoryUpsertIdempotent(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	first := seedRecord(t, m, "evt-1", delivery.StatusRetrying, now)
	if first.ID == 0 {
		t.Fatal("expected assigned id")
	}

	// Same event id again: existing record comes back untouched.
	again, created, err := m.UpsertByEventID(ctx, delivery.Record{
		EventID: "evt-1",
		URL:     "https://other.example.com/should-be-ignored",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("second upsert reported created = true")
	}
	if again.ID != first.ID {
		t.Errorf("second upsert id = %d, want %d", again.ID, first.ID)
	}
	if again.URL != first.URL {
		t.Errorf("second upsert URL = %q, want original %q", again.URL, first.URL)
	}
}

func TestMemoryGet(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	rec := seedRecord(t, m, "evt-1", delivery.StatusRetrying, now)

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EventID != "evt-1" {
		t.Errorf("EventID = %q", got.EventID)
	}

	byEvent, err := m.GetByEventID(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetByEventID: %v", err)
	}
	if byEvent.ID != rec.ID {
		t.Errorf("GetByEventID id = %d, want %d", byEvent.ID, rec.ID)
	}

	var nfe *delivery.NotFoundError
	if _, err := m.Get(ctx, 9999); !errors.As(err, &nfe) {
		t.Errorf("Get missing id err = %v, want NotFoundError", err)
	}
	if _, err := m.GetByEventID(ctx, "evt-missing"); !errors.As(err, &nfe) {
		t.Errorf("GetByEventID missing err = %v, want NotFoundError", err)
	}
}

func TestMemoryFindDue(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	early := now.Add(-2 * time.Minute)
	late := now.Add(-1 * time.Minute)
	future := now.Add(time.Hour)

	recLate := seedRecord(t, m, "evt-late", delivery.StatusRetrying, &late)
	recEarly := seedRecord(t, m, "evt-early", delivery.StatusRetrying, &early)
	seedRecord(t, m, "evt-future", delivery.StatusRetrying, &future)
	seedRecord(t, m, "evt-paused", delivery.StatusPaused, &early)
	seedRecord(t, m, "evt-done", delivery.StatusDelivered, nil)

	due, err := m.FindDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("FindDue returned %d records, want 2", len(due))
	}
	if due[0].ID != recEarly.ID || due[1].ID != recLate.ID {
		t.Errorf("FindDue order = [%d %d], want [%d %d]", due[0].ID, due[1].ID, recEarly.ID, recLate.ID)
	}

	// Limit applies after ordering.
	due, err = m.FindDue(ctx, now, 1)
	if err != nil {
		t.Fatalf("FindDue limit: %v", err)
	}
	if len(due) != 1 || due[0].ID != recEarly.ID {
		t.Errorf("FindDue(limit=1) = %v, want just the earliest", due)
	}
}

func TestMemoryList(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	// Distinct created_at per record so ordering is deterministic.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, spec := range []struct {
		event  string
		status delivery.Status
	}{
		{"evt-1", delivery.StatusRetrying},
		{"evt-2", delivery.StatusDelivered},
		{"evt-3", delivery.StatusRetrying},
	} {
		tick := base.Add(time.Duration(i) * time.Second)
		m.clock = func() time.Time { return tick }
		seedRecord(t, m, spec.event, spec.status, nil)
	}

	all, err := m.List(ctx, delivery.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d, want 3", len(all))
	}
	// Newest first.
	if all[0].EventID != "evt-3" || all[2].EventID != "evt-1" {
		t.Errorf("List order = [%s %s %s], want newest first", all[0].EventID, all[1].EventID, all[2].EventID)
	}

	retrying, err := m.List(ctx, delivery.ListFilter{Status: delivery.StatusRetrying})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(retrying) != 2 {
		t.Errorf("filtered List returned %d, want 2", len(retrying))
	}

	paged, err := m.List(ctx, delivery.ListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List paged: %v", err)
	}
	if len(paged) != 1 || paged[0].EventID != "evt-2" {
		t.Errorf("paged List = %v, want [evt-2]", paged)
	}

	past, err := m.List(ctx, delivery.ListFilter{Offset: 50})
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(past) != 0 {
		t.Errorf("offset past end returned %d records", len(past))
	}
}

func TestMemoryUpdate(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	rec := seedRecord(t, m, "evt-1", delivery.StatusRetrying, now)

	rec.Status = delivery.StatusDelivered
	rec.NextRetryAt = nil
	rec.AttemptCount = 4
	rec.EventID = "evt-tampered" // ignored; event id is immutable
	updated, err := m.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != delivery.StatusDelivered || updated.AttemptCount != 4 {
		t.Errorf("Update did not apply: %+v", updated)
	}
	if updated.EventID != "evt-1" {
		t.Errorf("EventID = %q, want immutable evt-1", updated.EventID)
	}

	var nfe *delivery.NotFoundError
	if _, err := m.Update(ctx, delivery.Record{ID: 404}); !errors.As(err, &nfe) {
		t.Errorf("Update missing err = %v, want NotFoundError", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	rec := seedRecord(t, m, "evt-1", delivery.StatusRetrying, now)

	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var nfe *delivery.NotFoundError
	if _, err := m.Get(ctx, rec.ID); !errors.As(err, &nfe) {
		t.Errorf("Get after delete err = %v, want NotFoundError", err)
	}
	if err := m.Delete(ctx, rec.ID); !errors.As(err, &nfe) {
		t.Errorf("second Delete err = %v, want NotFoundError", err)
	}

	// The event id is freed for reuse.
	if _, created, err := m.UpsertByEventID(ctx, delivery.Record{EventID: "evt-1", URL: "https://x.example.com"}); err != nil || !created {
		t.Errorf("re-upsert after delete: created=%v err=%v", created, err)
	}
}

func TestMemoryUpdateAttempt(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	rec := seedRecord(t, m, "evt-1", delivery.StatusRetrying, now)
	rec.Status = delivery.StatusDelivered
	rec.AttemptCount = 1
	rec.NextRetryAt = nil

	stored, superseded, err := m.UpdateAttempt(ctx, rec)
	if err != nil {
		t.Fatalf("UpdateAttempt: %v", err)
	}
	if superseded {
		t.Fatal("UpdateAttempt on a retrying record reported superseded")
	}
	if stored.Status != delivery.StatusDelivered || stored.AttemptCount != 1 {
		t.Errorf("UpdateAttempt did not apply: %+v", stored)
	}
}

func TestMemoryUpdateAttemptSupersededByPause(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	rec := seedRecord(t, m, "evt-1", delivery.StatusRetrying, now)

	// A control write pauses the record while its attempt is in flight.
	paused := rec
	paused.Status = delivery.StatusPaused
	paused.NextRetryAt = nil
	if _, err := m.Update(ctx, paused); err != nil {
		t.Fatalf("pause update: %v", err)
	}

	outcome := rec
	outcome.Status = delivery.StatusFailed
	outcome.AttemptCount = 8
	outcome.NextRetryAt = nil

	stored, superseded, err := m.UpdateAttempt(ctx, outcome)
	if err != nil {
		t.Fatalf("UpdateAttempt: %v", err)
	}
	if !superseded {
		t.Fatal("UpdateAttempt over a paused record must report superseded")
	}
	if stored.Status != delivery.StatusPaused {
		t.Errorf("returned record status = %q, want the surviving paused state", stored.Status)
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != delivery.StatusPaused || got.NextRetryAt != nil {
		t.Errorf("stored record = %+v, want paused with nil NextRetryAt", got)
	}
}

func TestMemoryUpdateAttemptSupersededByDelete(t *testing.T) {
	m, now := newTestMemory(t)
	ctx := context.Background()

	rec := seedRecord(t, m, "evt-1", delivery.StatusRetrying, now)
	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rec.Status = delivery.StatusDelivered
	_, superseded, err := m.UpdateAttempt(ctx, rec)
	if err != nil {
		t.Fatalf("UpdateAttempt: %v", err)
	}
	if !superseded {
		t.Error("UpdateAttempt on a deleted record must report superseded")
	}
}
