package control

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/delivery"
	"github.com/deskrelay/deskrelay/internal/logging"
	"github.com/deskrelay/deskrelay/internal/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(store.NewMemory(), logging.New("control-test")).
		WithClock(func() time.Time { return testNow })
}

func mustEnqueue(t *testing.T, s *Service, in EnqueueInput) delivery.Record {
	t.Helper()
	rec, created, err := s.Enqueue(context.Background(), in)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", in.EventID, err)
	}
	if !created {
		t.Fatalf("Enqueue(%s): expected a new record", in.EventID)
	}
	return rec
}

func TestEnqueue(t *testing.T) {
	s := newTestService(t)

	rec := mustEnqueue(t, s, EnqueueInput{
		EventID: "evt-1",
		URL:     "https://hooks.example.com/notify",
		Method:  "post",
		Payload: json.RawMessage(`{"k":"v"}`),
		Module:  &delivery.ModuleRef{ID: 7, Slug: "crm"},
	})

	if rec.Status != delivery.StatusRetrying {
		t.Errorf("Status = %q, want retrying", rec.Status)
	}
	if rec.Method != "POST" {
		t.Errorf("Method = %q, want normalized POST", rec.Method)
	}
	if rec.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", rec.AttemptCount)
	}
	if rec.NextRetryAt == nil || !rec.NextRetryAt.Equal(testNow) {
		t.Errorf("NextRetryAt = %v, want due immediately at %v", rec.NextRetryAt, testNow)
	}
	if rec.Module == nil || rec.Module.Slug != "crm" {
		t.Errorf("Module = %v, want crm", rec.Module)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first := mustEnqueue(t, s, EnqueueInput{EventID: "evt-1", URL: "https://a.example.com/hook"})

	again, created, err := s.Enqueue(ctx, EnqueueInput{EventID: "evt-1", URL: "https://b.example.com/other"})
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if created {
		t.Error("second Enqueue reported created = true")
	}
	if again.ID != first.ID || again.URL != first.URL {
		t.Errorf("second Enqueue returned %+v, want original record", again)
	}
}

func TestEnqueueDefaultsMethodToGet(t *testing.T) {
	s := newTestService(t)
	rec := mustEnqueue(t, s, EnqueueInput{EventID: "evt-1", URL: "https://hooks.example.com/ping"})
	if rec.Method != "GET" {
		t.Errorf("Method = %q, want GET", rec.Method)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    EnqueueInput
		field string
	}{
		{"empty event id", EnqueueInput{URL: "https://x.example.com"}, "event_id"},
		{"blank event id", EnqueueInput{EventID: "  ", URL: "https://x.example.com"}, "event_id"},
		{"empty url", EnqueueInput{EventID: "evt-1"}, "url"},
		{"relative url", EnqueueInput{EventID: "evt-1", URL: "not-a-url"}, "url"},
		{"bad method", EnqueueInput{EventID: "evt-1", URL: "https://x.example.com", Method: "TRACE"}, "method"},
		{"invalid payload", EnqueueInput{EventID: "evt-1", URL: "https://x.example.com", Payload: json.RawMessage(`{broken`)}, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Enqueue(ctx, tt.in)
			var verr *delivery.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Enqueue err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("ValidationError field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rec := mustEnqueue(t, s, EnqueueInput{EventID: "evt-1", URL: "https://hooks.example.com/notify"})

	paused, err := s.Pause(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != delivery.StatusPaused {
		t.Errorf("Status = %q, want paused", paused.Status)
	}
	if paused.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil while paused", paused.NextRetryAt)
	}

	// Pausing again is a no-op, not an error.
	again, err := s.Pause(ctx, rec.ID)
	if err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if again.Status != delivery.StatusPaused {
		t.Errorf("second Pause status = %q", again.Status)
	}

	resumed, err := s.Resume(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != delivery.StatusRetrying {
		t.Errorf("Status = %q, want retrying", resumed.Status)
	}
	if resumed.NextRetryAt == nil || resumed.NextRetryAt.After(testNow) {
		t.Errorf("NextRetryAt = %v, want due immediately", resumed.NextRetryAt)
	}

	// Resuming a retrying record is also a no-op.
	if _, err := s.Resume(ctx, rec.ID); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
}

func TestPauseResumeTerminalRecords(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for _, status := range []delivery.Status{delivery.StatusDelivered, delivery.StatusFailed} {
		rec := mustEnqueue(t, s, EnqueueInput{EventID: "evt-" + string(status), URL: "https://x.example.com/h"})
		rec.Status = status
		rec.NextRetryAt = nil
		if _, err := s.store.Update(ctx, rec); err != nil {
			t.Fatalf("setup update: %v", err)
		}

		var verr *delivery.ValidationError
		if _, err := s.Pause(ctx, rec.ID); !errors.As(err, &verr) {
			t.Errorf("Pause %s record err = %v, want ValidationError", status, err)
		}
		if _, err := s.Resume(ctx, rec.ID); !errors.As(err, &verr) {
			t.Errorf("Resume %s record err = %v, want ValidationError", status, err)
		}
	}
}

func TestDelete(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rec := mustEnqueue(t, s, EnqueueInput{EventID: "evt-1", URL: "https://x.example.com/h"})

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var nfe *delivery.NotFoundError
	if _, err := s.Get(ctx, rec.ID); !errors.As(err, &nfe) {
		t.Errorf("Get after delete err = %v, want NotFoundError", err)
	}
	if err := s.Delete(ctx, rec.ID); !errors.As(err, &nfe) {
		t.Errorf("second Delete err = %v, want NotFoundError", err)
	}
}

func TestList(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	mustEnqueue(t, s, EnqueueInput{EventID: "evt-1", URL: "https://x.example.com/h"})
	rec2 := mustEnqueue(t, s, EnqueueInput{EventID: "evt-2", URL: "https://x.example.com/h"})
	rec2.Status = delivery.StatusDelivered
	rec2.NextRetryAt = nil
	if _, err := s.store.Update(ctx, rec2); err != nil {
		t.Fatalf("setup update: %v", err)
	}

	all, err := s.List(ctx, delivery.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List returned %d, want 2", len(all))
	}

	delivered, err := s.List(ctx, delivery.ListFilter{Status: delivery.StatusDelivered})
	if err != nil {
		t.Fatalf("filtered List: %v", err)
	}
	if len(delivered) != 1 || delivered[0].EventID != "evt-2" {
		t.Errorf("filtered List = %v, want [evt-2]", delivered)
	}

	var verr *delivery.ValidationError
	if _, err := s.List(ctx, delivery.ListFilter{Status: "bogus"}); !errors.As(err, &verr) {
		t.Errorf("List with bad status err = %v, want ValidationError", err)
	}
}

func TestLogResult(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		in         LogResultInput
		wantStatus delivery.Status
	}{
		{
			name: "successful call lands delivered",
			in: LogResultInput{
				Method:             "post",
				URL:                "https://api.example.com/tickets",
				RequestPayload:     json.RawMessage(`{"subject":"hi"}`),
				ResponseStatusCode: 201,
				ResponsePayload:    []byte(`{"id":55}`),
			},
			wantStatus: delivery.StatusDelivered,
		},
		{
			name: "4xx response lands failed",
			in: LogResultInput{
				URL:                "https://api.example.com/tickets",
				ResponseStatusCode: 422,
			},
			wantStatus: delivery.StatusFailed,
		},
		{
			name: "transport error lands failed",
			in: LogResultInput{
				URL:          "https://api.example.com/tickets",
				ErrorMessage: "connection refused",
			},
			wantStatus: delivery.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := s.LogResult(ctx, tt.in)
			if err != nil {
				t.Fatalf("LogResult: %v", err)
			}
			if rec.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", rec.Status, tt.wantStatus)
			}
			if rec.AttemptCount != 1 {
				t.Errorf("AttemptCount = %d, want 1", rec.AttemptCount)
			}
			if rec.NextRetryAt != nil {
				t.Errorf("NextRetryAt = %v, want nil; logged results are never retried", rec.NextRetryAt)
			}
			if rec.LastAttemptAt == nil {
				t.Error("LastAttemptAt should be set")
			}
		})
	}
}

func TestLogResultGeneratesEventID(t *testing.T) {
	s := newTestService(t)

	rec, err := s.LogResult(context.Background(), LogResultInput{
		Module:             &delivery.ModuleRef{ID: 3, Slug: "billing"},
		URL:                "https://api.example.com/charge",
		ResponseStatusCode: 200,
	})
	if err != nil {
		t.Fatalf("LogResult: %v", err)
	}
	if !strings.HasPrefix(rec.EventID, "billing-") {
		t.Errorf("EventID = %q, want billing- prefix", rec.EventID)
	}

	// Without a module the generic prefix applies.
	rec2, err := s.LogResult(context.Background(), LogResultInput{
		URL:                "https://api.example.com/other",
		ResponseStatusCode: 200,
	})
	if err != nil {
		t.Fatalf("LogResult: %v", err)
	}
	if !strings.HasPrefix(rec2.EventID, "module-") {
		t.Errorf("EventID = %q, want module- prefix", rec2.EventID)
	}
}

func TestLogResultNormalizesPayloads(t *testing.T) {
	s := newTestService(t)

	rec, err := s.LogResult(context.Background(), LogResultInput{
		URL:                "https://api.example.com/x",
		ResponseStatusCode: 500,
		ResponsePayload:    []byte("Internal Server Error"),
	})
	if err != nil {
		t.Fatalf("LogResult: %v", err)
	}
	if string(rec.ResponsePayload) != `{"text":"Internal Server Error"}` {
		t.Errorf("ResponsePayload = %s, want wrapped text", rec.ResponsePayload)
	}
	if rec.Status != delivery.StatusFailed {
		t.Errorf("Status = %q, want failed for HTTP 500", rec.Status)
	}
}

func TestLogResultRequiresURL(t *testing.T) {
	s := newTestService(t)
	var verr *delivery.ValidationError
	if _, err := s.LogResult(context.Background(), LogResultInput{}); !errors.As(err, &verr) {
		t.Errorf("LogResult err = %v, want ValidationError", err)
	}
}
