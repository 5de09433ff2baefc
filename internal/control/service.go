package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deskrelay/deskrelay/internal/delivery"
	"github.com/deskrelay/deskrelay/internal/logging"
	"github.com/deskrelay/deskrelay/internal/metrics"
)

// Service implements the operator-facing delivery control operations against
// a Store. All state transitions are single-record read-modify-write.
type Service struct {
	store  delivery.Store
	logger *logging.Logger
	now    func() time.Time
}

func NewService(store delivery.Store, logger *logging.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// EnqueueInput is the shape event producers call with.
type EnqueueInput struct {
	EventID string              `json:"event_id"`
	Method  string              `json:"method,omitempty"`
	URL     string              `json:"url"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Module  *delivery.ModuleRef `json:"module,omitempty"`
}

// Enqueue creates a retrying record due immediately. When the event id was
// already enqueued the existing record comes back with created false. The
// caller owns event id uniqueness semantics; Enqueue only enforces
// storage-level uniqueness.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (delivery.Record, bool, error) {
	if strings.TrimSpace(in.EventID) == "" {
		return delivery.Record{}, false, &delivery.ValidationError{Field: "event_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.URL) == "" {
		return delivery.Record{}, false, &delivery.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if _, err := url.ParseRequestURI(in.URL); err != nil {
		return delivery.Record{}, false, &delivery.ValidationError{Field: "url", Reason: err.Error()}
	}
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return delivery.Record{}, false, &delivery.ValidationError{Field: "method", Reason: "unsupported method " + method}
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return delivery.Record{}, false, &delivery.ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}

	now := s.now().UTC()
	rec := delivery.Record{
		EventID:        in.EventID,
		Module:         in.Module,
		Method:         method,
		URL:            in.URL,
		RequestPayload: in.Payload,
		Status:         delivery.StatusRetrying,
		NextRetryAt:    &now,
	}
	stored, created, err := s.store.UpsertByEventID(ctx, rec)
	if err != nil {
		return delivery.Record{}, false, err
	}
	if created {
		metrics.RecordEnqueued()
		s.logger.WithContext(ctx).WithEvent(stored.EventID).
			WithField("endpoint", stored.URL).Info("delivery enqueued")
	}
	return stored, created, nil
}

// Pause stops scheduling for a retrying record. Already-paused records are a
// no-op; terminal records cannot be paused.
func (s *Service) Pause(ctx context.Context, id int64) (delivery.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return delivery.Record{}, err
	}
	switch rec.Status {
	case delivery.StatusPaused:
		return rec, nil
	case delivery.StatusRetrying:
		rec.Status = delivery.StatusPaused
		rec.NextRetryAt = nil
		updated, err := s.store.Update(ctx, rec)
		if err != nil {
			return delivery.Record{}, err
		}
		s.logger.WithContext(ctx).WithEvent(rec.EventID).Info("delivery paused")
		return updated, nil
	default:
		return delivery.Record{}, &delivery.ValidationError{
			Field: "status", Reason: "cannot pause a " + string(rec.Status) + " delivery",
		}
	}
}

// Resume puts a paused record back on the schedule, due immediately rather
// than backed off.
func (s *Service) Resume(ctx context.Context, id int64) (delivery.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return delivery.Record{}, err
	}
	switch rec.Status {
	case delivery.StatusRetrying:
		return rec, nil
	case delivery.StatusPaused:
		now := s.now().UTC()
		rec.Status = delivery.StatusRetrying
		rec.NextRetryAt = &now
		updated, err := s.store.Update(ctx, rec)
		if err != nil {
			return delivery.Record{}, err
		}
		s.logger.WithContext(ctx).WithEvent(rec.EventID).Info("delivery resumed")
		return updated, nil
	default:
		return delivery.Record{}, &delivery.ValidationError{
			Field: "status", Reason: "cannot resume a " + string(rec.Status) + " delivery",
		}
	}
}

// Delete removes a record unconditionally, clearing any pending scheduling.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithContext(ctx).WithField("delivery_id", id).Info("delivery deleted")
	return nil
}

// Get returns a record by surrogate id.
func (s *Service) Get(ctx context.Context, id int64) (delivery.Record, error) {
	return s.store.Get(ctx, id)
}

// GetByEventID returns a record by its idempotency key.
func (s *Service) GetByEventID(ctx context.Context, eventID string) (delivery.Record, error) {
	return s.store.GetByEventID(ctx, eventID)
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// List returns records newest-first, optionally filtered by status.
func (s *Service) List(ctx context.Context, f delivery.ListFilter) ([]delivery.Record, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &delivery.ValidationError{Field: "status", Reason: "unknown status " + string(f.Status)}
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return s.store.List(ctx, f)
}

// LogResultInput describes an outbound module API call that already ran.
type LogResultInput struct {
	EventID            string              `json:"event_id,omitempty"`
	Module             *delivery.ModuleRef `json:"module,omitempty"`
	Method             string              `json:"method,omitempty"`
	URL                string              `json:"url"`
	RequestPayload     json.RawMessage     `json:"request_payload,omitempty"`
	ResponseStatusCode int                 `json:"response_status_code,omitempty"`
	ResponsePayload    json.RawMessage     `json:"response_payload,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
}

// LogResult persists an already-performed outbound call as a terminal
// delivery record, for the operations log. The call is never retried: it
// lands as delivered or failed depending on the observed outcome.
func (s *Service) LogResult(ctx context.Context, in LogResultInput) (delivery.Record, error) {
	if strings.TrimSpace(in.URL) == "" {
		return delivery.Record{}, &delivery.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	eventID := in.EventID
	if eventID == "" {
		slug := "module"
		if in.Module != nil && in.Module.Slug != "" {
			slug = in.Module.Slug
		}
		eventID = delivery.NewEventID(slug)
	}

	status := delivery.StatusDelivered
	if in.ErrorMessage != "" || in.ResponseStatusCode >= 400 {
		status = delivery.StatusFailed
	}

	now := s.now().UTC()
	rec := delivery.Record{
		EventID:            eventID,
		Module:             in.Module,
		Method:             strings.ToUpper(in.Method),
		URL:                in.URL,
		RequestPayload:     delivery.NormalizePayload(in.RequestPayload),
		Status:             status,
		AttemptCount:       1,
		ResponseStatusCode: in.ResponseStatusCode,
		ResponsePayload:    delivery.NormalizePayload(in.ResponsePayload),
		ErrorMessage:       in.ErrorMessage,
		LastAttemptAt:      &now,
	}
	stored, _, err := s.store.UpsertByEventID(ctx, rec)
	if err != nil {
		return delivery.Record{}, err
	}
	metrics.RecordDelivery(string(status))
	return stored, nil
}
