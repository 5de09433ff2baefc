package delivery

import (
	"context"
	"time"
)

// ListFilter narrows List results for the operations UI.
type ListFilter struct {
	Status Status // zero value means all statuses
	Limit  int
	Offset int
}

// Store is durable CRUD over delivery records. All writes are single-record;
// records are independent, so implementations never need cross-record
// transactions.
type Store interface {
	// UpsertByEventID inserts rec if no record with its event id exists and
	// returns the stored record. When the event id is already present the
	// existing record is returned unchanged and created is false.
	UpsertByEventID(ctx context.Context, rec Record) (stored Record, created bool, err error)

	// Get returns the record with the given surrogate id, or a NotFoundError.
	Get(ctx context.Context, id int64) (Record, error)

	// GetByEventID returns the record with the given event id, or a NotFoundError.
	GetByEventID(ctx context.Context, eventID string) (Record, error)

	// List returns records ordered by created_at descending.
	List(ctx context.Context, f ListFilter) ([]Record, error)

	// FindDue returns up to limit retrying records whose next_retry_at has
	// passed, oldest-due first, ties broken by id ascending.
	FindDue(ctx context.Context, now time.Time, limit int) ([]Record, error)

	// Update persists rec's mutable fields keyed by rec.ID and returns the
	// stored record, or a NotFoundError.
	Update(ctx context.Context, rec Record) (Record, error)

	// UpdateAttempt persists an attempt outcome only while the stored record
	// is still retrying. When a control write (pause, delete) landed after
	// the record was selected for dispatch, the outcome is discarded and
	// superseded is true; the control write wins.
	UpdateAttempt(ctx context.Context, rec Record) (stored Record, superseded bool, err error)

	// Delete removes the record, or returns a NotFoundError.
	Delete(ctx context.Context, id int64) error
}
