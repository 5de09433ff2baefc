package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskrelay/deskrelay/internal/delivery"
)

const recordColumns = `id, event_id, module_id, module_slug, request_method, request_url,
	request_payload, status, attempt_count, response_status_code, response_payload,
	error_message, last_attempt_at, next_retry_at, created_at, updated_at`

// Postgres is the durable delivery.Store over a pgx connection pool.
// Every write touches a single row; concurrent sweeps and control calls
// only ever contend on row-level locks.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ delivery.Store = (*Postgres)(nil)

func (s *Postgres) UpsertByEventID(ctx context.Context, rec delivery.Record) (delivery.Record, bool, error) {
	var moduleID, moduleSlug any
	if rec.Module != nil {
		moduleID = rec.Module.ID
		moduleSlug = rec.Module.Slug
	}

	// Insert-or-ignore first, then fetch whichever row won. Two steps keeps
	// the conflict path free of RETURNING ambiguity.
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO deskrelay.webhook_deliveries
			(event_id, module_id, module_slug, request_method, request_url, request_payload,
			 status, attempt_count, response_status_code, response_payload, error_message,
			 last_attempt_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10::jsonb, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, moduleID, moduleSlug, rec.Method, rec.URL, jsonArg(rec.RequestPayload),
		string(rec.Status), rec.AttemptCount, intArg(rec.ResponseStatusCode), jsonArg(rec.ResponsePayload),
		textArg(rec.ErrorMessage), rec.LastAttemptAt, rec.NextRetryAt,
	)
	if err != nil {
		return delivery.Record{}, false, fmt.Errorf("insert delivery: %w", err)
	}

	stored, err := s.GetByEventID(ctx, rec.EventID)
	if err != nil {
		return delivery.Record{}, false, err
	}
	return stored, ct.RowsAffected() > 0, nil
}

func (s *Postgres) Get(ctx context.Context, id int64) (delivery.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM deskrelay.webhook_deliveries
		WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Record{}, &delivery.NotFoundError{Key: "id " + strconv.FormatInt(id, 10)}
	}
	return rec, err
}

func (s *Postgres) GetByEventID(ctx context.Context, eventID string) (delivery.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM deskrelay.webhook_deliveries
		WHERE event_id = $1`, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Record{}, &delivery.NotFoundError{Key: "event " + eventID}
	}
	return rec, err
}

func (s *Postgres) List(ctx context.Context, f delivery.ListFilter) ([]delivery.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM deskrelay.webhook_deliveries`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += ` WHERE status = $1`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Postgres) FindDue(ctx context.Context, now time.Time, limit int) ([]delivery.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM deskrelay.webhook_deliveries
		WHERE status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC, id ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due deliveries: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *Postgres) Update(ctx context.Context, rec delivery.Record) (delivery.Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE deskrelay.webhook_deliveries
		SET status = $2,
			attempt_count = $3,
			response_status_code = $4,
			response_payload = $5::jsonb,
			error_message = $6,
			last_attempt_at = $7,
			next_retry_at = $8,
			updated_at = now()
		WHERE id = $1
		RETURNING `+recordColumns,
		rec.ID, string(rec.Status), rec.AttemptCount, intArg(rec.ResponseStatusCode),
		jsonArg(rec.ResponsePayload), textArg(rec.ErrorMessage), rec.LastAttemptAt, rec.NextRetryAt,
	)
	updated, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Record{}, &delivery.NotFoundError{Key: "id " + strconv.FormatInt(rec.ID, 10)}
	}
	return updated, err
}

func (s *Postgres) UpdateAttempt(ctx context.Context, rec delivery.Record) (delivery.Record, bool, error) {
	// Guarded write: the row must still be retrying. A pause or delete that
	// landed while the attempt was in flight leaves zero rows matched and
	// the outcome is dropped.
	row := s.pool.QueryRow(ctx, `
		UPDATE deskrelay.webhook_deliveries
		SET status = $2,
			attempt_count = $3,
			response_status_code = $4,
			response_payload = $5::jsonb,
			error_message = $6,
			last_attempt_at = $7,
			next_retry_at = $8,
			updated_at = now()
		WHERE id = $1 AND status = 'retrying'
		RETURNING `+recordColumns,
		rec.ID, string(rec.Status), rec.AttemptCount, intArg(rec.ResponseStatusCode),
		jsonArg(rec.ResponsePayload), textArg(rec.ErrorMessage), rec.LastAttemptAt, rec.NextRetryAt,
	)
	updated, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Record{}, true, nil
	}
	return updated, false, err
}

func (s *Postgres) Delete(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM deskrelay.webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &delivery.NotFoundError{Key: "id " + strconv.FormatInt(id, 10)}
	}
	return nil
}

// jsonArg passes a raw JSON value through as TEXT for a ::jsonb cast,
// or NULL when absent.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intArg(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func scanRecord(row pgx.Row) (delivery.Record, error) {
	var (
		rec          delivery.Record
		moduleID     sql.NullInt64
		moduleSlug   sql.NullString
		reqPayload   []byte
		status       string
		respStatus   sql.NullInt32
		respPayload  []byte
		errMsg       sql.NullString
		lastAttempt  sql.NullTime
		nextRetry    sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.EventID, &moduleID, &moduleSlug, &rec.Method, &rec.URL,
		&reqPayload, &status, &rec.AttemptCount, &respStatus, &respPayload,
		&errMsg, &lastAttempt, &nextRetry, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return delivery.Record{}, err
	}
	rec.Status = delivery.Status(status)
	if moduleID.Valid || moduleSlug.Valid {
		rec.Module = &delivery.ModuleRef{ID: moduleID.Int64, Slug: moduleSlug.String}
	}
	if len(reqPayload) > 0 {
		rec.RequestPayload = json.RawMessage(reqPayload)
	}
	if respStatus.Valid {
		rec.ResponseStatusCode = int(respStatus.Int32)
	}
	if len(respPayload) > 0 {
		rec.ResponsePayload = json.RawMessage(respPayload)
	}
	rec.ErrorMessage = errMsg.String
	if lastAttempt.Valid {
		t := lastAttempt.Time
		rec.LastAttemptAt = &t
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		rec.NextRetryAt = &t
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]delivery.Record, error) {
	var out []delivery.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
