package delivery

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a delivery record.
type Status string

const (
	StatusRetrying  Status = "retrying"
	StatusPaused    Status = "paused"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRetrying, StatusPaused, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state that is never rescheduled.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// ModuleRef points back at the integration module that produced the event.
// It is carried for display and filtering only.
type ModuleRef struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
}

// Record is one outbound attempt series for one logical event.
type Record struct {
	ID      int64      `json:"id"`
	EventID string     `json:"event_id"`
	Module  *ModuleRef `json:"module,omitempty"`

	Method         string          `json:"request_method"`
	URL            string          `json:"request_url"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`

	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`

	ResponseStatusCode int             `json:"response_status_code,omitempty"`
	ResponsePayload    json.RawMessage `json:"response_payload,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`

	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Due reports whether the record should be picked up by a sweep at now.
func (r Record) Due(now time.Time) bool {
	return r.Status == StatusRetrying && r.NextRetryAt != nil && !r.NextRetryAt.After(now)
}

// NewEventID generates an event id for outbound calls that have no
// caller-supplied idempotency key: "<slug>-<12 hex chars>".
func NewEventID(slug string) string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s-%s", slug, hex.EncodeToString(b))
}

// MaxPayloadLength bounds stored payload bodies. Longer values are truncated
// before persisting so a misbehaving endpoint cannot bloat the table.
const MaxPayloadLength = 4000

func truncateValue(s string) string {
	if len(s) <= MaxPayloadLength {
		return s
	}
	return s[:MaxPayloadLength-3] + "..."
}

// NormalizePayload coerces an arbitrary response or request body into a JSON
// value suitable for storage. Valid JSON is kept byte-for-byte; anything else
// is wrapped as {"text": "..."} and truncated.
func NormalizePayload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) && len(raw) <= MaxPayloadLength {
		return json.RawMessage(raw)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]string{"text": truncateValue(string(raw))}); err != nil {
		return nil
	}
	return json.RawMessage(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}
