package delivery

import (
	"encoding/json"
	"time"
)

const DeadLetterType = "delivery.dead"

// DeadLetter is the envelope published when a record reaches a terminal
// failure, so downstream tooling can alert without polling the table.
type DeadLetter struct {
	Type       string          `json:"type"`    // "delivery.dead"
	Version    string          `json:"version"` // schema version
	At         string          `json:"at"`      // RFC3339 time the envelope was emitted
	Reason     string          `json:"reason"`  // classification label, e.g. http_5xx
	EventID    string          `json:"event_id"`
	Endpoint   string          `json:"endpoint"`
	ModuleSlug string          `json:"module_slug,omitempty"`
	Attempt    int             `json:"attempt"` // attempt count at failure
	HTTPStatus int             `json:"http_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"` // request payload snapshot
}

// NewDeadLetter snapshots a failed record into a dead-letter envelope.
func NewDeadLetter(rec Record, reason string) DeadLetter {
	dl := DeadLetter{
		Type:       DeadLetterType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		EventID:    rec.EventID,
		Endpoint:   rec.URL,
		Attempt:    rec.AttemptCount,
		HTTPStatus: rec.ResponseStatusCode,
		LastError:  rec.ErrorMessage,
		Payload:    rec.RequestPayload,
	}
	if rec.Module != nil {
		dl.ModuleSlug = rec.Module.Slug
	}
	return dl
}
