package delivery

import "fmt"

// ValidationError reports malformed input to a control operation. The record
// is never created or mutated when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a control operation against an unknown record.
type NotFoundError struct {
	Key string // "id 42" or "event whk-512"
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("delivery %s not found", e.Key)
}
