package store

import "fmt"

// NotFoundError indicates a referenced resource does not exist. Meta and
// delete bulk operations swallow it into zero-affected counts; direct reads
// surface it.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a synchronously rejected write (empty content,
// out-of-range numeric field). Nothing is partially applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
