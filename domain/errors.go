package domain

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates the referenced task id does not resolve to a row.
	ErrNotFound = errors.New("task not found")

	// ErrForbidden indicates the task exists but belongs to another owner.
	ErrForbidden = errors.New("forbidden")

	// ErrConcurrencyConflict indicates the underlying storage rejected a
	// write because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidationError reports malformed input with per-field messages.
type ValidationError struct {
	Fields map[string][]string
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, msg string) *ValidationError {
	v := newValidationError()
	v.Add(field, msg)
	return v
}

// Add appends a message for the given field.
func (v *ValidationError) Add(field, msg string) {
	v.Fields[field] = append(v.Fields[field], msg)
}

// OrNil returns the error when at least one field failed, nil otherwise.
func (v *ValidationError) OrNil() error {
	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	fields := make([]string, 0, len(v.Fields))
	for f := range v.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(v.Fields[f], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}
