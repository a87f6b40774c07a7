package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxDescriptionLen bounds task descriptions, measured in runes.
	MaxDescriptionLen = 1000

	dateLayout = "2006-01-02"
)

// Date is a calendar day without a time component.
type Date struct {
	t time.Time
}

// ParseDate parses a strict YYYY-MM-DD calendar date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t: t.UTC()}, nil
}

// NewDate builds a Date from year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string { return d.t.Format(dateLayout) }

// MarshalText renders the date as YYYY-MM-DD, which also covers JSON.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) IsZero() bool { return d.t.IsZero() }

func (d Date) Equal(other Date) bool { return d.t.Equal(other.t) }

// After reports whether d is a later calendar day than other.
func (d Date) After(other Date) bool { return d.t.After(other.t) }

// Task is a single dated to-do item owned by one user.
type Task struct {
	ID          string
	OwnerID     string
	Description string
	TaskDate    Date
	SortOrder   int
	IsCompleted bool
	// DeletedAt is unix nanoseconds; zero means the task is active.
	DeletedAt int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deleted reports whether the task is soft-deleted.
func (t Task) Deleted() bool { return t.DeletedAt != 0 }

// CreateTaskInput carries the caller-supplied fields for a new task.
type CreateTaskInput struct {
	Description string
	TaskDate    Date
}

// Validate checks create input against the field rules.
func (in CreateTaskInput) Validate() error {
	v := newValidationError()
	checkDescription(v, in.Description)
	if in.TaskDate.IsZero() {
		v.Add("task_date", "task_date is required")
	}
	return v.OrNil()
}

// TaskPatch is a partial update; nil fields are left unchanged.
type TaskPatch struct {
	Description *string
	IsCompleted *bool
	TaskDate    *Date
	SortOrder   *int
}

// Empty reports whether the patch carries no fields at all.
func (p TaskPatch) Empty() bool {
	return p.Description == nil && p.IsCompleted == nil && p.TaskDate == nil && p.SortOrder == nil
}

// Validate checks every provided field with the same rules as create,
// plus the non-negative sort order rule.
func (p TaskPatch) Validate() error {
	v := newValidationError()
	if p.Description != nil {
		checkDescription(v, *p.Description)
	}
	if p.TaskDate != nil && p.TaskDate.IsZero() {
		v.Add("task_date", "task_date must be a valid date")
	}
	if p.SortOrder != nil && *p.SortOrder < 0 {
		v.Add("sort_order", "sort_order must not be negative")
	}
	return v.OrNil()
}

// ReorderItem assigns one task a new sort position.
type ReorderItem struct {
	TaskID    string
	SortOrder int
}

func checkDescription(v *ValidationError, s string) {
	if strings.TrimSpace(s) == "" {
		v.Add("description", "description is required")
		return
	}
	if utf8.RuneCountInString(s) > MaxDescriptionLen {
		v.Add("description", "description must not exceed 1000 characters")
	}
}
