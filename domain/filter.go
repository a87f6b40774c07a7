package domain

import "strings"

// ListFilter restricts a listing to one date and/or a description substring.
// Absent parts match everything; present parts compose with logical AND.
type ListFilter struct {
	Date   *Date
	Search string
}

// Matches reports whether the task passes the filter. The search term is a
// case-insensitive substring match on the description.
func (f ListFilter) Matches(t Task) bool {
	if f.Date != nil && !t.TaskDate.Equal(*f.Date) {
		return false
	}
	if f.Search != "" {
		if !strings.Contains(strings.ToLower(t.Description), strings.ToLower(f.Search)) {
			return false
		}
	}
	return true
}
