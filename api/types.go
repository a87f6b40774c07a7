package api

import (
	"context"

	"dayplan-api/domain"
)

// Tasks abstracts the task service for handlers.
type Tasks interface {
	List(ctx context.Context, ownerID string, f domain.ListFilter) ([]domain.Task, error)
	TaskDates(ctx context.Context, ownerID string) ([]domain.Date, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Create(ctx context.Context, ownerID string, in domain.CreateTaskInput) (domain.Task, error)
	Update(ctx context.Context, task domain.Task, p domain.TaskPatch) (domain.Task, error)
	Delete(ctx context.Context, task domain.Task) error
	Restore(ctx context.Context, task domain.Task) (domain.Task, error)
	Reorder(ctx context.Context, ownerID string, items []domain.ReorderItem) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}
