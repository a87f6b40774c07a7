package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TaskStorage defines the persistence methods the task service relies on.
// Fetch and find return soft-deleted rows as well; the service applies the
// active-tasks predicate itself so the exclusion is explicit, not storage
// magic.
type TaskStorage interface {
	// FetchTasks returns every task row of one owner, deleted rows included.
	// Implementations may serve it from a read cache.
	FetchTasks(ctx context.Context, ownerID string) ([]Task, error)
	// FetchTasksFresh is FetchTasks straight from the backing store. Reads
	// that feed a write decision use it, because a cached listing can be a
	// snapshot taken before a concurrent mutation landed.
	FetchTasksFresh(ctx context.Context, ownerID string) ([]Task, error)
	// FindTask resolves a task by id regardless of owner. It returns the
	// task together with its storage ETag, or (nil, "", nil) when the id
	// does not resolve.
	FindTask(ctx context.Context, id string) (*Task, string, error)
	InsertTask(ctx context.Context, t Task) error
	// UpdateTask merges the update when the ETag still matches and returns
	// ErrConcurrencyConflict otherwise.
	UpdateTask(ctx context.Context, upd TaskUpdate, etag string) error
	// SubmitOrderBatch applies all updates of one owner as a single
	// transaction: either every update commits or none does.
	SubmitOrderBatch(ctx context.Context, ownerID string, upds []TaskUpdate) error
}

// OrderLock serializes the read-max/insert pair of task creation per
// (owner, date) so concurrent creates cannot assign duplicate positions.
type OrderLock interface {
	Acquire(ctx context.Context, ownerID string, date Date) (release func(), err error)
}

// TaskUpdate carries a partial update for one task row.
type TaskUpdate struct {
	ID          string
	OwnerID     string
	Description *string
	TaskDate    *Date
	SortOrder   *int
	IsCompleted *bool
	DeletedAt   *int64
	UpdatedAt   *time.Time
}

const (
	// maxReorderItems is the aztables transaction limit; a reorder batch
	// must fit in one transaction to stay all-or-nothing.
	maxReorderItems = 100

	conflictRetryLimit = 5
)

// TaskService implements the task operations on top of TaskStorage.
type TaskService struct {
	st   TaskStorage
	lock OrderLock
	now  func() time.Time
}

func NewTaskService(st TaskStorage, lock OrderLock) *TaskService {
	return &TaskService{st: st, lock: lock, now: time.Now}
}

// List returns the owner's active tasks matching the filter, ordered by
// sort position with creation time as the tie break. The result is never
// nil: no match yields an empty slice.
func (s *TaskService) List(ctx context.Context, ownerID string, f ListFilter) ([]Task, error) {
	all, err := s.st.FetchTasks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	tasks := make([]Task, 0, len(all))
	for _, t := range all {
		if t.Deleted() || !f.Matches(t) {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return tasks, nil
}

// TaskDates returns the distinct dates of the owner's active tasks,
// newest first.
func (s *TaskService) TaskDates(ctx context.Context, ownerID string) ([]Date, error) {
	all, err := s.st.FetchTasks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	seen := map[string]Date{}
	for _, t := range all {
		if t.Deleted() {
			continue
		}
		seen[t.TaskDate.String()] = t.TaskDate
	}
	dates := make([]Date, 0, len(seen))
	for _, d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	return dates, nil
}

// Get resolves a task by id without any ownership check; authorization is
// the caller's job via TaskPolicy so that forbidden and not-found stay
// distinct outcomes. Soft-deleted rows are returned too, allowing delete
// and restore to reference them.
func (s *TaskService) Get(ctx context.Context, id string) (Task, error) {
	t, _, err := s.st.FindTask(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("find task: %w", err)
	}
	if t == nil {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// MaxSortOrder returns the highest sort position among the owner's active
// tasks for the date, or -1 when the scope holds no task. Callers must not
// read 0 as "no tasks".
func (s *TaskService) MaxSortOrder(ctx context.Context, ownerID string, date Date) (int, error) {
	all, err := s.st.FetchTasksFresh(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("fetch tasks: %w", err)
	}
	return maxSortOrder(all, date), nil
}

func maxSortOrder(tasks []Task, date Date) int {
	max := -1
	for _, t := range tasks {
		if t.Deleted() || !t.TaskDate.Equal(date) {
			continue
		}
		if t.SortOrder > max {
			max = t.SortOrder
		}
	}
	return max
}

// Create validates the input, then assigns the next sort position and
// inserts the task. The read-max/insert pair runs under a per-(owner,date)
// lock so concurrent creates for the same scope serialize.
func (s *TaskService) Create(ctx context.Context, ownerID string, in CreateTaskInput) (Task, error) {
	if err := in.Validate(); err != nil {
		return Task{}, err
	}

	release, err := s.lock.Acquire(ctx, ownerID, in.TaskDate)
	if err != nil {
		return Task{}, fmt.Errorf("acquire order lock: %w", err)
	}
	defer release()

	// The max must come from the backing store. A cached listing written by
	// a reader racing an earlier create may predate that create's row, and
	// trusting it would hand out a duplicate position despite the lease.
	all, err := s.st.FetchTasksFresh(ctx, ownerID)
	if err != nil {
		return Task{}, fmt.Errorf("fetch tasks: %w", err)
	}

	now := s.now().UTC()
	t := Task{
		OwnerID:     ownerID,
		Description: in.Description,
		TaskDate:    in.TaskDate,
		SortOrder:   maxSortOrder(all, in.TaskDate) + 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for attempt := 0; ; attempt++ {
		t.ID = uuid.NewString()
		err := s.st.InsertTask(ctx, t)
		if err == nil {
			return t, nil
		}
		// A 409 here means the generated row key already exists; pick a
		// fresh id and try again.
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= conflictRetryLimit {
			return Task{}, fmt.Errorf("insert task: %w", err)
		}
	}
}

// Update applies the validated patch to the task and returns the new
// snapshot. The write is an ETag compare-and-swap; on conflict the current
// row is re-read and the patch re-applied, so a concurrent delete is seen
// and answered with ErrNotFound instead of silently resurrecting the row.
func (s *TaskService) Update(ctx context.Context, task Task, p TaskPatch) (Task, error) {
	if err := p.Validate(); err != nil {
		return Task{}, err
	}

	for attempt := 0; ; attempt++ {
		cur, etag, err := s.st.FindTask(ctx, task.ID)
		if err != nil {
			return Task{}, fmt.Errorf("find task: %w", err)
		}
		if cur == nil || cur.Deleted() {
			return Task{}, ErrNotFound
		}
		if p.Empty() {
			return *cur, nil
		}

		now := s.now().UTC()
		upd := TaskUpdate{ID: cur.ID, OwnerID: cur.OwnerID, UpdatedAt: &now}
		next := *cur
		next.UpdatedAt = now
		if p.Description != nil {
			upd.Description = p.Description
			next.Description = *p.Description
		}
		if p.IsCompleted != nil {
			upd.IsCompleted = p.IsCompleted
			next.IsCompleted = *p.IsCompleted
		}
		if p.TaskDate != nil {
			upd.TaskDate = p.TaskDate
			next.TaskDate = *p.TaskDate
		}
		if p.SortOrder != nil {
			upd.SortOrder = p.SortOrder
			next.SortOrder = *p.SortOrder
		}

		err = s.st.UpdateTask(ctx, upd, etag)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= conflictRetryLimit {
			return Task{}, fmt.Errorf("update task: %w", err)
		}
	}
}

// Delete soft-deletes the task. Deleting an already-deleted task succeeds
// without touching storage.
func (s *TaskService) Delete(ctx context.Context, task Task) error {
	for attempt := 0; ; attempt++ {
		cur, etag, err := s.st.FindTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("find task: %w", err)
		}
		if cur == nil {
			return ErrNotFound
		}
		if cur.Deleted() {
			return nil
		}

		now := s.now().UTC()
		deletedAt := now.UnixNano()
		err = s.st.UpdateTask(ctx, TaskUpdate{
			ID:        cur.ID,
			OwnerID:   cur.OwnerID,
			DeletedAt: &deletedAt,
			UpdatedAt: &now,
		}, etag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= conflictRetryLimit {
			return fmt.Errorf("delete task: %w", err)
		}
	}
}

// Restore clears the deletion mark and returns the task. Restoring an
// active task is a no-op.
func (s *TaskService) Restore(ctx context.Context, task Task) (Task, error) {
	for attempt := 0; ; attempt++ {
		cur, etag, err := s.st.FindTask(ctx, task.ID)
		if err != nil {
			return Task{}, fmt.Errorf("find task: %w", err)
		}
		if cur == nil {
			return Task{}, ErrNotFound
		}
		if !cur.Deleted() {
			return *cur, nil
		}

		now := s.now().UTC()
		active := int64(0)
		err = s.st.UpdateTask(ctx, TaskUpdate{
			ID:        cur.ID,
			OwnerID:   cur.OwnerID,
			DeletedAt: &active,
			UpdatedAt: &now,
		}, etag)
		if err == nil {
			next := *cur
			next.DeletedAt = 0
			next.UpdatedAt = now
			return next, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= conflictRetryLimit {
			return Task{}, fmt.Errorf("restore task: %w", err)
		}
	}
}

// Reorder persists caller-supplied (id, position) pairs for the owner's
// tasks as one all-or-nothing batch. Every item must reference an active
// task of the owner and carry a non-negative position; any violation
// rejects the entire batch before a single write. The engine does not
// renumber, close gaps or enforce density: positions are trusted as given,
// which also makes re-applying the same batch idempotent.
func (s *TaskService) Reorder(ctx context.Context, ownerID string, items []ReorderItem) error {
	if len(items) == 0 {
		return NewValidationError("items", "items are required")
	}
	if len(items) > maxReorderItems {
		return NewValidationError("items", fmt.Sprintf("items must not exceed %d entries", maxReorderItems))
	}

	// Preconditions are checked against live rows, not a cached listing, so
	// a just-created task is accepted and a just-deleted one is rejected.
	all, err := s.st.FetchTasksFresh(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("fetch tasks: %w", err)
	}
	active := make(map[string]Task, len(all))
	for _, t := range all {
		if !t.Deleted() {
			active[t.ID] = t
		}
	}

	v := newValidationError()
	now := s.now().UTC()
	upds := make([]TaskUpdate, 0, len(items))
	// The batch is applied as one storage transaction, which cannot touch
	// the same row twice; repeated ids collapse to their last position.
	position := make(map[string]int, len(items))
	for i, it := range items {
		field := fmt.Sprintf("items.%d", i)
		if it.TaskID == "" {
			v.Add(field+".id", "id is required")
			continue
		}
		if it.SortOrder < 0 {
			v.Add(field+".sort_order", "sort_order must not be negative")
		}
		if _, ok := active[it.TaskID]; !ok {
			v.Add(field+".id", "task does not exist")
			continue
		}
		order := it.SortOrder
		if idx, ok := position[it.TaskID]; ok {
			upds[idx].SortOrder = &order
			continue
		}
		position[it.TaskID] = len(upds)
		upds = append(upds, TaskUpdate{
			ID:        it.TaskID,
			OwnerID:   ownerID,
			SortOrder: &order,
			UpdatedAt: &now,
		})
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	if err := s.st.SubmitOrderBatch(ctx, ownerID, upds); err != nil {
		return fmt.Errorf("submit order batch: %w", err)
	}
	return nil
}
