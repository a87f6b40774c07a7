package domain

import (
	"context"
	"strconv"
	"sync"
)

// fakeStore is an in-memory TaskStorage used by the service tests. It
// mimics the real store's contract: ETag compare-and-swap updates and
// all-or-nothing order batches.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]Task
	etags   map[string]int
	batches [][]TaskUpdate

	// failUpdates makes the next N UpdateTask calls fail with a
	// concurrency conflict without applying anything.
	failUpdates int
	// batchErr makes SubmitOrderBatch fail without applying anything.
	batchErr error
	// stale, when set, is served by FetchTasks in place of the live rows,
	// mimicking a cache entry written from an outdated snapshot.
	stale []Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]Task{}, etags: map[string]int{}}
}

func (f *fakeStore) FetchTasks(_ context.Context, ownerID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale != nil {
		return f.stale, nil
	}
	return f.liveTasks(ownerID), nil
}

func (f *fakeStore) FetchTasksFresh(_ context.Context, ownerID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveTasks(ownerID), nil
}

func (f *fakeStore) liveTasks(ownerID string) []Task {
	out := []Task{}
	for _, t := range f.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeStore) FindTask(_ context.Context, id string) (*Task, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, "", nil
	}
	return &t, strconv.Itoa(f.etags[id]), nil
}

func (f *fakeStore) InsertTask(_ context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; ok {
		return ErrConcurrencyConflict
	}
	f.tasks[t.ID] = t
	f.etags[t.ID] = 1
	return nil
}

func (f *fakeStore) UpdateTask(_ context.Context, upd TaskUpdate, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdates > 0 {
		f.failUpdates--
		return ErrConcurrencyConflict
	}
	cur, ok := f.tasks[upd.ID]
	if !ok {
		return ErrNotFound
	}
	if etag != "" && etag != strconv.Itoa(f.etags[upd.ID]) {
		return ErrConcurrencyConflict
	}
	f.tasks[upd.ID] = applyUpdate(cur, upd)
	f.etags[upd.ID]++
	return nil
}

func (f *fakeStore) SubmitOrderBatch(_ context.Context, ownerID string, upds []TaskUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	for _, upd := range upds {
		if _, ok := f.tasks[upd.ID]; !ok {
			return ErrNotFound
		}
	}
	for _, upd := range upds {
		f.tasks[upd.ID] = applyUpdate(f.tasks[upd.ID], upd)
		f.etags[upd.ID]++
	}
	f.batches = append(f.batches, upds)
	return nil
}

func applyUpdate(t Task, upd TaskUpdate) Task {
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.TaskDate != nil {
		t.TaskDate = *upd.TaskDate
	}
	if upd.SortOrder != nil {
		t.SortOrder = *upd.SortOrder
	}
	if upd.IsCompleted != nil {
		t.IsCompleted = *upd.IsCompleted
	}
	if upd.DeletedAt != nil {
		t.DeletedAt = *upd.DeletedAt
	}
	if upd.UpdatedAt != nil {
		t.UpdatedAt = *upd.UpdatedAt
	}
	return t
}

func (f *fakeStore) task(id string) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// fakeLock tracks lease usage and fails when a scope is acquired twice
// without a release in between.
type fakeLock struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires int
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: map[string]bool{}}
}

func (l *fakeLock) Acquire(_ context.Context, ownerID string, date Date) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ownerID + ":" + date.String()
	if l.held[key] {
		return nil, ErrConcurrencyConflict
	}
	l.held[key] = true
	l.acquires++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held[key] = false
	}, nil
}

func (l *fakeLock) anyHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.held {
		if h {
			return true
		}
	}
	return false
}
