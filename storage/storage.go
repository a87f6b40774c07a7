package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"dayplan-api/domain"
)

const edmInt64 = "Edm.Int64"

// Storage persists tasks in Azure Table Storage. Rows are partitioned by
// owner so every owner-scoped read is a single-partition query and a
// reorder batch fits in one partition transaction.
type Storage struct {
	taskTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	ETag          string `json:"odata.etag,omitempty"`
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Description   string `json:"Description"`
	TaskDate      string `json:"TaskDate"`
	SortOrder     int    `json:"SortOrder"`
	IsCompleted   bool   `json:"IsCompleted"`
	DeletedAt     int64  `json:"DeletedAt,string"`
	DeletedAtType string `json:"DeletedAt@odata.type"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

// taskUpdateEntity carries a partial merge; nil fields stay untouched.
type taskUpdateEntity struct {
	PartitionKey  string  `json:"PartitionKey"`
	RowKey        string  `json:"RowKey"`
	Description   *string `json:"Description,omitempty"`
	TaskDate      *string `json:"TaskDate,omitempty"`
	SortOrder     *int    `json:"SortOrder,omitempty"`
	IsCompleted   *bool   `json:"IsCompleted,omitempty"`
	DeletedAt     *int64  `json:"DeletedAt,omitempty,string"`
	DeletedAtType *string `json:"DeletedAt@odata.type,omitempty"`
	UpdatedAt     *int64  `json:"UpdatedAt,omitempty,string"`
	UpdatedAtType *string `json:"UpdatedAt@odata.type,omitempty"`
}

func newTaskEntity(t domain.Task) taskEntity {
	return taskEntity{
		PartitionKey:  t.OwnerID,
		RowKey:        t.ID,
		Description:   t.Description,
		TaskDate:      t.TaskDate.String(),
		SortOrder:     t.SortOrder,
		IsCompleted:   t.IsCompleted,
		DeletedAt:     t.DeletedAt,
		DeletedAtType: edmInt64,
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
}

func (e taskEntity) toTask() (domain.Task, error) {
	date, err := domain.ParseDate(e.TaskDate)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s has invalid date %q: %w", e.RowKey, e.TaskDate, err)
	}
	return domain.Task{
		ID:          e.RowKey,
		OwnerID:     e.PartitionKey,
		Description: e.Description,
		TaskDate:    date,
		SortOrder:   e.SortOrder,
		IsCompleted: e.IsCompleted,
		DeletedAt:   e.DeletedAt,
		CreatedAt:   time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, e.UpdatedAt).UTC(),
	}, nil
}

func newTaskUpdateEntity(upd domain.TaskUpdate) taskUpdateEntity {
	ent := taskUpdateEntity{
		PartitionKey: upd.OwnerID,
		RowKey:       upd.ID,
		Description:  upd.Description,
		SortOrder:    upd.SortOrder,
		IsCompleted:  upd.IsCompleted,
	}
	if upd.TaskDate != nil {
		s := upd.TaskDate.String()
		ent.TaskDate = &s
	}
	if upd.DeletedAt != nil {
		t := edmInt64
		ent.DeletedAt = upd.DeletedAt
		ent.DeletedAtType = &t
	}
	if upd.UpdatedAt != nil {
		n := upd.UpdatedAt.UnixNano()
		t := edmInt64
		ent.UpdatedAt = &n
		ent.UpdatedAtType = &t
	}
	return ent
}

// FetchTasks retrieves every task row of the owner, deleted rows included.
func (s *Storage) FetchTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + escapeODataString(ownerID) + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			t, err := ent.toTask()
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// FetchTasksFresh is FetchTasks; there is no cache at this layer.
func (s *Storage) FetchTasksFresh(ctx context.Context, ownerID string) ([]domain.Task, error) {
	return s.FetchTasks(ctx, ownerID)
}

// FindTask resolves a task by row key regardless of owner. It returns
// (nil, "", nil) when the id does not resolve.
func (s *Storage) FindTask(ctx context.Context, id string) (*domain.Task, string, error) {
	filter := "RowKey eq '" + escapeODataString(id) + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, "", err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, "", err
			}
			t, err := ent.toTask()
			if err != nil {
				return nil, "", err
			}
			return &t, ent.ETag, nil
		}
	}
	return nil, "", nil
}

// InsertTask adds a new task row. A key collision maps to
// domain.ErrConcurrencyConflict so the caller can retry with a fresh id.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(newTaskEntity(t))
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return translateError(err)
	}
	return nil
}

// UpdateTask merges the partial update when the row's ETag still matches.
func (s *Storage) UpdateTask(ctx context.Context, upd domain.TaskUpdate, etag string) error {
	payload, err := json.Marshal(newTaskUpdateEntity(upd))
	if err != nil {
		return err
	}
	match := azcore.ETag(etag)
	if etag == "" {
		match = azcore.ETagAny
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &match,
		UpdateMode: aztables.UpdateModeMerge,
	})
	if err != nil {
		return translateError(err)
	}
	return nil
}

// SubmitOrderBatch applies the updates as one partition transaction, so a
// concurrent reader never observes a partially applied reorder.
func (s *Storage) SubmitOrderBatch(ctx context.Context, ownerID string, upds []domain.TaskUpdate) error {
	if len(upds) == 0 {
		return nil
	}
	actions := make([]aztables.TransactionAction, 0, len(upds))
	for _, upd := range upds {
		if upd.OwnerID != ownerID {
			return fmt.Errorf("order batch crosses partitions: %s", upd.ID)
		}
		payload, err := json.Marshal(newTaskUpdateEntity(upd))
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
		})
	}
	if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
		return translateError(err)
	}
	return nil
}

func translateError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return domain.ErrNotFound
		case 409, 412:
			return domain.ErrConcurrencyConflict
		}
	}
	return err
}

// Single quotes are the only character needing escaping inside an OData
// string literal.
func escapeODataString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
