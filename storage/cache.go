package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"dayplan-api/domain"
)

// Cache wraps a task store with Redis-backed caching of per-owner task
// lists. Only FetchTasks is cache-served; point lookups and fresh fetches
// bypass the cache so the mutation path always sees live rows. Every
// successful mutation evicts the owner's cached list. Redis failures
// degrade to the backing store, never to the caller.
type Cache struct {
	base  domain.TaskStorage
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.TaskStorage, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, ownerID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, ownerID, tasks)
	return tasks, nil
}

// FetchTasksFresh goes straight to the backing store and neither reads nor
// seeds the cached listing. A reader racing a mutation can write a stale
// snapshot into the cache after the mutation's eviction; a fresh fetch must
// not trust that entry, and reseeding here would re-open the same window.
func (c *Cache) FetchTasksFresh(ctx context.Context, ownerID string) ([]domain.Task, error) {
	return c.base.FetchTasksFresh(ctx, ownerID)
}

func (c *Cache) FindTask(ctx context.Context, id string) (*domain.Task, string, error) {
	return c.base.FindTask(ctx, id)
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.base.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.OwnerID)
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, upd domain.TaskUpdate, etag string) error {
	if err := c.base.UpdateTask(ctx, upd, etag); err != nil {
		return err
	}
	c.evict(ctx, upd.OwnerID)
	return nil
}

func (c *Cache) SubmitOrderBatch(ctx context.Context, ownerID string, upds []domain.TaskUpdate) error {
	if err := c.base.SubmitOrderBatch(ctx, ownerID, upds); err != nil {
		return err
	}
	c.evict(ctx, ownerID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, ownerID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(ownerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, ownerID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(ownerID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
}

func tasksCacheKey(ownerID string) string {
	return "tasks:" + ownerID
}
