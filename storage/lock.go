package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dayplan-api/domain"
)

const (
	lockRetryInterval = 25 * time.Millisecond
	lockWaitBudget    = 2 * time.Second
)

// ErrLockBusy is returned when a lease stays contended past the wait budget.
var ErrLockBusy = errors.New("order lock busy")

// releaseScript deletes the lease only when it still carries our token, so
// a lease that expired and was re-acquired elsewhere is never released by
// the previous holder.
var releaseScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`,
)

// OrderLease serializes task creation per (owner, date) across all service
// instances with a Redis SetNX lease.
type OrderLease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOrderLease creates a lease manager using the provided Redis client.
// The TTL bounds how long a crashed holder can block a scope.
func NewOrderLease(client *redis.Client, ttl time.Duration) *OrderLease {
	return &OrderLease{client: client, ttl: ttl}
}

func orderLockKey(ownerID string, date domain.Date) string {
	return "order:" + ownerID + ":" + date.String()
}

// Acquire blocks until the lease for the scope is held, the context is
// cancelled, or the wait budget runs out. The returned func releases the
// lease and is safe to call exactly once.
func (l *OrderLease) Acquire(ctx context.Context, ownerID string, date domain.Date) (func(), error) {
	key := orderLockKey(ownerID, date)
	token := uuid.NewString()

	deadline := time.NewTimer(lockWaitBudget)
	defer deadline.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrLockBusy
		case <-time.After(lockRetryInterval):
		}
	}
}
