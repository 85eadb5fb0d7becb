package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the stored token matches, so an
// expired lock re-acquired by another holder is never released by the
// original owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker serializes per-order processing across engine instances using
// SET NX with a TTL.
type Locker struct {
	client redis.Cmdable
	ttl    time.Duration
}

func New(client redis.Cmdable, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

func orderLockKey(orderID uuid.UUID) string {
	return "order_lock:" + orderID.String()
}

// Acquire attempts to take the per-order lock. It returns a release token
// and true on success, and false without error when the lock is held
// elsewhere.
func (l *Locker) Acquire(ctx context.Context, orderID uuid.UUID) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, orderLockKey(orderID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire order lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock if the token still owns it.
func (l *Locker) Release(ctx context.Context, orderID uuid.UUID, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{orderLockKey(orderID)}, token).Err(); err != nil {
		return fmt.Errorf("release order lock: %w", err)
	}
	return nil
}
