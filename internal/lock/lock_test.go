package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("RUN_REDIS_INTEGRATION") == "" {
		t.Skip("set RUN_REDIS_INTEGRATION=1 to run")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis connection failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAcquireIsExclusive(t *testing.T) {
	client := setupRedis(t)
	locker := New(client, 5*time.Second)
	ctx := context.Background()
	orderID := uuid.New()

	token, ok, err := locker.Acquire(ctx, orderID)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}
	defer locker.Release(ctx, orderID, token)

	if _, ok, err := locker.Acquire(ctx, orderID); err != nil || ok {
		t.Fatalf("expected second acquire to fail: ok=%v err=%v", ok, err)
	}
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	client := setupRedis(t)
	locker := New(client, 5*time.Second)
	ctx := context.Background()
	orderID := uuid.New()

	token, ok, err := locker.Acquire(ctx, orderID)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// A stale holder's token must not free the lock.
	if err := locker.Release(ctx, orderID, "stale-token"); err != nil {
		t.Fatalf("release with stale token: %v", err)
	}
	if _, ok, _ := locker.Acquire(ctx, orderID); ok {
		t.Fatalf("lock should still be held after stale release")
	}

	if err := locker.Release(ctx, orderID, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := locker.Acquire(ctx, orderID); !ok {
		t.Fatalf("lock should be free after owner release")
	}
}
