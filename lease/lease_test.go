package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:"), mr
}

func TestLockers(t *testing.T) {
	lockers := map[string]func(t *testing.T) Locker{
		"memory": func(*testing.T) Locker { return NewMemory() },
		"redis": func(t *testing.T) Locker {
			l, _ := newRedisLocker(t)
			return l
		},
	}

	for name, build := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := build(t)

			held, acquired, err := l.TryAcquire(ctx, "reconcile", time.Minute)
			if err != nil || !acquired {
				t.Fatalf("first acquire: acquired=%v err=%v", acquired, err)
			}

			if _, again, err := l.TryAcquire(ctx, "reconcile", time.Minute); err != nil || again {
				t.Fatalf("second acquire should fail while held: acquired=%v err=%v", again, err)
			}

			if _, other, err := l.TryAcquire(ctx, "other", time.Minute); err != nil || !other {
				t.Fatalf("independent key should be free: acquired=%v err=%v", other, err)
			}

			if err := held.Renew(ctx); err != nil {
				t.Fatalf("renew while held: %v", err)
			}

			held.Release()
			held.Release()

			if err := held.Renew(ctx); !errors.Is(err, ErrLost) {
				t.Fatalf("renew after release: got %v, want ErrLost", err)
			}

			again, reacquired, err := l.TryAcquire(ctx, "reconcile", time.Minute)
			if err != nil || !reacquired {
				t.Fatalf("acquire after release: acquired=%v err=%v", reacquired, err)
			}
			again.Release()
		})
	}
}

func TestMemoryLeaseExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	stale, ok, _ := l.TryAcquire(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("expected acquire")
	}

	now = now.Add(2 * time.Minute)
	fresh, ok, _ := l.TryAcquire(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("expired lease should be taken over")
	}
	defer fresh.Release()

	if err := stale.Renew(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("stale renew: got %v, want ErrLost", err)
	}

	// The stale holder must not free the new holder's lease.
	stale.Release()
	if _, ok, _ := l.TryAcquire(ctx, "k", time.Minute); ok {
		t.Fatal("stale release freed a lease it no longer owns")
	}
}

func TestRedisLeaseExpiresAndStaleReleaseIsIgnored(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, ok, err := l.TryAcquire(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	mr.FastForward(2 * time.Second)

	fresh, ok, err := l.TryAcquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expired lease should be free: %v %v", ok, err)
	}
	defer fresh.Release()

	if err := stale.Renew(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("stale renew: got %v, want ErrLost", err)
	}
	stale.Release()
	if !mr.Exists("test:k") {
		t.Fatal("stale release deleted the successor's lease")
	}
}

func TestRenewPushesExpiryOut(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		l := NewMemory().WithClock(func() time.Time { return now })
		ctx := context.Background()

		held, ok, _ := l.TryAcquire(ctx, "k", time.Minute)
		if !ok {
			t.Fatal("expected acquire")
		}
		defer held.Release()

		now = now.Add(50 * time.Second)
		if err := held.Renew(ctx); err != nil {
			t.Fatalf("renew: %v", err)
		}
		now = now.Add(50 * time.Second)
		if _, ok, _ := l.TryAcquire(ctx, "k", time.Minute); ok {
			t.Fatal("renewed lease was taken over before its new expiry")
		}
	})

	t.Run("redis", func(t *testing.T) {
		l, mr := newRedisLocker(t)
		ctx := context.Background()

		held, ok, err := l.TryAcquire(ctx, "k", time.Minute)
		if err != nil || !ok {
			t.Fatalf("acquire: %v %v", ok, err)
		}
		defer held.Release()

		mr.FastForward(50 * time.Second)
		if err := held.Renew(ctx); err != nil {
			t.Fatalf("renew: %v", err)
		}
		mr.FastForward(50 * time.Second)
		if !mr.Exists("test:k") {
			t.Fatal("renewed lease expired early")
		}
		if ttl := mr.TTL("test:k"); ttl <= 0 || ttl > time.Minute {
			t.Fatalf("ttl after renew = %v", ttl)
		}
	})
}
