package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jbae-dev/stagepass/internal/repository"
)

func newTestLockStore(t *testing.T) (*HoldLockStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewHoldLockStore(rdb), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	store, _ := newTestLockStore(t)
	ctx := context.Background()

	if err := store.Acquire(ctx, 7, 42, 1, time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if err := store.Acquire(ctx, 7, 42, 2, time.Minute); !errors.Is(err, repository.ErrSeatAlreadyHeld) {
		t.Fatalf("second acquire = %v, want ErrSeatAlreadyHeld", err)
	}

	owner, err := store.Owner(ctx, 7, 42)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != 1 {
		t.Errorf("owner = %d, want 1", owner)
	}
}

// An expired hold's seat can be re-acquired before the sweep runs. The sweep
// then cleans up the expired holder's lock with a compare-owner release, so
// the new holder's lock must survive and keep excluding everyone else.
func TestSweepReleaseKeepsSuccessorLock(t *testing.T) {
	store, mr := newTestLockStore(t)
	ctx := context.Background()

	if err := store.Acquire(ctx, 7, 42, 1, 50*time.Millisecond); err != nil {
		t.Fatalf("acquire for user 1: %v", err)
	}

	mr.FastForward(100 * time.Millisecond)

	if err := store.Acquire(ctx, 7, 42, 2, 5*time.Minute); err != nil {
		t.Fatalf("acquire after expiry for user 2: %v", err)
	}

	// Sweep cleanup for user 1's expired mirror row; user 2 now owns the key.
	if err := store.Release(ctx, 7, 42, 1); !errors.Is(err, repository.ErrNotHolder) {
		t.Fatalf("release of superseded hold = %v, want ErrNotHolder", err)
	}

	if err := store.Acquire(ctx, 7, 42, 3, time.Minute); !errors.Is(err, repository.ErrSeatAlreadyHeld) {
		t.Fatalf("seat 42 acquired while an unexpired hold was live: %v", err)
	}

	owner, err := store.Owner(ctx, 7, 42)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != 2 {
		t.Errorf("owner = %d, want 2", owner)
	}
}

func TestConsumeAllIsAllOrNothing(t *testing.T) {
	store, _ := newTestLockStore(t)
	ctx := context.Background()

	for _, seatID := range []int64{1, 2} {
		if err := store.Acquire(ctx, 7, seatID, 1, time.Minute); err != nil {
			t.Fatalf("acquire seat %d: %v", seatID, err)
		}
	}

	// Seat 3 was never held; nothing may change.
	if err := store.ConsumeAll(ctx, 7, []int64{1, 2, 3}, 1); !errors.Is(err, repository.ErrHoldExpired) {
		t.Fatalf("consume with missing hold = %v, want ErrHoldExpired", err)
	}

	if owner, err := store.Owner(ctx, 7, 1); err != nil || owner != 1 {
		t.Fatalf("seat 1 after failed consume: owner=%d err=%v, want owner 1", owner, err)
	}
	if err := store.Acquire(ctx, 7, 3, 2, time.Minute); err != nil {
		t.Fatalf("seat 3 should still be free: %v", err)
	}

	if err := store.ConsumeAll(ctx, 7, []int64{1, 2}, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := store.Acquire(ctx, 7, 1, 2, time.Minute); !errors.Is(err, repository.ErrSeatSold) {
		t.Fatalf("acquire of consumed seat = %v, want ErrSeatSold", err)
	}
}

func TestRevertConsumeRestoresHolds(t *testing.T) {
	store, mr := newTestLockStore(t)
	ctx := context.Background()

	if err := store.Acquire(ctx, 7, 42, 1, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.ConsumeAll(ctx, 7, []int64{42}, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := store.RevertConsume(ctx, 7, []int64{42}, 1, 200*time.Millisecond); err != nil {
		t.Fatalf("revert: %v", err)
	}

	if err := store.Acquire(ctx, 7, 42, 2, time.Minute); !errors.Is(err, repository.ErrSeatAlreadyHeld) {
		t.Fatalf("acquire after revert = %v, want ErrSeatAlreadyHeld", err)
	}
	if owner, err := store.Owner(ctx, 7, 42); err != nil || owner != 1 {
		t.Fatalf("owner after revert: %d %v, want 1", owner, err)
	}

	// Grace TTL elapses; the seat frees up again.
	mr.FastForward(time.Second)

	if err := store.Acquire(ctx, 7, 42, 2, time.Minute); err != nil {
		t.Fatalf("acquire after grace expiry: %v", err)
	}
}
