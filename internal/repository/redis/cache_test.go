package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redisx "github.com/jbae-dev/stagepass/internal/redis"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewCache(rdb), mr
}

func TestGetOrSetJSONLoadsOnce(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	id := uuid.New()
	loads := 0
	loader := func(ctx context.Context) (map[uuid.UUID]int, error) {
		loads++
		return map[uuid.UUID]int{id: 3}, nil
	}

	key := redisx.KeyScheduleSeatCounts(7)

	for i := 0; i < 3; i++ {
		got, err := GetOrSetJSON(ctx, cache, key, time.Minute, loader)
		if err != nil {
			t.Fatalf("get or set: %v", err)
		}
		if got[id] != 3 {
			t.Fatalf("counts[%s] = %d, want 3", id, got[id])
		}
	}

	if loads != 1 {
		t.Errorf("loader ran %d times, want 1", loads)
	}
}

func TestInvalidateScheduleForcesReload(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	id := uuid.New()
	counts := map[uuid.UUID]int{id: 1}
	loads := 0
	loader := func(ctx context.Context) (map[uuid.UUID]int, error) {
		loads++
		return counts, nil
	}

	key := redisx.KeyScheduleSeatCounts(7)

	if _, err := GetOrSetJSON(ctx, cache, key, time.Minute, loader); err != nil {
		t.Fatalf("prime: %v", err)
	}

	counts = map[uuid.UUID]int{id: 2}
	if err := cache.InvalidateSchedule(ctx, 7); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	got, err := GetOrSetJSON(ctx, cache, key, time.Minute, loader)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if loads != 2 {
		t.Errorf("loader ran %d times, want 2", loads)
	}
	if got[id] != 2 {
		t.Errorf("counts[%s] = %d, want 2 after invalidation", id, got[id])
	}
}

func TestGetOrSetJSONPropagatesLoaderError(t *testing.T) {
	cache, _ := newTestCache(t)

	want := errors.New("pg down")
	_, err := GetOrSetJSON(context.Background(), cache, "k", time.Minute,
		func(ctx context.Context) (int, error) { return 0, want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want loader error", err)
	}
}
