package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	redisx "github.com/jbae-dev/stagepass/internal/redis"
	"github.com/jbae-dev/stagepass/internal/repository"
)

// Lua scripts keep every hold transition a single atomic round trip, so there
// is never a read-then-write window between owner check and mutation.

// KEYS[1] = owner key, KEYS[2] = sold set
// ARGV[1] = userID, ARGV[2] = ttl_ms, ARGV[3] = seatID
const luaAcquire = `
if redis.call('SISMEMBER', KEYS[2], ARGV[3]) == 1 then
  return 'SOLD'
end
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 'OK'
end
return 'HELD'
`

// KEYS[1] = owner key
// ARGV[1] = userID
const luaRelease = `
local owner = redis.call('GET', KEYS[1])
if owner == false then
  return 'NONE'
end
if owner ~= ARGV[1] then
  return 'OTHER'
end
redis.call('DEL', KEYS[1])
return 'OK'
`

// KEYS[1] = owner key
// ARGV[1] = userID, ARGV[2] = ttl_ms
const luaExtend = `
local owner = redis.call('GET', KEYS[1])
if owner == false then
  return 'NONE'
end
if owner ~= ARGV[1] then
  return 'OTHER'
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 'OK'
`

// KEYS[1] = sold set, KEYS[2..n+1] = owner keys
// ARGV[1] = userID, ARGV[2..n+1] = seatIDs
// Verifies every owner before mutating anything, so a multi-seat consume is
// all-or-nothing at the lock level.
const luaConsumeAll = `
for i = 2, #KEYS do
  local owner = redis.call('GET', KEYS[i])
  if owner == false then
    return i - 1
  end
  if owner ~= ARGV[1] then
    return -(i - 1)
  end
end
for i = 2, #KEYS do
  redis.call('SADD', KEYS[1], ARGV[i])
  redis.call('DEL', KEYS[i])
end
return 0
`

// KEYS[1] = sold set, KEYS[2..n+1] = owner keys
// ARGV[1] = userID, ARGV[2] = grace_ttl_ms, ARGV[3..n+2] = seatIDs
// Compensation for a failed reservation transaction. NX keeps us from
// clobbering a holder that grabbed the seat in the meantime.
const luaRevertConsume = `
for i = 2, #KEYS do
  redis.call('SREM', KEYS[1], ARGV[i + 1])
  redis.call('SET', KEYS[i], ARGV[1], 'NX', 'PX', ARGV[2])
end
return 0
`

// HoldLockStore is the seat-hold lock space: one expiring owner key per held
// seat plus a sold set per schedule that blocks re-acquisition of consumed
// seats until a cancel frees them.
type HoldLockStore struct {
	rdb           *redis.Client
	acquire       *redis.Script
	release       *redis.Script
	extend        *redis.Script
	consumeAll    *redis.Script
	revertConsume *redis.Script
}

func NewHoldLockStore(rdb *redis.Client) *HoldLockStore {
	return &HoldLockStore{
		rdb:           rdb,
		acquire:       redis.NewScript(luaAcquire),
		release:       redis.NewScript(luaRelease),
		extend:        redis.NewScript(luaExtend),
		consumeAll:    redis.NewScript(luaConsumeAll),
		revertConsume: redis.NewScript(luaRevertConsume),
	}
}

// Acquire creates the exclusive hold lock. First committer wins; the loser
// gets repository.ErrSeatAlreadyHeld immediately, never queued.
func (s *HoldLockStore) Acquire(ctx context.Context, scheduleID, seatID, userID int64, ttl time.Duration) error {
	const op = "redis.HoldLockStore.Acquire"

	res, err := s.acquire.Run(ctx, s.rdb,
		[]string{redisx.KeySeatHoldOwner(scheduleID, seatID), redisx.KeySeatSoldSet(scheduleID)},
		userID, ttl.Milliseconds(), seatID,
	).Result()
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	switch res {
	case "OK":
		return nil
	case "SOLD":
		return fmt.Errorf("%s:%w", op, repository.ErrSeatSold)
	default:
		return fmt.Errorf("%s:%w", op, repository.ErrSeatAlreadyHeld)
	}
}

// Release drops the caller's lock. A missing key is treated as an
// already-released hold and succeeds.
func (s *HoldLockStore) Release(ctx context.Context, scheduleID, seatID, userID int64) error {
	const op = "redis.HoldLockStore.Release"

	res, err := s.release.Run(ctx, s.rdb,
		[]string{redisx.KeySeatHoldOwner(scheduleID, seatID)},
		userID,
	).Result()
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if res == "OTHER" {
		return fmt.Errorf("%s:%w", op, repository.ErrNotHolder)
	}

	return nil
}

// Extend resets the lock TTL if the caller still owns it.
func (s *HoldLockStore) Extend(ctx context.Context, scheduleID, seatID, userID int64, ttl time.Duration) error {
	const op = "redis.HoldLockStore.Extend"

	res, err := s.extend.Run(ctx, s.rdb,
		[]string{redisx.KeySeatHoldOwner(scheduleID, seatID)},
		userID, ttl.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	switch res {
	case "OK":
		return nil
	case "NONE":
		return fmt.Errorf("%s:%w", op, repository.ErrHoldNotFound)
	default:
		return fmt.Errorf("%s:%w", op, repository.ErrNotHolder)
	}
}

// ConsumeAll folds every listed hold into the sold set in one atomic script.
// On failure it reports the first offending seat and mutates nothing.
func (s *HoldLockStore) ConsumeAll(ctx context.Context, scheduleID int64, seatIDs []int64, userID int64) error {
	const op = "redis.HoldLockStore.ConsumeAll"

	keys := make([]string, 0, len(seatIDs)+1)
	keys = append(keys, redisx.KeySeatSoldSet(scheduleID))

	args := make([]any, 0, len(seatIDs)+1)
	args = append(args, userID)

	for _, sid := range seatIDs {
		keys = append(keys, redisx.KeySeatHoldOwner(scheduleID, sid))
		args = append(args, sid)
	}

	res, err := s.consumeAll.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	switch {
	case res == 0:
		return nil
	case res > 0:
		return fmt.Errorf("%s: seat %d: %w", op, seatIDs[res-1], repository.ErrHoldExpired)
	default:
		return fmt.Errorf("%s: seat %d: %w", op, seatIDs[-res-1], repository.ErrNotHolder)
	}
}

// RevertConsume undoes ConsumeAll after the surrounding transaction failed,
// restoring owner keys with a short grace TTL.
func (s *HoldLockStore) RevertConsume(ctx context.Context, scheduleID int64, seatIDs []int64, userID int64, grace time.Duration) error {
	const op = "redis.HoldLockStore.RevertConsume"

	keys := make([]string, 0, len(seatIDs)+1)
	keys = append(keys, redisx.KeySeatSoldSet(scheduleID))

	args := make([]any, 0, len(seatIDs)+2)
	args = append(args, userID, grace.Milliseconds())

	for _, sid := range seatIDs {
		keys = append(keys, redisx.KeySeatHoldOwner(scheduleID, sid))
		args = append(args, sid)
	}

	if err := s.revertConsume.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// FreeSold removes seats from the sold set so they can be held again after a
// reservation cancel.
func (s *HoldLockStore) FreeSold(ctx context.Context, scheduleID int64, seatIDs []int64) error {
	const op = "redis.HoldLockStore.FreeSold"

	if len(seatIDs) == 0 {
		return nil
	}

	members := make([]any, len(seatIDs))
	for i, sid := range seatIDs {
		members[i] = sid
	}

	if err := s.rdb.SRem(ctx, redisx.KeySeatSoldSet(scheduleID), members...).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Owner returns the current lock holder, or repository.ErrHoldNotFound.
func (s *HoldLockStore) Owner(ctx context.Context, scheduleID, seatID int64) (int64, error) {
	const op = "redis.HoldLockStore.Owner"

	v, err := s.rdb.Get(ctx, redisx.KeySeatHoldOwner(scheduleID, seatID)).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrHoldNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	owner, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad owner value %q: %w", op, v, err)
	}

	return owner, nil
}
