package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	redisx "github.com/jbae-dev/stagepass/internal/redis"
	"github.com/jbae-dev/stagepass/internal/repository"
)

// SessionStore keeps booking sessions as a small family of TTL keys plus an
// activity zset per schedule scored by last-ping millis. Expiry is enforced
// by the key TTL; the zset exists so the sweeper can tear down sessions whose
// client went silent before the TTL ran out.
type SessionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl}
}

type SessionRecord struct {
	ID         string
	UserID     int64
	ScheduleID int64
	DeviceID   string
}

// Save writes all session keys and registers the session as active. Any
// previous session for the same (user, schedule) must already be gone; Create
// in the session service handles the replacement.
func (s *SessionStore) Save(ctx context.Context, rec SessionRecord) error {
	const op = "redis.SessionStore.Save"

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, redisx.KeyBookingSession(rec.ID), strconv.FormatInt(rec.ScheduleID, 10), s.ttl)
	pipe.Set(ctx, redisx.KeyBookingSessionDevice(rec.ID), rec.DeviceID, s.ttl)
	pipe.Set(ctx, redisx.KeyBookingSessionUser(rec.ID), strconv.FormatInt(rec.UserID, 10), s.ttl)
	pipe.Set(ctx, redisx.KeyBookingSessionByUser(rec.UserID, rec.ScheduleID), rec.ID, s.ttl)
	pipe.ZAdd(ctx, redisx.KeyActiveSessions(rec.ScheduleID), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: rec.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// ScheduleID resolves a session to its schedule; repository.ErrSessionNotFound
// when the session is absent or its TTL ran out.
func (s *SessionStore) ScheduleID(ctx context.Context, sessionID string) (int64, error) {
	const op = "redis.SessionStore.ScheduleID"

	v, err := s.rdb.Get(ctx, redisx.KeyBookingSession(sessionID)).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("%s:%w", op, repository.ErrSessionNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	scheduleID, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad schedule value %q: %w", op, v, err)
	}

	return scheduleID, nil
}

// BySessionID resolves the full record, used by teardown paths.
func (s *SessionStore) BySessionID(ctx context.Context, sessionID string) (*SessionRecord, error) {
	const op = "redis.SessionStore.BySessionID"

	scheduleID, err := s.ScheduleID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	rec := SessionRecord{ID: sessionID, ScheduleID: scheduleID}

	if v, err := s.rdb.Get(ctx, redisx.KeyBookingSessionUser(sessionID)).Result(); err == nil {
		rec.UserID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := s.rdb.Get(ctx, redisx.KeyBookingSessionDevice(sessionID)).Result(); err == nil {
		rec.DeviceID = v
	}

	return &rec, nil
}

// ExistingForUser returns the session id previously issued for the user and
// schedule, if any.
func (s *SessionStore) ExistingForUser(ctx context.Context, userID, scheduleID int64) (string, error) {
	const op = "redis.SessionStore.ExistingForUser"

	v, err := s.rdb.Get(ctx, redisx.KeyBookingSessionByUser(userID, scheduleID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return v, nil
}

// Ping refreshes the activity score. The session TTL itself is not extended.
func (s *SessionStore) Ping(ctx context.Context, scheduleID int64, sessionID string) error {
	const op = "redis.SessionStore.Ping"

	key := redisx.KeyActiveSessions(scheduleID)

	if _, err := s.rdb.ZScore(ctx, key, sessionID).Result(); err == redis.Nil {
		return fmt.Errorf("%s:%w", op, repository.ErrSessionNotFound)
	} else if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.rdb.ZAdd(ctx, key, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: sessionID,
	}).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// SilentSince lists sessions whose last ping is older than the cutoff.
func (s *SessionStore) SilentSince(ctx context.Context, scheduleID int64, cutoff time.Time) ([]string, error) {
	const op = "redis.SessionStore.SilentSince"

	ids, err := s.rdb.ZRangeByScore(ctx, redisx.KeyActiveSessions(scheduleID), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return ids, nil
}

// LeaveActive drops the session from the activity zset without tearing the
// session down. The user can come back and ping again before the TTL runs
// out.
func (s *SessionStore) LeaveActive(ctx context.Context, scheduleID int64, sessionID string) error {
	const op = "redis.SessionStore.LeaveActive"

	if err := s.rdb.ZRem(ctx, redisx.KeyActiveSessions(scheduleID), sessionID).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// ActiveScheduleIDs scans for schedules that currently have an activity zset.
func (s *SessionStore) ActiveScheduleIDs(ctx context.Context) ([]int64, error) {
	const op = "redis.SessionStore.ActiveScheduleIDs"

	var ids []int64

	iter := s.rdb.Scan(ctx, 0, redisx.PatternActiveSessions(), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		id, err := strconv.ParseInt(key[strings.LastIndexByte(key, ':')+1:], 10, 64)
		if err != nil {
			continue
		}

		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return ids, nil
}

// Delete tears down every key of a session. Safe to call twice.
func (s *SessionStore) Delete(ctx context.Context, rec SessionRecord) error {
	const op = "redis.SessionStore.Delete"

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, redisx.KeyActiveSessions(rec.ScheduleID), rec.ID)
	pipe.Del(ctx,
		redisx.KeyBookingSession(rec.ID),
		redisx.KeyBookingSessionDevice(rec.ID),
		redisx.KeyBookingSessionUser(rec.ID),
		redisx.KeyBookingSessionByUser(rec.UserID, rec.ScheduleID),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// AcquireTokenLock takes the short dedupe lock used while a waiting token is
// being exchanged for a session.
func (s *SessionStore) AcquireTokenLock(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	const op = "redis.SessionStore.AcquireTokenLock"

	ok, err := s.rdb.SetNX(ctx, redisx.KeyWaitingLock(token), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s:%w", op, err)
	}

	return ok, nil
}

func (s *SessionStore) ReleaseTokenLock(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, redisx.KeyWaitingLock(token)).Err()
}
