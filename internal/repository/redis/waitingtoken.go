package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	redisx "github.com/jbae-dev/stagepass/internal/redis"
	"github.com/jbae-dev/stagepass/internal/repository"
)

// WaitingTokenStore reads the tokens the waiting queue issues when it admits
// a user. The queue side writes them; the booking core only validates and
// consumes.
type WaitingTokenStore struct {
	rdb *redis.Client
}

func NewWaitingTokenStore(rdb *redis.Client) *WaitingTokenStore {
	return &WaitingTokenStore{rdb: rdb}
}

type waitingTokenClaim struct {
	UserID     int64  `json:"user_id"`
	ScheduleID int64  `json:"schedule_id"`
	DeviceID   string `json:"device_id"`
}

// Validate checks the token was issued to this user, schedule and device.
func (s *WaitingTokenStore) Validate(
	ctx context.Context,
	token string,
	userID, scheduleID int64,
	deviceID string,
) error {
	const op = "redis.WaitingTokenStore.Validate"

	v, err := s.rdb.Get(ctx, redisx.KeyWaitingToken(token)).Result()
	if err == redis.Nil {
		return fmt.Errorf("%s:%w", op, repository.ErrInvalidToken)
	}
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	var claim waitingTokenClaim
	if err := json.Unmarshal([]byte(v), &claim); err != nil {
		return fmt.Errorf("%s:%w", op, repository.ErrInvalidToken)
	}

	if claim.UserID != userID || claim.ScheduleID != scheduleID || claim.DeviceID != deviceID {
		return fmt.Errorf("%s:%w", op, repository.ErrInvalidToken)
	}

	return nil
}

// Consume burns the token after a session was issued for it.
func (s *WaitingTokenStore) Consume(ctx context.Context, token string) error {
	const op = "redis.WaitingTokenStore.Consume"

	if err := s.rdb.Del(ctx, redisx.KeyWaitingToken(token)).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
