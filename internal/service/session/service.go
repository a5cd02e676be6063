package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jbae-dev/stagepass/internal/repository"
	redisrepo "github.com/jbae-dev/stagepass/internal/repository/redis"
)

// WaitingTokenValidator is the booking core's view of the waiting queue. The
// queue implementation lives elsewhere; it only has to confirm a token was
// issued to this user, schedule and device, and burn it once used.
type WaitingTokenValidator interface {
	Validate(ctx context.Context, token string, userID, scheduleID int64, deviceID string) error
	Consume(ctx context.Context, token string) error
}

type Config struct {
	TokenLockTTL  time.Duration
	PingThreshold time.Duration
}

type Service struct {
	sessions *redisrepo.SessionStore
	tokens   WaitingTokenValidator
	cfg      Config
}

func New(sessions *redisrepo.SessionStore, tokens WaitingTokenValidator, cfg Config) *Service {
	if cfg.TokenLockTTL <= 0 {
		cfg.TokenLockTTL = 10 * time.Second
	}

	if cfg.PingThreshold <= 0 {
		cfg.PingThreshold = time.Minute
	}

	return &Service{sessions: sessions, tokens: tokens, cfg: cfg}
}

// Create exchanges a waiting token for a booking session. The token is
// locked for the duration of the exchange so a double submit cannot mint two
// sessions, and it is consumed once the session exists. An earlier session
// for the same user and schedule is torn down and replaced.
//
// Returns:
//   - string: the new booking session id.
//   - error: session.ErrInvalidWaitingToken if the token fails validation.
//   - error: session.ErrDuplicateTokenUse if the token is mid-exchange.
func (s *Service) Create(
	ctx context.Context,
	userID, scheduleID int64,
	waitingToken, deviceID string,
) (string, error) {
	const op = "service.session.Create"

	if waitingToken == "" {
		return "", fmt.Errorf("%s:%w", op, ErrInvalidWaitingToken)
	}

	ok, err := s.sessions.AcquireTokenLock(ctx, waitingToken, s.cfg.TokenLockTTL)
	if err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}
	if !ok {
		return "", fmt.Errorf("%s:%w", op, ErrDuplicateTokenUse)
	}
	defer func() { _ = s.sessions.ReleaseTokenLock(ctx, waitingToken) }()

	if err := s.tokens.Validate(ctx, waitingToken, userID, scheduleID, deviceID); err != nil {
		if errors.Is(err, repository.ErrInvalidToken) {
			return "", fmt.Errorf("%s:%w", op, ErrInvalidWaitingToken)
		}

		return "", fmt.Errorf("%s:%w", op, err)
	}

	if existing, err := s.sessions.ExistingForUser(ctx, userID, scheduleID); err == nil && existing != "" {
		if rec, err := s.sessions.BySessionID(ctx, existing); err == nil {
			_ = s.sessions.Delete(ctx, *rec)
		}
	}

	rec := redisrepo.SessionRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		ScheduleID: scheduleID,
		DeviceID:   deviceID,
	}

	if err := s.sessions.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	if err := s.tokens.Consume(ctx, waitingToken); err != nil {
		return "", fmt.Errorf("%s:%w", op, err)
	}

	return rec.ID, nil
}

// Resolve returns the full session record for an id; the gating middleware
// uses it to learn the caller's user and schedule.
//
// Returns:
//   - error: session.ErrInvalidSession if the session is absent or expired.
func (s *Service) Resolve(ctx context.Context, sessionID string) (*redisrepo.SessionRecord, error) {
	const op = "service.session.Resolve"

	if sessionID == "" {
		return nil, fmt.Errorf("%s:%w", op, ErrMissingSessionHeader)
	}

	rec, err := s.sessions.BySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrInvalidSession)
		}

		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return rec, nil
}

// ValidateExists checks the session is alive. It does not refresh anything.
func (s *Service) ValidateExists(ctx context.Context, sessionID string) error {
	const op = "service.session.ValidateExists"

	if sessionID == "" {
		return fmt.Errorf("%s:%w", op, ErrMissingSessionHeader)
	}

	if _, err := s.sessions.ScheduleID(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return fmt.Errorf("%s:%w", op, ErrInvalidSession)
		}

		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// ValidateForSchedule checks the session is alive and was issued for the
// given schedule. Reservation creation goes through this.
func (s *Service) ValidateForSchedule(ctx context.Context, sessionID string, scheduleID int64) error {
	const op = "service.session.ValidateForSchedule"

	if sessionID == "" {
		return fmt.Errorf("%s:%w", op, ErrMissingSessionHeader)
	}

	got, err := s.sessions.ScheduleID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return fmt.Errorf("%s:%w", op, ErrInvalidSession)
		}

		return fmt.Errorf("%s:%w", op, err)
	}

	if got != scheduleID {
		return fmt.Errorf("%s:%w", op, ErrScheduleMismatch)
	}

	return nil
}

// Ping records client liveness so the sweeper leaves the session alone.
func (s *Service) Ping(ctx context.Context, sessionID string) error {
	const op = "service.session.Ping"

	scheduleID, err := s.sessions.ScheduleID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return fmt.Errorf("%s:%w", op, ErrInvalidSession)
		}

		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.sessions.Ping(ctx, scheduleID, sessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return fmt.Errorf("%s:%w", op, ErrInvalidSession)
		}

		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// LeaveActive is the explicit "I left the seat map" signal. The session
// stays valid; it just stops counting as active.
func (s *Service) LeaveActive(ctx context.Context, sessionID string) error {
	const op = "service.session.LeaveActive"

	scheduleID, err := s.sessions.ScheduleID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil
		}

		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.sessions.LeaveActive(ctx, scheduleID, sessionID); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// Close tears the session down after checkout completes or aborts. Closing
// an already gone session succeeds.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	const op = "service.session.Close"

	rec, err := s.sessions.BySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil
		}

		return fmt.Errorf("%s:%w", op, err)
	}

	if err := s.sessions.Delete(ctx, *rec); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// SweepSilent tears down sessions that stopped pinging. Called by the sweep
// scheduler; returns how many sessions were closed.
func (s *Service) SweepSilent(ctx context.Context) (int, error) {
	const op = "service.session.SweepSilent"

	scheduleIDs, err := s.sessions.ActiveScheduleIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	cutoff := time.Now().Add(-s.cfg.PingThreshold)

	var closed int
	for _, scheduleID := range scheduleIDs {
		ids, err := s.sessions.SilentSince(ctx, scheduleID, cutoff)
		if err != nil {
			return closed, fmt.Errorf("%s:%w", op, err)
		}

		for _, id := range ids {
			rec, err := s.sessions.BySessionID(ctx, id)
			if err != nil {
				if errors.Is(err, repository.ErrSessionNotFound) {
					// TTL beat the sweeper; drop the zset leftover.
					_ = s.sessions.LeaveActive(ctx, scheduleID, id)
					continue
				}

				return closed, fmt.Errorf("%s:%w", op, err)
			}

			if err := s.sessions.Delete(ctx, *rec); err != nil {
				return closed, fmt.Errorf("%s:%w", op, err)
			}

			closed++
		}
	}

	return closed, nil
}
