package reservation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jbae-dev/stagepass/internal/domain"
	redisx "github.com/jbae-dev/stagepass/internal/redis"
	"github.com/jbae-dev/stagepass/internal/repository"
	postgresrepo "github.com/jbae-dev/stagepass/internal/repository/postgres"
	redisrepo "github.com/jbae-dev/stagepass/internal/repository/redis"
	"github.com/jbae-dev/stagepass/internal/service/catalog"
	"github.com/jbae-dev/stagepass/internal/uow"
)

// expireBatchSize caps how many expired holds a single sweep cycle releases.
const expireBatchSize = 500

// seatCountsTTL bounds staleness of the per-schedule seat count cache when an
// invalidation is missed.
const seatCountsTTL = 30 * time.Second

type Config struct {
	HoldTTL      time.Duration
	MinHoldTTL   time.Duration
	MaxHoldTTL   time.Duration
	ConsumeGrace time.Duration
}

type Service struct {
	store   *postgresrepo.Store
	locks   *redisrepo.HoldLockStore
	cache   *redisrepo.Cache
	pubsub  *redisx.SchedulePubSub
	limiter *redisrepo.SlidingWindowLimiter
	catalog catalog.Provider
	uow     *uow.UoW
	cfg     Config
}

func New(
	store *postgresrepo.Store,
	locks *redisrepo.HoldLockStore,
	cache *redisrepo.Cache,
	pubsub *redisx.SchedulePubSub,
	limiter *redisrepo.SlidingWindowLimiter,
	cat catalog.Provider,
	cfg Config,
) *Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 7 * time.Minute
	}

	if cfg.MinHoldTTL <= 0 {
		cfg.MinHoldTTL = time.Minute
	}

	if cfg.MaxHoldTTL <= 0 || cfg.MaxHoldTTL < cfg.MinHoldTTL {
		cfg.MaxHoldTTL = 15 * time.Minute
	}

	if cfg.ConsumeGrace <= 0 {
		cfg.ConsumeGrace = 2 * time.Minute
	}

	return &Service{
		store:   store,
		locks:   locks,
		cache:   cache,
		pubsub:  pubsub,
		limiter: limiter,
		catalog: cat,
		uow:     uow.NewUoW(store),
		cfg:     cfg,
	}
}

// AcquireHolds places a hold on every requested seat for the user. Seats are
// locked one by one in redis; if any seat is taken, locks acquired so far are
// rolled back and no seat is held. The durable mirror rows and the hold log
// are written in one transaction after all locks are in place.
//
// Returns:
//   - time.Time: when the holds expire.
//   - error: reservation.ErrSeatAlreadyHeld if another user holds a seat.
//   - error: reservation.ErrSeatSold if a seat is already sold.
//   - error: reservation.ErrRateLimited if the caller exceeds the hold rate.
func (s *Service) AcquireHolds(
	ctx context.Context,
	userID, scheduleID int64,
	seatIDs []int64,
	ttl time.Duration,
	rlKey string,
) (time.Time, error) {
	const op = "service.reservation.AcquireHolds"

	seatIDs = normalizeSeatIDs(seatIDs)
	if len(seatIDs) == 0 {
		return time.Time{}, fmt.Errorf("%s: no seats selected", op)
	}

	ttl = s.clampTTL(ttl)

	if s.limiter != nil && rlKey != "" {
		ok, _, _, err := s.limiter.Allow(ctx, rlKey)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s:%w", op, err)
		}
		if !ok {
			return time.Time{}, fmt.Errorf("%s:%w", op, ErrRateLimited)
		}
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	acquired := make([]int64, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		if err := s.locks.Acquire(ctx, scheduleID, seatID, userID, ttl); err != nil {
			s.releaseLocks(ctx, scheduleID, acquired, userID)

			switch {
			case errors.Is(err, repository.ErrSeatSold):
				return time.Time{}, fmt.Errorf("%s:%w", op, ErrSeatSold)
			case errors.Is(err, repository.ErrSeatAlreadyHeld):
				return time.Time{}, fmt.Errorf("%s:%w", op, ErrSeatAlreadyHeld)
			default:
				return time.Time{}, fmt.Errorf("%s:%w", op, err)
			}
		}

		acquired = append(acquired, seatID)
	}

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		holds := s.store.Holds().With(tx)
		logs := s.store.HoldLogs().With(tx)

		for _, seatID := range seatIDs {
			if _, err := holds.InsertActive(ctx, scheduleID, seatID, userID, now, expiresAt); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}

			if err := logs.AppendHold(ctx, seatID, userID, now, expiresAt); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateSchedule(ctx, scheduleID)
			_ = s.pubsub.PublishScheduleChanged(ctx, scheduleID)
		})

		return nil
	})
	if err != nil {
		s.releaseLocks(ctx, scheduleID, acquired, userID)
		return time.Time{}, fmt.Errorf("%s:%w", op, err)
	}

	return expiresAt, nil
}

// ReleaseHolds gives up the user's holds on the seats. Seats the user does
// not hold are skipped; releasing an already released seat succeeds.
func (s *Service) ReleaseHolds(
	ctx context.Context,
	userID, scheduleID int64,
	seatIDs []int64,
) error {
	const op = "service.reservation.ReleaseHolds"

	seatIDs = normalizeSeatIDs(seatIDs)
	if len(seatIDs) == 0 {
		return fmt.Errorf("%s: no seats selected", op)
	}

	released := make([]int64, 0, len(seatIDs))
	for _, seatID := range seatIDs {
		err := s.locks.Release(ctx, scheduleID, seatID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotHolder) {
				continue
			}

			return fmt.Errorf("%s:%w", op, err)
		}

		released = append(released, seatID)
	}

	if len(released) == 0 {
		return nil
	}

	now := time.Now()

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		holds := s.store.Holds().With(tx)
		logs := s.store.HoldLogs().With(tx)

		for _, seatID := range released {
			if err := holds.MarkReleased(ctx, scheduleID, seatID, userID); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}

			if err := logs.AppendRelease(ctx, seatID, userID, now); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateSchedule(ctx, scheduleID)
			_ = s.pubsub.PublishScheduleChanged(ctx, scheduleID)
		})

		return nil
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

// ExtendHolds pushes the expiry of the user's holds further out. All seats
// must still be held by the user.
//
// Returns:
//   - time.Time: the new expiry.
//   - error: reservation.ErrSeatHoldExpired if a hold is gone.
//   - error: reservation.ErrSeatNotHeldByUser if another user holds a seat.
func (s *Service) ExtendHolds(
	ctx context.Context,
	userID, scheduleID int64,
	seatIDs []int64,
	ttl time.Duration,
) (time.Time, error) {
	const op = "service.reservation.ExtendHolds"

	seatIDs = normalizeSeatIDs(seatIDs)
	if len(seatIDs) == 0 {
		return time.Time{}, fmt.Errorf("%s: no seats selected", op)
	}

	ttl = s.clampTTL(ttl)
	expiresAt := time.Now().Add(ttl)

	for _, seatID := range seatIDs {
		if err := s.locks.Extend(ctx, scheduleID, seatID, userID, ttl); err != nil {
			switch {
			case errors.Is(err, repository.ErrHoldNotFound):
				return time.Time{}, fmt.Errorf("%s:%w", op, ErrSeatHoldExpired)
			case errors.Is(err, repository.ErrNotHolder):
				return time.Time{}, fmt.Errorf("%s:%w", op, ErrSeatNotHeldByUser)
			default:
				return time.Time{}, fmt.Errorf("%s:%w", op, err)
			}
		}
	}

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		holds := s.store.Holds().With(tx)

		for _, seatID := range seatIDs {
			if err := holds.ExtendExpiry(ctx, scheduleID, seatID, userID, expiresAt); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		}

		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("%s:%w", op, err)
	}

	return expiresAt, nil
}

// CreateReservation converts the user's seat holds into a priced reservation
// with a payment awaiting checkout. All seats are consumed atomically: if any
// hold is missing or owned by someone else, nothing changes. When the
// database transaction fails after the locks were consumed, the consume is
// reverted so the user keeps the seats for a grace period.
//
// Returns:
//   - *domain.ReservationWithSeats: the reservation with its line items.
//   - error: reservation.ErrSeatHoldExpired if a hold is gone.
//   - error: reservation.ErrSeatNotHeldByUser if another user holds a seat.
//   - error: reservation.ErrPriceGradeNotFound if a seat has no price.
func (s *Service) CreateReservation(
	ctx context.Context,
	userID, scheduleID int64,
	seatIDs []int64,
) (*domain.ReservationWithSeats, error) {
	const op = "service.reservation.CreateReservation"

	seatIDs = normalizeSeatIDs(seatIDs)
	if len(seatIDs) == 0 {
		return nil, fmt.Errorf("%s: no seats selected", op)
	}

	now := time.Now()
	reservationID := uuid.New()

	seats := make([]domain.ReservationSeat, 0, len(seatIDs))
	var total int64

	for _, seatID := range seatIDs {
		seat, err := s.catalog.GetSeat(ctx, seatID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%s:%w", op, ErrPriceGradeNotFound)
			}

			return nil, fmt.Errorf("%s:%w", op, err)
		}

		if seat.ScheduleID != scheduleID {
			return nil, fmt.Errorf("%s: seat %d does not belong to schedule %d", op, seatID, scheduleID)
		}

		price, err := s.catalog.GetPrice(ctx, seat.PriceGradeID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%s:%w", op, ErrPriceGradeNotFound)
			}

			return nil, fmt.Errorf("%s:%w", op, err)
		}

		seats = append(seats, domain.ReservationSeat{
			ReservationID: reservationID,
			SeatID:        seatID,
			Price:         price,
			CreatedAt:     now,
		})
		total += price
	}

	if err := s.locks.ConsumeAll(ctx, scheduleID, seatIDs, userID); err != nil {
		switch {
		case errors.Is(err, repository.ErrHoldExpired):
			return nil, fmt.Errorf("%s:%w", op, ErrSeatHoldExpired)
		case errors.Is(err, repository.ErrNotHolder):
			return nil, fmt.Errorf("%s:%w", op, ErrSeatNotHeldByUser)
		default:
			return nil, fmt.Errorf("%s:%w", op, err)
		}
	}

	res := domain.Reservation{
		ID:          reservationID,
		UserID:      userID,
		ScheduleID:  scheduleID,
		Status:      domain.ReservationPending,
		TotalAmount: total,
	}

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		if err := s.store.Holds().With(tx).MarkConsumed(ctx, scheduleID, seatIDs, userID); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		if err := s.store.Reservations().With(tx).Insert(ctx, res, seats); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		if _, err := s.store.Payments().With(tx).Create(ctx, reservationID); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateSchedule(ctx, scheduleID)
			_ = s.pubsub.PublishScheduleChanged(ctx, scheduleID)
		})

		return nil
	})
	if err != nil {
		if revertErr := s.locks.RevertConsume(ctx, scheduleID, seatIDs, userID, s.cfg.ConsumeGrace); revertErr != nil {
			return nil, fmt.Errorf("%s: revert consume: %w: %w", op, revertErr, err)
		}

		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &domain.ReservationWithSeats{Reservation: res, Seats: seats}, nil
}

// CancelReservation cancels the user's reservation, deletes its seat line
// items and frees the seats in redis so they can be held again. Holds are
// not resurrected. Canceling an already canceled reservation succeeds.
//
// Returns:
//   - error: reservation.ErrReservationNotFound if the reservation is unknown.
//   - error: reservation.ErrNotOwner if another user owns it.
func (s *Service) CancelReservation(
	ctx context.Context,
	reservationID uuid.UUID,
	userID int64,
) error {
	const op = "service.reservation.CancelReservation"

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		rsv, err := s.store.Reservations().With(tx).Get(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrReservationNotFound)
			}

			return fmt.Errorf("%s:%w", op, err)
		}

		if rsv.Reservation.UserID != userID {
			return fmt.Errorf("%s:%w", op, ErrNotOwner)
		}

		if rsv.Reservation.Status == domain.ReservationCanceled {
			return nil
		}

		scheduleID := rsv.Reservation.ScheduleID

		seatIDs, err := s.store.Reservations().With(tx).DeleteSeats(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		if err := s.store.Reservations().With(tx).UpdateStatus(ctx, reservationID, domain.ReservationCanceled); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		after(func(ctx context.Context) {
			_ = s.locks.FreeSold(ctx, scheduleID, seatIDs)
			_ = s.cache.InvalidateSchedule(ctx, scheduleID)
			_ = s.pubsub.PublishScheduleChanged(ctx, scheduleID)
		})

		return nil
	})
	if err != nil {
		return err
	}

	return nil
}

// GetReservation returns the user's reservation with its line items.
func (s *Service) GetReservation(
	ctx context.Context,
	reservationID uuid.UUID,
	userID int64,
) (*domain.ReservationWithSeats, error) {
	const op = "service.reservation.GetReservation"

	rsv, err := s.store.Reservations().Get(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s:%w", op, ErrReservationNotFound)
		}

		return nil, fmt.Errorf("%s:%w", op, err)
	}

	if rsv.Reservation.UserID != userID {
		return nil, fmt.Errorf("%s:%w", op, ErrNotOwner)
	}

	return rsv, nil
}

// CountSeatsByReservationIDs returns how many seats each reservation holds.
// Unknown IDs are absent from the result. The per-schedule aggregation is
// cached; MarkSeatsSold invalidates it on every sale, locally and through
// pubsub for peer instances.
func (s *Service) CountSeatsByReservationIDs(
	ctx context.Context,
	scheduleID int64,
	ids []uuid.UUID,
) (map[uuid.UUID]int, error) {
	const op = "service.reservation.CountSeatsByReservationIDs"

	counts, err := redisrepo.GetOrSetJSON(
		ctx, s.cache, redisx.KeyScheduleSeatCounts(scheduleID), seatCountsTTL,
		func(ctx context.Context) (map[uuid.UUID]int, error) {
			return s.store.Reservations().CountSeatsBySchedule(ctx, scheduleID)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	out := make(map[uuid.UUID]int, len(ids))
	for _, id := range ids {
		if n, ok := counts[id]; ok {
			out[id] = n
		}
	}

	return out, nil
}

// MarkSeatsSold flips the reservation's seats to SOLD in the catalog. Called
// on payment approval and replayed by the outbox when the first attempt
// failed.
func (s *Service) MarkSeatsSold(
	ctx context.Context,
	scheduleID int64,
	reservationID uuid.UUID,
) error {
	const op = "service.reservation.MarkSeatsSold"

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		if err := s.store.Catalog().With(tx).MarkSeatsSold(ctx, scheduleID, reservationID); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		after(func(ctx context.Context) {
			_ = s.cache.InvalidateSchedule(ctx, scheduleID)
			_ = s.pubsub.PublishScheduleChanged(ctx, scheduleID)
		})

		return nil
	})
	if err != nil {
		return err
	}

	return nil
}

// ExpireHolds releases every ACTIVE hold whose expiry has passed, appends
// the release log rows and releases any leftover redis locks still owned by
// the expired holder. Called by the sweep scheduler.
//
// Returns the number of holds released.
func (s *Service) ExpireHolds(ctx context.Context) (int, error) {
	const op = "service.reservation.ExpireHolds"

	now := time.Now()

	var expired []domain.SeatHold

	err := s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		holds, err := s.store.Holds().With(tx).ReleaseExpired(ctx, now, expireBatchSize)
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		if len(holds) == 0 {
			return nil
		}

		if err := s.store.HoldLogs().With(tx).AppendReleaseBatch(ctx, holds, now); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		expired = holds

		after(func(ctx context.Context) {
			schedules := make(map[int64]struct{}, len(holds))
			for _, h := range holds {
				// Compare-owner release: the redis TTL usually beats the
				// sweep, and the seat may already belong to a new holder
				// whose lock must survive this cleanup.
				_ = s.locks.Release(ctx, h.ScheduleID, h.SeatID, h.UserID)
				schedules[h.ScheduleID] = struct{}{}
			}

			for scheduleID := range schedules {
				_ = s.cache.InvalidateSchedule(ctx, scheduleID)
				_ = s.pubsub.PublishScheduleChanged(ctx, scheduleID)
			}
		})

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(expired), nil
}

func (s *Service) releaseLocks(ctx context.Context, scheduleID int64, seatIDs []int64, userID int64) {
	for _, seatID := range seatIDs {
		_ = s.locks.Release(ctx, scheduleID, seatID, userID)
	}
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.cfg.HoldTTL
	}

	if ttl < s.cfg.MinHoldTTL {
		return s.cfg.MinHoldTTL
	}

	if ttl > s.cfg.MaxHoldTTL {
		return s.cfg.MaxHoldTTL
	}

	return ttl
}

func normalizeSeatIDs(seatIDs []int64) []int64 {
	if len(seatIDs) == 0 {
		return nil
	}

	out := slices.Clone(seatIDs)
	slices.Sort(out)

	return slices.Compact(out)
}
