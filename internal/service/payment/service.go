package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jbae-dev/stagepass/internal/domain"
	"github.com/jbae-dev/stagepass/internal/repository"
	postgresrepo "github.com/jbae-dev/stagepass/internal/repository/postgres"
	"github.com/jbae-dev/stagepass/internal/uow"
)

// stuckBatchSize caps how many stuck payments one recovery cycle touches.
const stuckBatchSize = 100

type Config struct {
	StuckThreshold time.Duration
	MaxRetries     int
}

// Service drives the payment state machine and records every outcome in the
// same transaction as its outbox event.
type Service struct {
	store *postgresrepo.Store
	uow   *uow.UoW
	log   *slog.Logger
	cfg   Config
}

func New(store *postgresrepo.Store, log *slog.Logger, cfg Config) *Service {
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Service{
		store: store,
		uow:   uow.NewUoW(store),
		log:   log,
		cfg:   cfg,
	}
}

// BeginProcessing moves the reservation's payment from CREATED to
// PROCESSING when the gateway checkout starts. Calling it again while the
// payment is already PROCESSING succeeds.
//
// Returns:
//   - error: payment.ErrPaymentNotFound if the reservation has no payment.
//   - error: payment.ErrInvalidTransition if the payment is already settled.
func (s *Service) BeginProcessing(ctx context.Context, reservationID uuid.UUID) error {
	const op = "service.payment.BeginProcessing"

	return s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		pay, err := s.store.Payments().With(tx).GetByReservation(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrPaymentNotFound)
			}

			return fmt.Errorf("%s:%w", op, err)
		}

		switch pay.Status {
		case domain.PaymentProcessing:
			return nil
		case domain.PaymentCreated, domain.PaymentProcessingTimeout:
		default:
			return fmt.Errorf("%s:%w", op, ErrInvalidTransition)
		}

		if err := s.store.Payments().With(tx).UpdateStatus(ctx, pay.ID, domain.PaymentProcessing); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		return nil
	})
}

// ApplyOutcome settles the payment with the gateway's verdict, updates the
// reservation accordingly and enqueues the matching outbox event, all in one
// transaction. On approval the seats are flipped to SOLD; if that single
// step fails, a SEAT_SOLD_RETRY event is enqueued instead of failing the
// approval.
//
// Accepted outcomes: APPROVED, FAILED, CANCELED. Re-applying the outcome the
// payment already has succeeds.
//
// Returns:
//   - error: payment.ErrPaymentNotFound if the reservation has no payment.
//   - error: payment.ErrInvalidTransition on a conflicting settled state or
//     an unknown outcome.
func (s *Service) ApplyOutcome(
	ctx context.Context,
	reservationID uuid.UUID,
	outcome domain.PaymentStatus,
) error {
	const op = "service.payment.ApplyOutcome"

	switch outcome {
	case domain.PaymentApproved, domain.PaymentFailed, domain.PaymentCanceled:
	default:
		return fmt.Errorf("%s: outcome %q: %w", op, outcome, ErrInvalidTransition)
	}

	return s.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		pay, err := s.store.Payments().With(tx).GetByReservation(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrPaymentNotFound)
			}

			return fmt.Errorf("%s:%w", op, err)
		}

		if pay.Status == outcome {
			return nil
		}

		switch pay.Status {
		case domain.PaymentCreated, domain.PaymentProcessing, domain.PaymentProcessingTimeout:
		default:
			return fmt.Errorf("%s:%w", op, ErrInvalidTransition)
		}

		rsv, err := s.store.Reservations().With(tx).Get(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%s:%w", op, ErrReservationNotFound)
			}

			return fmt.Errorf("%s:%w", op, err)
		}

		scheduleID := rsv.Reservation.ScheduleID

		if err := s.store.Payments().With(tx).UpdateStatus(ctx, pay.ID, outcome); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		payload, err := json.Marshal(domain.PaymentEventPayload{
			ReservationID: reservationID,
			PaymentID:     pay.ID,
			ScheduleID:    scheduleID,
			Status:        outcome,
		})
		if err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		eventType := map[domain.PaymentStatus]domain.EventType{
			domain.PaymentApproved: domain.EventPaymentApproved,
			domain.PaymentFailed:   domain.EventPaymentFailed,
			domain.PaymentCanceled: domain.EventPaymentCanceled,
		}[outcome]

		if _, err := s.store.Outbox().With(tx).Enqueue(ctx, pay.ID, eventType, payload); err != nil {
			return fmt.Errorf("%s:%w", op, err)
		}

		switch outcome {
		case domain.PaymentApproved:
			if err := s.store.Reservations().With(tx).UpdateStatus(ctx, reservationID, domain.ReservationConfirmed); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}

			if err := s.store.Catalog().With(tx).MarkSeatsSold(ctx, scheduleID, reservationID); err != nil {
				s.log.Warn("mark seats sold failed, scheduling retry",
					slog.String("reservation_id", reservationID.String()),
					slog.String("error", err.Error()),
				)

				if err := s.enqueueSeatSold(ctx, tx, pay.ID, domain.EventSeatSoldRetry, scheduleID, reservationID); err != nil {
					return fmt.Errorf("%s:%w", op, err)
				}
			}

		case domain.PaymentCanceled:
			if err := s.store.Reservations().With(tx).UpdateStatus(ctx, reservationID, domain.ReservationCanceled); err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}
		}

		return nil
	})
}

// RecoverStuck moves payments that sat in PROCESSING past the threshold to
// PROCESSING_TIMEOUT. Each timeout bumps the retry count; while retries
// remain a SEAT_SOLD_RETRY event keeps the reservation recoverable, at the
// ceiling a SEAT_SOLD_FAILED event is emitted instead. Called by the sweep
// scheduler; returns how many payments were recovered.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	const op = "service.payment.RecoverStuck"

	threshold := time.Now().Add(-s.cfg.StuckThreshold)

	stuck, err := s.store.Payments().FindStuckProcessing(ctx, threshold, stuckBatchSize)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var recovered int
	for _, pay := range stuck {
		err := s.uow.Do(ctx, func(
			ctx context.Context,
			tx postgresrepo.DB,
			after func(uow.AfterCommit),
		) error {
			retries, err := s.store.Payments().With(tx).MarkProcessingTimeout(ctx, pay.ID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					// Settled between the scan and this tx.
					return nil
				}

				return fmt.Errorf("%s:%w", op, err)
			}

			rsv, err := s.store.Reservations().With(tx).Get(ctx, pay.ReservationID)
			if err != nil {
				return fmt.Errorf("%s:%w", op, err)
			}

			eventType := domain.EventSeatSoldRetry
			if retries > s.cfg.MaxRetries {
				eventType = domain.EventSeatSoldFailed
			}

			return s.enqueueSeatSold(ctx, tx, pay.ID, eventType, rsv.Reservation.ScheduleID, pay.ReservationID)
		})
		if err != nil {
			return recovered, err
		}

		recovered++
	}

	return recovered, nil
}

func (s *Service) enqueueSeatSold(
	ctx context.Context,
	tx postgresrepo.DB,
	paymentID int64,
	eventType domain.EventType,
	scheduleID int64,
	reservationID uuid.UUID,
) error {
	const op = "service.payment.enqueueSeatSold"

	payload, err := json.Marshal(domain.SeatSoldPayload{
		ScheduleID:    scheduleID,
		ReservationID: reservationID,
	})
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if _, err := s.store.Outbox().With(tx).Enqueue(ctx, paymentID, eventType, payload); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}
