package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jbae-dev/stagepass/internal/domain"
	"github.com/jbae-dev/stagepass/internal/notify"
	"github.com/jbae-dev/stagepass/internal/repository"
	postgresrepo "github.com/jbae-dev/stagepass/internal/repository/postgres"
	"github.com/jbae-dev/stagepass/internal/uow"
)

// Delivery is the downstream transport for events that leave the process.
type Delivery interface {
	Publish(ctx context.Context, body []byte) error
}

// SeatSoldExecutor replays the seat-sold side effect for SEAT_SOLD_RETRY
// events; those never leave the process.
type SeatSoldExecutor interface {
	MarkSeatsSold(ctx context.Context, scheduleID int64, reservationID uuid.UUID) error
}

// Envelope is the wire shape consumers receive. EventID is their dedup key.
type Envelope struct {
	EventID   string           `json:"eventId"`
	EventType domain.EventType `json:"eventType"`
	Payload   json.RawMessage  `json:"payload"`
	CreatedAt time.Time        `json:"createdAt"`
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int

	// StaleAfter bounds how long a PROCESSING claim is trusted before another
	// drain cycle may reclaim the row.
	StaleAfter time.Duration
}

// eventStore is the slice of the outbox repository Drain depends on.
type eventStore interface {
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.OutboxEvent, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time) error
}

// Publisher drains the payment outbox: it claims due events, delivers them
// and drives the PENDING -> PROCESSING -> SENT / FAILED / ABANDONED state
// machine with exponential backoff between attempts.
type Publisher struct {
	store    *postgresrepo.Store
	events   eventStore
	uow      *uow.UoW
	delivery Delivery
	executor SeatSoldExecutor
	registry *notify.Registry
	log      *slog.Logger
	cfg      Config
}

func NewPublisher(
	store *postgresrepo.Store,
	delivery Delivery,
	executor SeatSoldExecutor,
	registry *notify.Registry,
	log *slog.Logger,
	cfg Config,
) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}

	return &Publisher{
		store:    store,
		events:   store.Outbox(),
		uow:      uow.NewUoW(store),
		delivery: delivery,
		executor: executor,
		registry: registry,
		log:      log,
		cfg:      cfg,
	}
}

// Run blocks until the context is canceled, draining the outbox every
// interval. A failed cycle is logged and the next tick proceeds.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := p.Drain(ctx); err != nil {
				p.log.Error("outbox drain failed", slog.String("error", err.Error()))
			} else if n > 0 {
				p.log.Info("outbox drained", slog.Int("delivered", n))
			}
		}
	}
}

// Drain claims one batch of due events and dispatches each. Returns how many
// events reached SENT.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	const op = "outbox.Publisher.Drain"

	now := time.Now()
	events, err := p.events.ClaimDue(ctx, now, now.Add(-p.cfg.StaleAfter), p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, err)
	}

	var sent int
	for _, ev := range events {
		if err := p.dispatch(ctx, ev); err != nil {
			p.fail(ctx, ev, err)
			continue
		}

		// A failed status write leaves the row PROCESSING; the stale
		// reclaim picks it up later and the consumer dedups on event_id.
		if err := p.events.MarkSent(ctx, ev.ID, time.Now()); err != nil {
			p.log.Error("outbox mark sent failed",
				slog.String("event_id", ev.EventID.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		sent++

		p.notifyOwner(ctx, ev)
	}

	return sent, nil
}

func (p *Publisher) dispatch(ctx context.Context, ev domain.OutboxEvent) error {
	if ev.EventType == domain.EventSeatSoldRetry {
		var payload domain.SeatSoldPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("bad payload: %w", err)
		}

		return p.executor.MarkSeatsSold(ctx, payload.ScheduleID, payload.ReservationID)
	}

	body, err := json.Marshal(Envelope{
		EventID:   ev.EventID.String(),
		EventType: ev.EventType,
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return p.delivery.Publish(ctx, body)
}

// fail records a delivery failure: below the attempt ceiling the event goes
// back to FAILED with a backoff, at the ceiling it is abandoned. An
// abandoned SEAT_SOLD_RETRY leaves a SEAT_SOLD_FAILED event behind so the
// reservation's fate is still announced.
func (p *Publisher) fail(ctx context.Context, ev domain.OutboxEvent, cause error) {
	attempt := ev.AttemptCount + 1

	p.log.Warn("outbox event delivery failed",
		slog.String("event_id", ev.EventID.String()),
		slog.String("event_type", string(ev.EventType)),
		slog.Int("attempt", attempt),
		slog.String("error", cause.Error()),
	)

	if !p.exhausted(ev) {
		next := time.Now().Add(backoff(attempt))
		if err := p.events.MarkFailed(ctx, ev.ID, next); err != nil {
			p.log.Error("outbox mark failed", slog.String("error", err.Error()))
		}

		return
	}

	err := p.uow.Do(ctx, func(
		ctx context.Context,
		tx postgresrepo.DB,
		after func(uow.AfterCommit),
	) error {
		if err := p.store.Outbox().With(tx).MarkAbandoned(ctx, ev.ID); err != nil {
			return err
		}

		if ev.EventType == domain.EventSeatSoldRetry {
			if _, err := p.store.Outbox().With(tx).Enqueue(ctx, ev.PaymentID, domain.EventSeatSoldFailed, ev.Payload); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		p.log.Error("outbox abandon failed",
			slog.String("event_id", ev.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// exhausted reports whether the event has already burned MaxAttempts
// deliveries, each recorded as a FAILED round trip. The comparison happens
// before this failure's increment, so an event is marked FAILED exactly
// MaxAttempts times before it is abandoned.
func (p *Publisher) exhausted(ev domain.OutboxEvent) bool {
	return ev.AttemptCount >= p.cfg.MaxAttempts
}

// notifyOwner pushes the delivered event to the reservation owner's live
// channels, when any are connected. Best effort.
func (p *Publisher) notifyOwner(ctx context.Context, ev domain.OutboxEvent) {
	if p.registry == nil {
		return
	}

	var ref struct {
		ReservationID uuid.UUID `json:"reservation_id"`
	}
	if err := json.Unmarshal(ev.Payload, &ref); err != nil || ref.ReservationID == uuid.Nil {
		return
	}

	rsv, err := p.store.Reservations().Get(ctx, ref.ReservationID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			p.log.Warn("notify lookup failed", slog.String("error", err.Error()))
		}

		return
	}

	p.registry.Publish(rsv.Reservation.UserID, notify.Event{
		EventID:   ev.EventID.String(),
		EventType: ev.EventType,
		Payload:   ev.Payload,
	})
}

// backoff doubles per attempt: 2m, 4m, 8m, ...
func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Minute
}
