package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbae-dev/stagepass/internal/domain"
)

// OutboxRepo owns the payment_outbox table. Only the outbox publisher mutates
// event status; every other component just enqueues.
type OutboxRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *OutboxRepo) With(db DB) *OutboxRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *OutboxRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Enqueue inserts a PENDING event. Callers pass the transaction that carries
// the state change the event announces, so the two commit or roll back
// together.
func (r *OutboxRepo) Enqueue(ctx context.Context, paymentID int64, eventType domain.EventType, payload []byte) (uuid.UUID, error) {
	const op = "postgres.OutboxRepo.Enqueue"

	db := r.handle()

	eventID := uuid.New()
	if _, err := db.Exec(ctx,
		`INSERT INTO payment_outbox(event_id, payment_id, event_type, payload, status, attempt_count)
       	 VALUES ($1, $2, $3, $4, $5, 0)`,
		eventID, paymentID, eventType, payload, domain.OutboxPending,
	); err != nil {
		return uuid.Nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return eventID, nil
}

// ClaimDue atomically moves due PENDING/FAILED events to PROCESSING and
// returns them. SKIP LOCKED keeps concurrent publishers from claiming the
// same rows. PROCESSING rows whose claim is older than staleBefore are
// reclaimed too: a publisher that crashed between claiming and MarkSent must
// not strand its batch forever.
func (r *OutboxRepo) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.OutboxEvent, error) {
	const op = "postgres.OutboxRepo.ClaimDue"

	db := r.handle()

	rows, err := db.Query(ctx,
		`UPDATE payment_outbox
         SET status = $1, claimed_at = $4
      	 WHERE id IN (
        	SELECT id FROM payment_outbox
         	WHERE (status = $2
         	       OR (status = $3 AND next_retry_at <= $4)
         	       OR (status = $1 AND claimed_at <= $5))
         	ORDER BY created_at
         	LIMIT $6
         	FOR UPDATE SKIP LOCKED
      	 )
      	 RETURNING id, event_id, payment_id, event_type, payload, status, attempt_count, next_retry_at, claimed_at, sent_at, created_at`,
		domain.OutboxProcessing, domain.OutboxPending, domain.OutboxFailed, now, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.PaymentID, &e.EventType, &e.Payload, &e.Status, &e.AttemptCount, &e.NextRetryAt, &e.ClaimedAt, &e.SentAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

func (r *OutboxRepo) MarkSent(ctx context.Context, id int64, at time.Time) error {
	const op = "postgres.OutboxRepo.MarkSent"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`UPDATE payment_outbox SET status = $2, sent_at = $3 WHERE id = $1`,
		id, domain.OutboxSent, at,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// MarkFailed records a delivery failure: attempt count up, next retry per the
// caller's backoff.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time) error {
	const op = "postgres.OutboxRepo.MarkFailed"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`UPDATE payment_outbox
         SET status = $2, attempt_count = attempt_count + 1, next_retry_at = $3
      	 WHERE id = $1`,
		id, domain.OutboxFailed, nextRetryAt,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// MarkAbandoned is terminal and operator-visible; abandoned events are never
// deleted by the publisher.
func (r *OutboxRepo) MarkAbandoned(ctx context.Context, id int64) error {
	const op = "postgres.OutboxRepo.MarkAbandoned"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`UPDATE payment_outbox
         SET status = $2, attempt_count = attempt_count + 1
      	 WHERE id = $1`,
		id, domain.OutboxAbandoned,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ListByPayment returns a payment's events in insertion order, which is the
// only per-reservation ordering guarantee the outbox provides.
func (r *OutboxRepo) ListByPayment(ctx context.Context, paymentID int64) ([]domain.OutboxEvent, error) {
	const op = "postgres.OutboxRepo.ListByPayment"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT id, event_id, payment_id, event_type, payload, status, attempt_count, next_retry_at, claimed_at, sent_at, created_at
       	 FROM payment_outbox
      	 WHERE payment_id = $1
      	 ORDER BY created_at`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.PaymentID, &e.EventType, &e.Payload, &e.Status, &e.AttemptCount, &e.NextRetryAt, &e.ClaimedAt, &e.SentAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}
