package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbae-dev/stagepass/internal/domain"
	"github.com/jbae-dev/stagepass/internal/repository"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *PaymentRepo) With(db DB) *PaymentRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *PaymentRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Create opens the payment state machine for a reservation in CREATED.
func (r *PaymentRepo) Create(ctx context.Context, reservationID uuid.UUID) (int64, error) {
	const op = "postgres.PaymentRepo.Create"

	db := r.handle()

	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO payments(reservation_id, status, retry_count)
       	 VALUES ($1, $2, 0)
      	 RETURNING id`,
		reservationID, domain.PaymentCreated,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

func (r *PaymentRepo) GetByReservation(ctx context.Context, reservationID uuid.UUID) (*domain.Payment, error) {
	const op = "postgres.PaymentRepo.GetByReservation"

	db := r.handle()

	var p domain.Payment
	err := db.QueryRow(ctx,
		`SELECT id, reservation_id, status, retry_count, created_at, updated_at
       	 FROM payments WHERE reservation_id = $1`,
		reservationID,
	).Scan(&p.ID, &p.ReservationID, &p.Status, &p.RetryCount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &p, nil
}

func (r *PaymentRepo) UpdateStatus(ctx context.Context, id int64, status domain.PaymentStatus) error {
	const op = "postgres.PaymentRepo.UpdateStatus"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE payments SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrNotFound)
	}

	return nil
}

// MarkProcessingTimeout flips a stuck PROCESSING payment to
// PROCESSING_TIMEOUT and bumps its retry count in one statement, returning
// the new count so the caller can decide between retry and failure events.
func (r *PaymentRepo) MarkProcessingTimeout(ctx context.Context, id int64) (int, error) {
	const op = "postgres.PaymentRepo.MarkProcessingTimeout"

	db := r.handle()

	var retries int
	err := db.QueryRow(ctx,
		`UPDATE payments
         SET status = $2, retry_count = retry_count + 1, updated_at = now()
      	 WHERE id = $1 AND status = $3
      	 RETURNING retry_count`,
		id, domain.PaymentProcessingTimeout, domain.PaymentProcessing,
	).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return retries, nil
}

// FindStuckProcessing returns payments that entered PROCESSING before the
// threshold and never received a gateway outcome.
func (r *PaymentRepo) FindStuckProcessing(ctx context.Context, threshold time.Time, limit int) ([]domain.Payment, error) {
	const op = "postgres.PaymentRepo.FindStuckProcessing"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT id, reservation_id, status, retry_count, created_at, updated_at
       	 FROM payments
      	 WHERE status = $1 AND updated_at <= $2
      	 ORDER BY updated_at
      	 LIMIT $3`,
		domain.PaymentProcessing, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.ReservationID, &p.Status, &p.RetryCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}
