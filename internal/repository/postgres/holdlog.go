package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbae-dev/stagepass/internal/domain"
)

// HoldLogRepo appends to the seat_hold_logs ledger. Rows are write-once: a
// release is a fresh row with hold_started_at = hold_expired_at = now and
// released = true, never an update of the original hold row.
type HoldLogRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *HoldLogRepo) With(db DB) *HoldLogRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *HoldLogRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *HoldLogRepo) AppendHold(
	ctx context.Context,
	seatID, userID int64,
	startedAt, expiresAt time.Time,
) error {
	const op = "postgres.HoldLogRepo.AppendHold"

	db := r.handle()

	_, err := db.Exec(ctx,
		`INSERT INTO seat_hold_logs(seat_id, user_id, hold_started_at, hold_expired_at, released)
       	 VALUES ($1, $2, $3, $4, false)`,
		seatID, userID, startedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

func (r *HoldLogRepo) AppendRelease(ctx context.Context, seatID, userID int64, at time.Time) error {
	const op = "postgres.HoldLogRepo.AppendRelease"

	db := r.handle()

	_, err := db.Exec(ctx,
		`INSERT INTO seat_hold_logs(seat_id, user_id, hold_started_at, hold_expired_at, released)
       	 VALUES ($1, $2, $3, $3, true)`,
		seatID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// AppendReleaseBatch writes one release row per hold in a single round trip.
// Used by the sweeper after it flips a batch of expired holds.
func (r *HoldLogRepo) AppendReleaseBatch(ctx context.Context, holds []domain.SeatHold, at time.Time) error {
	const op = "postgres.HoldLogRepo.AppendReleaseBatch"

	if len(holds) == 0 {
		return nil
	}

	db := r.handle()

	batch := &pgx.Batch{}
	for _, h := range holds {
		batch.Queue(
			`INSERT INTO seat_hold_logs(seat_id, user_id, hold_started_at, hold_expired_at, released)
         	 VALUES ($1, $2, $3, $3, true)`,
			h.SeatID, h.UserID, at,
		)
	}
	if err := db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// ListBySeat returns the full hold history of a seat, oldest first.
func (r *HoldLogRepo) ListBySeat(ctx context.Context, seatID int64, limit int) ([]domain.SeatHoldLogEntry, error) {
	const op = "postgres.HoldLogRepo.ListBySeat"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT id, seat_id, user_id, hold_started_at, hold_expired_at, released, created_at
       	 FROM seat_hold_logs
      	 WHERE seat_id = $1
      	 ORDER BY created_at
      	 LIMIT $2`,
		seatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.SeatHoldLogEntry
	for rows.Next() {
		var e domain.SeatHoldLogEntry
		if err := rows.Scan(&e.ID, &e.SeatID, &e.UserID, &e.HoldStartedAt, &e.HoldExpiredAt, &e.Released, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}
