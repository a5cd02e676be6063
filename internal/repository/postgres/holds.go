package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbae-dev/stagepass/internal/domain"
	"github.com/jbae-dev/stagepass/internal/repository"
)

type HoldRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *HoldRepo) With(db DB) *HoldRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *HoldRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// InsertActive records the durable mirror of a freshly acquired redis hold
// lock.
func (r *HoldRepo) InsertActive(
	ctx context.Context,
	scheduleID, seatID, userID int64,
	startedAt, expiresAt time.Time,
) (int64, error) {
	const op = "postgres.HoldRepo.InsertActive"

	db := r.handle()

	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO seat_holds(schedule_id, seat_id, user_id, state, started_at, expires_at)
       	 VALUES ($1, $2, $3, $4, $5, $6)
      	 RETURNING id`,
		scheduleID, seatID, userID, domain.HoldActive, startedAt, expiresAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return id, nil
}

// MarkReleased transitions the caller's ACTIVE hold to RELEASED. It is a
// no-op when the row is already RELEASED, matching the idempotent release
// contract of the lock store.
func (r *HoldRepo) MarkReleased(ctx context.Context, scheduleID, seatID, userID int64) error {
	const op = "postgres.HoldRepo.MarkReleased"

	db := r.handle()

	_, err := db.Exec(ctx,
		`UPDATE seat_holds
         SET state = $4, updated_at = now()
      	 WHERE schedule_id = $1 AND seat_id = $2 AND user_id = $3 AND state = $5`,
		scheduleID, seatID, userID, domain.HoldReleased, domain.HoldActive,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// MarkConsumed transitions the user's ACTIVE holds on the given seats to
// CONSUMED. The caller runs it inside the reservation-creation transaction;
// a row count short of len(seatIDs) means some hold was not ACTIVE anymore.
func (r *HoldRepo) MarkConsumed(ctx context.Context, scheduleID int64, seatIDs []int64, userID int64) error {
	const op = "postgres.HoldRepo.MarkConsumed"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE seat_holds
         SET state = $5, updated_at = now()
      	 WHERE schedule_id = $1 AND seat_id = ANY($2) AND user_id = $3 AND state = $4`,
		scheduleID, seatIDs, userID, domain.HoldActive, domain.HoldConsumed,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if int(tag.RowsAffected()) != len(seatIDs) {
		return fmt.Errorf("%s:%w", op, repository.ErrHoldNotFound)
	}

	return nil
}

// ExtendExpiry resets the expiry on the caller's ACTIVE hold.
func (r *HoldRepo) ExtendExpiry(ctx context.Context, scheduleID, seatID, userID int64, expiresAt time.Time) error {
	const op = "postgres.HoldRepo.ExtendExpiry"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE seat_holds
         SET expires_at = $4, updated_at = now()
      	 WHERE schedule_id = $1 AND seat_id = $2 AND user_id = $3 AND state = $5`,
		scheduleID, seatID, userID, expiresAt, domain.HoldActive,
	)
	if err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", op, repository.ErrHoldNotFound)
	}

	return nil
}

// ReleaseExpired flips every ACTIVE hold whose expiry has passed to RELEASED
// and returns the released rows so the sweeper can append release log entries
// and clean up any lingering redis keys.
func (r *HoldRepo) ReleaseExpired(ctx context.Context, now time.Time, limit int) ([]domain.SeatHold, error) {
	const op = "postgres.HoldRepo.ReleaseExpired"

	db := r.handle()

	rows, err := db.Query(ctx,
		`UPDATE seat_holds
         SET state = $1, updated_at = now()
      	 WHERE id IN (
        	SELECT id FROM seat_holds
         	WHERE state = $2 AND expires_at <= $3
         	ORDER BY expires_at
         	LIMIT $4
      	 )
      	 RETURNING id, schedule_id, seat_id, user_id, state, started_at, expires_at`,
		domain.HoldReleased, domain.HoldActive, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []domain.SeatHold
	for rows.Next() {
		var h domain.SeatHold
		if err := rows.Scan(&h.ID, &h.ScheduleID, &h.SeatID, &h.UserID, &h.State, &h.StartedAt, &h.ExpiresAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

// ActiveBySeat returns the ACTIVE hold for a seat, if any.
func (r *HoldRepo) ActiveBySeat(ctx context.Context, scheduleID, seatID int64) (*domain.SeatHold, error) {
	const op = "postgres.HoldRepo.ActiveBySeat"

	db := r.handle()

	var h domain.SeatHold
	err := db.QueryRow(ctx,
		`SELECT id, schedule_id, seat_id, user_id, state, started_at, expires_at
       	 FROM seat_holds
      	 WHERE schedule_id = $1 AND seat_id = $2 AND state = $3`,
		scheduleID, seatID, domain.HoldActive,
	).Scan(&h.ID, &h.ScheduleID, &h.SeatID, &h.UserID, &h.State, &h.StartedAt, &h.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &h, nil
}
