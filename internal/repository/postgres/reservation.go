package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbae-dev/stagepass/internal/domain"
	"github.com/jbae-dev/stagepass/internal/repository"
)

type ReservationRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *ReservationRepo) With(db DB) *ReservationRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *ReservationRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

// Insert writes a reservation and its priced seat line items. Callers run it
// inside the reservation-creation transaction so that failures roll back the
// whole set of rows.
func (r *ReservationRepo) Insert(ctx context.Context, res domain.Reservation, seats []domain.ReservationSeat) error {
	const op = "postgres.ReservationRepo.Insert"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`INSERT INTO reservations(id, user_id, schedule_id, status, total_amount)
       	 VALUES ($1, $2, $3, $4, $5)`,
		res.ID, res.UserID, res.ScheduleID, res.Status, res.TotalAmount,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	batch := &pgx.Batch{}
	for _, s := range seats {
		batch.Queue(
			`INSERT INTO reservation_seats(reservation_id, seat_id, price)
         	 VALUES ($1, $2, $3)`,
			res.ID, s.SeatID, s.Price,
		)
	}
	if err := db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}

// Get returns a reservation with its seat line items.
func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.ReservationWithSeats, error) {
	const op = "postgres.ReservationRepo.Get"

	db := r.handle()

	var res domain.Reservation
	err := db.QueryRow(ctx,
		`SELECT id, user_id, schedule_id, status, total_amount, created_at, updated_at
       	 FROM reservations WHERE id = $1`,
		id,
	).Scan(&res.ID, &res.UserID, &res.ScheduleID, &res.Status, &res.TotalAmount, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	rows, err := db.Query(ctx,
		`SELECT reservation_id, seat_id, price, created_at
       	 FROM reservation_seats
      	 WHERE reservation_id = $1
      	 ORDER BY seat_id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	out := domain.ReservationWithSeats{Reservation: res}
	for rows.Next() {
		var s domain.ReservationSeat
		if err := rows.Scan(&s.ReservationID, &s.SeatID, &s.Price, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out.Seats = append(out.Seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &out, nil
}

// SeatIDs returns the seat IDs booked under a reservation.
func (r *ReservationRepo) SeatIDs(ctx context.Context, id uuid.UUID) ([]int64, error) {
	const op = "postgres.ReservationRepo.SeatIDs"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT seat_id FROM reservation_seats WHERE reservation_id = $1 ORDER BY seat_id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []int64
	for rows.Next() {
		var sid int64
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

// UpdateStatus moves a reservation to the given status.
func (r *ReservationRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ReservationStatus) error {
	const op = "postgres.ReservationRepo.UpdateStatus"

	db := r.handle()

	tag, err := db.Exec(ctx,
		`UPDATE reservations SET status = $2, updated_at = now() WHERE id = $1`,
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

// DeleteSeats removes every seat line item of a reservation and returns the
// freed seat IDs. Used by cancel and expiry, inside their transactions.
func (r *ReservationRepo) DeleteSeats(ctx context.Context, id uuid.UUID) ([]int64, error) {
	const op = "postgres.ReservationRepo.DeleteSeats"

	db := r.handle()

	rows, err := db.Query(ctx,
		`DELETE FROM reservation_seats WHERE reservation_id = $1 RETURNING seat_id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	var out []int64
	for rows.Next() {
		var sid int64
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out = append(out, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}

// CountSeatsBySchedule aggregates seat counts per reservation across one
// schedule for display purposes.
func (r *ReservationRepo) CountSeatsBySchedule(ctx context.Context, scheduleID int64) (map[uuid.UUID]int, error) {
	const op = "postgres.ReservationRepo.CountSeatsBySchedule"

	db := r.handle()

	rows, err := db.Query(ctx,
		`SELECT rs.reservation_id, count(*)
       	 FROM reservation_seats rs
       	 JOIN reservations r ON r.id = rs.reservation_id
      	 WHERE r.schedule_id = $1
      	 GROUP BY rs.reservation_id`,
		scheduleID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return out, nil
}
