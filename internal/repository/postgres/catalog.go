package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbae-dev/stagepass/internal/domain"
)

// CatalogRepo reads the seat and price-grade tables the performance catalog
// owns. The booking core treats the catalog as a collaborator: it only reads
// seat metadata and prices, plus the one write the checkout flow owns,
// marking seats sold.
type CatalogRepo struct {
	pool *pgxpool.Pool
	db   DB
}

func (r *CatalogRepo) With(db DB) *CatalogRepo {
	cp := *r
	cp.db = db
	return &cp
}

func (r *CatalogRepo) handle() DB {
	if r.db != nil {
		return r.db
	}
	return r.pool
}

func (r *CatalogRepo) GetSeat(ctx context.Context, seatID int64) (*domain.CatalogSeat, error) {
	const op = "postgres.CatalogRepo.GetSeat"

	db := r.handle()

	var s domain.CatalogSeat
	err := db.QueryRow(ctx,
		`SELECT id, schedule_id, price_grade_id
       	 FROM performance_seats WHERE id = $1`,
		seatID,
	).Scan(&s.SeatID, &s.ScheduleID, &s.PriceGradeID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return &s, nil
}

func (r *CatalogRepo) GetPrice(ctx context.Context, priceGradeID int64) (int64, error) {
	const op = "postgres.CatalogRepo.GetPrice"

	db := r.handle()

	var price int64
	err := db.QueryRow(ctx,
		`SELECT price FROM price_grades WHERE id = $1`,
		priceGradeID,
	).Scan(&price)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return price, nil
}

// MarkSeatsSold flips the catalog rows for a reservation's seats to SOLD.
// Runs after payment approval, and again from SEAT_SOLD_RETRY reprocessing,
// so it has to tolerate rows that are already SOLD.
func (r *CatalogRepo) MarkSeatsSold(ctx context.Context, scheduleID int64, reservationID uuid.UUID) error {
	const op = "postgres.CatalogRepo.MarkSeatsSold"

	db := r.handle()

	if _, err := db.Exec(ctx,
		`UPDATE performance_seats
         SET status = 'SOLD'
      	 WHERE schedule_id = $1
        	AND id IN (SELECT seat_id FROM reservation_seats WHERE reservation_id = $2)
        	AND status <> 'SOLD'`,
		scheduleID, reservationID,
	); err != nil {
		return fmt.Errorf("%s:%w", op, translateDBErr(err))
	}

	return nil
}
