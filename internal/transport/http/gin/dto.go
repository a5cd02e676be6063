package httpgin

import (
	"time"

	"github.com/jbae-dev/stagepass/internal/domain"
)

type CreateSessionRequest struct {
	UserID       int64  `json:"user_id" binding:"required"`
	ScheduleID   int64  `json:"schedule_id" binding:"required"`
	WaitingToken string `json:"waiting_token" binding:"required"`
	DeviceID     string `json:"device_id" binding:"required"`
}

type CreateSessionResponse struct {
	BookingSessionID string `json:"booking_session_id"`
}

type HoldRequest struct {
	SeatIDs []int64 `json:"seat_ids" binding:"required,min=1,dive,required"`
	TTLSec  int     `json:"ttl_sec"`
}

type HoldResponse struct {
	SeatIDs   []int64   `json:"seat_ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CreateReservationRequest struct {
	ScheduleID int64   `json:"schedule_id" binding:"required"`
	SeatIDs    []int64 `json:"seat_ids" binding:"required,min=1,dive,required"`
}

type ReservationSeatResponse struct {
	SeatID int64 `json:"seat_id"`
	Price  int64 `json:"price"`
}

type ReservationResponse struct {
	ReservationID string                    `json:"reservation_id"`
	ScheduleID    int64                     `json:"schedule_id"`
	Status        domain.ReservationStatus  `json:"status"`
	TotalAmount   int64                     `json:"total_amount"`
	Seats         []ReservationSeatResponse `json:"seats"`
}

type PaymentOutcomeRequest struct {
	ReservationID string `json:"reservation_id" binding:"required,uuid"`
	Outcome       string `json:"outcome" binding:"required,oneof=APPROVED FAILED CANCELED"`
}

type PaymentBeginRequest struct {
	ReservationID string `json:"reservation_id" binding:"required,uuid"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toReservationResponse(r *domain.ReservationWithSeats) ReservationResponse {
	seats := make([]ReservationSeatResponse, 0, len(r.Seats))
	for _, s := range r.Seats {
		seats = append(seats, ReservationSeatResponse{SeatID: s.SeatID, Price: s.Price})
	}

	return ReservationResponse{
		ReservationID: r.Reservation.ID.String(),
		ScheduleID:    r.Reservation.ScheduleID,
		Status:        r.Reservation.Status,
		TotalAmount:   r.Reservation.TotalAmount,
		Seats:         seats,
	}
}
