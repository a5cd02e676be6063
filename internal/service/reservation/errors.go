package reservation

import "errors"

var (
	ErrSeatAlreadyHeld     = errors.New("seat is held by another user")
	ErrSeatSold            = errors.New("seat is already sold")
	ErrSeatNotHeldByUser   = errors.New("seat is not held by this user")
	ErrSeatHoldExpired     = errors.New("seat hold has expired")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrNotOwner            = errors.New("reservation belongs to another user")
	ErrPriceGradeNotFound  = errors.New("price grade not found")
	ErrRateLimited         = errors.New("too many hold requests")
)
