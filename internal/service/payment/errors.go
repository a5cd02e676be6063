package payment

import "errors"

var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrInvalidTransition   = errors.New("payment state transition not allowed")
	ErrReservationNotFound = errors.New("reservation not found")
)
