package repository

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSeatAlreadyHeld = errors.New("seat already held")
	ErrSeatSold        = errors.New("seat already sold")
	ErrHoldNotFound    = errors.New("hold not found")
	ErrNotHolder       = errors.New("hold owned by another user")
	ErrHoldExpired     = errors.New("hold expired")
	ErrSessionNotFound = errors.New("booking session not found")
	ErrInvalidToken    = errors.New("waiting token invalid")
)
