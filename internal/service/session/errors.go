package session

import "errors"

var (
	ErrInvalidWaitingToken  = errors.New("waiting token is invalid or expired")
	ErrDuplicateTokenUse    = errors.New("waiting token is already being exchanged")
	ErrInvalidSession       = errors.New("booking session is invalid or expired")
	ErrScheduleMismatch     = errors.New("booking session belongs to another schedule")
	ErrMissingSessionHeader = errors.New("booking session header is missing")
)
