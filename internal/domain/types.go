package domain

import (
	"time"

	"github.com/google/uuid"
)

// Audit is embedded by every persisted entity that tracks row lifecycle
// timestamps.
type Audit struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

type HoldState string

const (
	HoldActive   HoldState = "ACTIVE"
	HoldReleased HoldState = "RELEASED"
	HoldConsumed HoldState = "CONSUMED"
)

// SeatHold is the durable mirror of a redis hold lock. The redis key space is
// authoritative for mutual exclusion; these rows are what the sweeper
// reconciles after the lock has silently expired.
type SeatHold struct {
	ID         int64
	ScheduleID int64
	SeatID     int64
	UserID     int64
	State      HoldState
	StartedAt  time.Time
	ExpiresAt  time.Time
	Audit
}

// SeatHoldLogEntry is an append-only audit record of a hold lifecycle
// transition. Rows are never updated in place: a release is recorded as a
// fresh row with start=end=now and Released=true.
type SeatHoldLogEntry struct {
	ID            int64
	SeatID        int64
	UserID        int64
	HoldStartedAt time.Time
	HoldExpiredAt time.Time
	Released      bool
	CreatedAt     time.Time
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCanceled  ReservationStatus = "CANCELED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

type Reservation struct {
	ID          uuid.UUID
	UserID      int64
	ScheduleID  int64
	Status      ReservationStatus
	TotalAmount int64
	Audit
}

// ReservationSeat is a priced line item. Immutable once created; deleted only
// when the parent reservation is canceled or expired.
type ReservationSeat struct {
	ReservationID uuid.UUID
	SeatID        int64
	Price         int64
	CreatedAt     time.Time
}

type ReservationWithSeats struct {
	Reservation Reservation
	Seats       []ReservationSeat
}

type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "CREATED"
	PaymentProcessing        PaymentStatus = "PROCESSING"
	PaymentProcessingTimeout PaymentStatus = "PROCESSING_TIMEOUT"
	PaymentApproved          PaymentStatus = "APPROVED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentCanceled          PaymentStatus = "CANCELED"
)

type Payment struct {
	ID            int64
	ReservationID uuid.UUID
	Status        PaymentStatus
	RetryCount    int
	Audit
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxSent       OutboxStatus = "SENT"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxAbandoned  OutboxStatus = "ABANDONED"
)

type EventType string

const (
	EventPaymentApproved EventType = "PAYMENT_APPROVED"
	EventPaymentFailed   EventType = "PAYMENT_FAILED"
	EventPaymentCanceled EventType = "PAYMENT_CANCELED"
	EventSeatSoldRetry   EventType = "SEAT_SOLD_RETRY"
	EventSeatSoldFailed  EventType = "SEAT_SOLD_FAILED"
)

// OutboxEvent is recorded in the same transaction as the state change it
// announces and owned exclusively by the outbox publisher until it reaches
// SENT or ABANDONED. EventID is the deduplication key consumers use.
type OutboxEvent struct {
	ID           int64
	EventID      uuid.UUID
	PaymentID    int64
	EventType    EventType
	Payload      []byte
	Status       OutboxStatus
	AttemptCount int
	NextRetryAt  *time.Time
	ClaimedAt    *time.Time
	SentAt       *time.Time
	CreatedAt    time.Time
}

// PaymentEventPayload is the body of PAYMENT_* outbox events.
type PaymentEventPayload struct {
	ReservationID uuid.UUID     `json:"reservation_id"`
	PaymentID     int64         `json:"payment_id"`
	ScheduleID    int64         `json:"schedule_id"`
	Status        PaymentStatus `json:"status"`
}

// SeatSoldPayload is the body of SEAT_SOLD_RETRY and SEAT_SOLD_FAILED
// events. Retries are executed in-process by the outbox publisher.
type SeatSoldPayload struct {
	ScheduleID    int64     `json:"schedule_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
}

// CatalogSeat is the slice of catalog metadata the booking core reads.
type CatalogSeat struct {
	SeatID       int64
	ScheduleID   int64
	PriceGradeID int64
}
