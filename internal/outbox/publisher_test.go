package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jbae-dev/stagepass/internal/domain"
	postgresrepo "github.com/jbae-dev/stagepass/internal/repository/postgres"
)

type fakeDelivery struct {
	bodies [][]byte
	err    error
}

func (f *fakeDelivery) Publish(ctx context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeExecutor struct {
	scheduleID    int64
	reservationID uuid.UUID
	calls         int
	err           error
}

func (f *fakeExecutor) MarkSeatsSold(ctx context.Context, scheduleID int64, reservationID uuid.UUID) error {
	f.calls++
	f.scheduleID = scheduleID
	f.reservationID = reservationID
	return f.err
}

type fakeEventStore struct {
	due     []domain.OutboxEvent
	sentErr map[int64]error
	sent    []int64
	failed  map[int64]time.Time
}

func (f *fakeEventStore) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.OutboxEvent, error) {
	return f.due, nil
}

func (f *fakeEventStore) MarkSent(ctx context.Context, id int64, at time.Time) error {
	if err := f.sentErr[id]; err != nil {
		return err
	}
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeEventStore) MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time) error {
	if f.failed == nil {
		f.failed = make(map[int64]time.Time)
	}
	f.failed[id] = nextRetryAt
	return nil
}

func newTestPublisher(d Delivery, e SeatSoldExecutor) *Publisher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPublisher(postgresrepo.NewStore(nil), d, e, nil, log, Config{})
}

func TestDispatchDeliversEnvelope(t *testing.T) {
	delivery := &fakeDelivery{}
	p := newTestPublisher(delivery, &fakeExecutor{})

	ev := domain.OutboxEvent{
		EventID:   uuid.New(),
		EventType: domain.EventPaymentApproved,
		Payload:   []byte(`{"reservation_id":"x"}`),
		CreatedAt: time.Now(),
	}

	if err := p.dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(delivery.bodies) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(delivery.bodies))
	}

	var env Envelope
	if err := json.Unmarshal(delivery.bodies[0], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	if env.EventID != ev.EventID.String() {
		t.Errorf("EventID = %q, want %q", env.EventID, ev.EventID)
	}
	if env.EventType != domain.EventPaymentApproved {
		t.Errorf("EventType = %q, want PAYMENT_APPROVED", env.EventType)
	}
	if string(env.Payload) != string(ev.Payload) {
		t.Errorf("Payload = %s, want %s", env.Payload, ev.Payload)
	}
}

func TestDispatchExecutesSeatSoldRetryInProcess(t *testing.T) {
	delivery := &fakeDelivery{}
	executor := &fakeExecutor{}
	p := newTestPublisher(delivery, executor)

	reservationID := uuid.New()
	payload, _ := json.Marshal(domain.SeatSoldPayload{
		ScheduleID:    9,
		ReservationID: reservationID,
	})

	ev := domain.OutboxEvent{
		EventID:   uuid.New(),
		EventType: domain.EventSeatSoldRetry,
		Payload:   payload,
	}

	if err := p.dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if executor.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", executor.calls)
	}
	if executor.scheduleID != 9 || executor.reservationID != reservationID {
		t.Errorf("executor got (%d, %s), want (9, %s)",
			executor.scheduleID, executor.reservationID, reservationID)
	}
	if len(delivery.bodies) != 0 {
		t.Errorf("retry event left the process: %d messages delivered", len(delivery.bodies))
	}
}

func TestDispatchPropagatesFailures(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.OutboxEvent
		d    *fakeDelivery
		e    *fakeExecutor
	}{
		{
			name: "delivery failure",
			ev: domain.OutboxEvent{
				EventID:   uuid.New(),
				EventType: domain.EventPaymentFailed,
				Payload:   []byte(`{}`),
			},
			d: &fakeDelivery{err: errors.New("broker down")},
			e: &fakeExecutor{},
		},
		{
			name: "executor failure",
			ev: domain.OutboxEvent{
				EventID:   uuid.New(),
				EventType: domain.EventSeatSoldRetry,
				Payload:   []byte(`{"schedule_id":1,"reservation_id":"` + uuid.NewString() + `"}`),
			},
			d: &fakeDelivery{},
			e: &fakeExecutor{err: errors.New("db down")},
		},
		{
			name: "malformed retry payload",
			ev: domain.OutboxEvent{
				EventID:   uuid.New(),
				EventType: domain.EventSeatSoldRetry,
				Payload:   []byte(`not json`),
			},
			d: &fakeDelivery{},
			e: &fakeExecutor{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPublisher(tt.d, tt.e)

			if err := p.dispatch(context.Background(), tt.ev); err == nil {
				t.Fatal("dispatch returned nil, want error")
			}
		})
	}
}

func TestDrainContinuesPastMarkSentFailure(t *testing.T) {
	due := []domain.OutboxEvent{
		{ID: 1, EventID: uuid.New(), EventType: domain.EventPaymentApproved, Payload: []byte(`{}`)},
		{ID: 2, EventID: uuid.New(), EventType: domain.EventPaymentApproved, Payload: []byte(`{}`)},
		{ID: 3, EventID: uuid.New(), EventType: domain.EventPaymentApproved, Payload: []byte(`{}`)},
	}

	delivery := &fakeDelivery{}
	store := &fakeEventStore{
		due:     due,
		sentErr: map[int64]error{2: errors.New("pg down")},
	}

	p := newTestPublisher(delivery, &fakeExecutor{})
	p.events = store

	sent, err := p.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Event 2 stays PROCESSING and is left for a stale reclaim; the rest of
	// the batch still goes out.
	if len(delivery.bodies) != 3 {
		t.Errorf("delivered %d messages, want 3", len(delivery.bodies))
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if len(store.sent) != 2 || store.sent[0] != 1 || store.sent[1] != 3 {
		t.Errorf("marked sent = %v, want [1 3]", store.sent)
	}
}

func TestFailBacksOffBelowAttemptCeiling(t *testing.T) {
	tests := []struct {
		attemptCount int
		wantBackoff  time.Duration
	}{
		{0, 2 * time.Minute},
		{1, 4 * time.Minute},
		{2, 8 * time.Minute},
	}

	for _, tt := range tests {
		store := &fakeEventStore{}
		p := newTestPublisher(&fakeDelivery{}, &fakeExecutor{})
		p.events = store

		ev := domain.OutboxEvent{
			ID:           11,
			EventID:      uuid.New(),
			EventType:    domain.EventPaymentApproved,
			AttemptCount: tt.attemptCount,
		}

		before := time.Now()
		p.fail(context.Background(), ev, errors.New("broker down"))

		next, ok := store.failed[ev.ID]
		if !ok {
			t.Fatalf("attempt_count %d: event was not marked FAILED", tt.attemptCount)
		}

		got := next.Sub(before)
		if got < tt.wantBackoff || got > tt.wantBackoff+time.Second {
			t.Errorf("attempt_count %d: next retry in %s, want about %s",
				tt.attemptCount, got, tt.wantBackoff)
		}
	}
}

func TestExhaustedComparesPreIncrementCount(t *testing.T) {
	p := newTestPublisher(&fakeDelivery{}, &fakeExecutor{})

	tests := []struct {
		attemptCount int
		want         bool
	}{
		{0, false},
		{1, false},
		{2, false},
		{3, true},
		{4, true},
	}

	for _, tt := range tests {
		ev := domain.OutboxEvent{AttemptCount: tt.attemptCount}
		if got := p.exhausted(ev); got != tt.want {
			t.Errorf("exhausted(attempt_count=%d) = %t, want %t", tt.attemptCount, got, tt.want)
		}
	}
}

func TestBackoffDoubles(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
	}

	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
