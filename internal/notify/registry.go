package notify

import (
	"sync"

	"github.com/jbae-dev/stagepass/internal/domain"
)

// Event is what a connected client receives when an outbox event concerning
// one of its reservations is delivered.
type Event struct {
	EventID   string           `json:"event_id"`
	EventType domain.EventType `json:"event_type"`
	Payload   []byte           `json:"payload"`
}

// Registry tracks live outbound channels per user. Publish never blocks: a
// subscriber that cannot keep up misses the event and is expected to refetch
// state on reconnect.
type Registry struct {
	mu   sync.RWMutex
	subs map[int64]map[chan Event]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[int64]map[chan Event]struct{})}
}

// Subscribe registers a buffered channel for the user and returns it together
// with a remove function. The caller owns the channel's consumption; Remove
// closes it.
func (r *Registry) Subscribe(userID int64, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}

	ch := make(chan Event, buffer)

	r.mu.Lock()
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[chan Event]struct{})
	}
	r.subs[userID][ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			r.mu.Lock()
			if set, ok := r.subs[userID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(r.subs, userID)
				}
			}
			r.mu.Unlock()

			close(ch)
		})
	}

	return ch, remove
}

// Publish fans the event out to every channel of the user, dropping it for
// subscribers whose buffer is full. Returns how many subscribers got it.
func (r *Registry) Publish(userID int64, ev Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var delivered int
	for ch := range r.subs[userID] {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}

	return delivered
}

// Subscribers reports how many channels the user currently has.
func (r *Registry) Subscribers(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs[userID])
}
