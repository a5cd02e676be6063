package notify

import "testing"

func TestRegistryPublish(t *testing.T) {
	r := NewRegistry()

	ch, remove := r.Subscribe(42, 2)
	defer remove()

	if got := r.Publish(42, Event{EventID: "e1"}); got != 1 {
		t.Fatalf("Publish delivered = %d, want 1", got)
	}

	ev := <-ch
	if ev.EventID != "e1" {
		t.Errorf("EventID = %q, want e1", ev.EventID)
	}
}

func TestRegistryPublishNoSubscribers(t *testing.T) {
	r := NewRegistry()

	if got := r.Publish(7, Event{EventID: "e1"}); got != 0 {
		t.Fatalf("Publish delivered = %d, want 0", got)
	}
}

func TestRegistryPublishDropsWhenFull(t *testing.T) {
	r := NewRegistry()

	_, remove := r.Subscribe(42, 1)
	defer remove()

	if got := r.Publish(42, Event{EventID: "e1"}); got != 1 {
		t.Fatalf("first Publish delivered = %d, want 1", got)
	}

	// Buffer is full and nobody is reading; the event must be dropped, not
	// block the publisher.
	if got := r.Publish(42, Event{EventID: "e2"}); got != 0 {
		t.Fatalf("second Publish delivered = %d, want 0", got)
	}
}

func TestRegistryFanOut(t *testing.T) {
	r := NewRegistry()

	ch1, remove1 := r.Subscribe(42, 1)
	ch2, remove2 := r.Subscribe(42, 1)
	defer remove1()
	defer remove2()

	if got := r.Publish(42, Event{EventID: "e1"}); got != 2 {
		t.Fatalf("Publish delivered = %d, want 2", got)
	}

	if ev := <-ch1; ev.EventID != "e1" {
		t.Errorf("ch1 EventID = %q, want e1", ev.EventID)
	}
	if ev := <-ch2; ev.EventID != "e1" {
		t.Errorf("ch2 EventID = %q, want e1", ev.EventID)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()

	ch, remove := r.Subscribe(42, 1)

	remove()

	if _, ok := <-ch; ok {
		t.Error("channel still open after remove")
	}

	if got := r.Subscribers(42); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}

	// Removing twice must not panic.
	remove()
}
