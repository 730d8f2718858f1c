package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New(16, nil)

	var got []Event
	bus.Subscribe(TaskCreated, func(ev Event) {
		got = append(got, ev)
	})

	bus.Publish(Event{Type: TaskCreated, Path: "proj/api"})
	bus.Publish(Event{Type: TaskDeleted, Path: "proj/api"})

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(got))
	}
	if got[0].Path != "proj/api" {
		t.Fatalf("unexpected path %s", got[0].Path)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", got[0])
	}
}

func TestWildcardAndUnsubscribe(t *testing.T) {
	bus := New(16, nil)

	count := 0
	sub := bus.Subscribe("", func(Event) { count++ })

	bus.Publish(Event{Type: TaskCreated})
	bus.Publish(Event{Type: TaskUpdated})
	bus.Unsubscribe(sub)
	bus.Publish(Event{Type: TaskDeleted})

	if count != 2 {
		t.Fatalf("expected 2 events before unsubscribe, got %d", count)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	bus := New(16, nil)

	bus.Subscribe(TaskCreated, func(Event) { panic("boom") })
	delivered := false
	bus.Subscribe(TaskCreated, func(Event) { delivered = true })

	bus.Publish(Event{Type: TaskCreated})

	if !delivered {
		t.Fatal("second handler not reached after panic in first")
	}
}

func TestHistoryBoundedAndFiltered(t *testing.T) {
	bus := New(4, nil)

	for i := 0; i < 6; i++ {
		bus.Publish(Event{Type: TaskUpdated, EntityID: string(rune('a' + i))})
	}

	hist := bus.History("", time.Time{})
	if len(hist) != 4 {
		t.Fatalf("expected history capped at 4, got %d", len(hist))
	}
	// Oldest retained entry is the third published event.
	if hist[0].EntityID != "c" {
		t.Fatalf("expected oldest retained event c, got %s", hist[0].EntityID)
	}

	if got := bus.History(TaskCreated, time.Time{}); len(got) != 0 {
		t.Fatalf("type filter returned %d events", len(got))
	}
}
