package stream

import (
	"fmt"
	"testing"
)

func TestBus_OrderPreserved(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventToken, TokenPayload{Text: fmt.Sprintf("t%d", i)}))
	}
	bus.CloseWith(NewEvent(EventComplete, CompletePayload{Content: "done"}))

	var got []EventType
	for ev := range bus.Subscribe() {
		got = append(got, ev.Type)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 events, got %d", len(got))
	}
	if got[len(got)-1] != EventComplete {
		t.Errorf("terminal event should be last, got %s", got[len(got)-1])
	}
}

func TestBus_TerminalIsStrictlyLast(t *testing.T) {
	bus := NewBus()
	bus.Publish(NewEvent(EventToken, TokenPayload{Text: "a"}))
	bus.CloseWith(NewEvent(EventError, ErrorPayload{Message: "boom"}))

	// Publishes after close are dropped, not delivered.
	if bus.Publish(NewEvent(EventToken, TokenPayload{Text: "late"})) {
		t.Error("publish after close should report dropped")
	}

	var last Event
	for ev := range bus.Subscribe() {
		last = ev
	}
	if last.Type != EventError {
		t.Errorf("expected error terminal last, got %s", last.Type)
	}
}

func TestBus_SecondCloseIsNoop(t *testing.T) {
	bus := NewBus()
	if !bus.CloseWith(NewEvent(EventComplete, CompletePayload{})) {
		t.Fatal("first close should succeed")
	}
	if bus.CloseWith(NewEvent(EventError, ErrorPayload{Message: "x"})) {
		t.Error("second close should be a no-op")
	}
	count := 0
	for range bus.Subscribe() {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one event, got %d", count)
	}
}

func TestBus_OverflowDropsOldest(t *testing.T) {
	bus := NewBus()
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish(NewEvent(EventToken, TokenPayload{Text: fmt.Sprintf("%d", i)}))
	}
	// Terminal must still fit even when the buffer was full.
	bus.CloseWith(NewEvent(EventComplete, CompletePayload{}))

	var last Event
	count := 0
	for ev := range bus.Subscribe() {
		last = ev
		count++
	}
	if count > subscriberBuffer {
		t.Errorf("buffer should cap delivered events, got %d", count)
	}
	if last.Type != EventComplete {
		t.Errorf("terminal should survive overflow, got %s", last.Type)
	}
}

func TestBus_PrimarySubscriberSeesHistory(t *testing.T) {
	bus := NewBus()
	bus.Publish(NewEvent(EventToken, TokenPayload{Text: "early"}))

	// The first subscriber gets everything since creation.
	primary := bus.Subscribe()
	// A second subscriber attaching now sees only later events.
	observer := bus.Subscribe()

	bus.Publish(NewEvent(EventToken, TokenPayload{Text: "mid"}))
	bus.CloseWith(NewEvent(EventComplete, CompletePayload{}))

	var primaryCount int
	for range primary {
		primaryCount++
	}
	if primaryCount != 3 {
		t.Errorf("primary events = %d, want 3", primaryCount)
	}

	var observed []EventType
	for ev := range observer {
		observed = append(observed, ev.Type)
	}
	if len(observed) != 2 || observed[len(observed)-1] != EventComplete {
		t.Errorf("observer events = %v", observed)
	}
}

func TestBus_LateSubscriberGetsTerminalOnly(t *testing.T) {
	bus := NewBus()
	bus.Subscribe() // take the primary
	bus.Publish(NewEvent(EventToken, TokenPayload{Text: "a"}))
	bus.CloseWith(NewEvent(EventError, ErrorPayload{Message: "boom"}))

	var got []EventType
	for ev := range bus.Subscribe() {
		got = append(got, ev.Type)
	}
	if len(got) != 1 || got[0] != EventError {
		t.Errorf("late subscriber events = %v", got)
	}
}
