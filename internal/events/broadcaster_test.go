package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}
	b.Unsubscribe(ch1)

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
	if _, ok := <-ch2; ok {
		t.Error("channel should be closed")
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventMove, Path: "7/b.txt", From: "7/a.txt"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Path != "7/b.txt" || got.From != "7/a.txt" {
				t.Errorf("subscriber %d: unexpected event %+v", i, got)
			}
			if got.Timestamp == 0 {
				t.Errorf("subscriber %d: expected timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventCreate, Path: "0/overflow.txt"})
	}

	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	if count != subscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriberBuffer, count)
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventDelete, Path: "7/gone", Timestamp: 1234567890})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["from"]; ok {
		t.Error("empty from should be omitted")
	}
	if m["path"] != "7/gone" {
		t.Errorf("unexpected path %v", m["path"])
	}
}
