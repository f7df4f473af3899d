package events

import (
	"errors"
	"strings"
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

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Progress("job-1", "report.txt", 512, 1024)

	select {
	case received := <-ch:
		if received.Type != EventProgress {
			t.Errorf("expected type %s, got %s", EventProgress, received.Type)
		}
		if received.CorrelationID != "job-1" {
			t.Errorf("expected correlation job-1, got %s", received.CorrelationID)
		}
		if received.Loaded != 512 || received.Total != 1024 {
			t.Errorf("progress = %d/%d", received.Loaded, received.Total)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Failed("job-2", "bad.txt", errors.New("upload rejected"))

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Type != EventError {
				t.Errorf("subscriber %d: expected error event, got %s", i, received.Type)
			}
			if received.Message != "upload rejected" {
				t.Errorf("subscriber %d: message = %q", i, received.Message)
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

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Progress("flood", "big.bin", int64(i), 200)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}

	if len(ch) != cap(ch) {
		t.Fatalf("buffer not full after flood: %d of %d", len(ch), cap(ch))
	}
}

func TestMarshalEventOmitsEmptyFields(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventComplete, CorrelationID: "job-3", Timestamp: 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, unwanted := range []string{"basename", "loaded", "total", "entry", "message"} {
		if strings.Contains(s, `"`+unwanted+`"`) {
			t.Errorf("serialized event contains empty field %q: %s", unwanted, s)
		}
	}
}
