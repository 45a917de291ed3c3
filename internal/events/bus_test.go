package events

import (
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceAgent, Kind: KindRequestStart})
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceLLM, Kind: KindLLMResponse, Data: map[string]any{"tokens_in": 12}})

	select {
	case e := <-ch:
		if e.Kind != KindLLMResponse {
			t.Errorf("unexpected kind %q", e.Kind)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp should be filled on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(8)
	ch2 := b.Subscribe(8)
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Source: SourceAgent, Kind: KindToolCall})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive the event", i)
		}
	}
}

func TestPublishFullSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Second publish must not block even though the buffer is full.
	b.Publish(Event{Kind: KindRequestStart})
	b.Publish(Event{Kind: KindRequestComplete})

	if e := <-ch; e.Kind != KindRequestStart {
		t.Errorf("expected the first event, got %q", e.Kind)
	}
	select {
	case e := <-ch:
		t.Errorf("second event should have been dropped, got %q", e.Kind)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)
}
