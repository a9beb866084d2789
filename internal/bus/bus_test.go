package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("research.")
	defer b.Unsubscribe(sub)

	b.Publish("research.run.state_changed", "payload")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "research.run.state_changed" {
			t.Errorf("topic = %s", ev.Topic)
		}
		if ev.Payload != "payload" {
			t.Errorf("payload = %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("research.node.")
	defer b.Unsubscribe(sub)

	b.Publish("research.run.state_changed", nil)
	b.Publish("research.node.completed", nil)

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "research.node.completed" {
			t.Errorf("prefix filter leaked topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}
	select {
	case ev := <-sub.Ch():
		t.Errorf("unexpected second event: %s", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish("anything.at.all", nil)
	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("empty prefix must match every topic")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("research.")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Error("channel must be closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d", n)
	}
	// A second unsubscribe is a no-op, not a double close.
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("research.")
	defer b.Unsubscribe(sub)

	// Publish must not block once the buffer is full.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("research.run.progress", i)
	}
	if got := len(sub.ch); got != defaultBufferSize {
		t.Errorf("buffered = %d, want %d", got, defaultBufferSize)
	}
	if got := sub.Dropped(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}
