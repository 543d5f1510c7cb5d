package broker

import (
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message arrived")
		return Message{}
	}
}

func TestExactTopicDelivery(t *testing.T) {
	b := New(8)
	defer b.Close()

	sub := b.Subscribe("percept.vision")
	b.Publish("percept.vision", "obstacle")

	msg := receive(t, sub)
	if msg.Topic != "percept.vision" || msg.Payload != "obstacle" {
		t.Fatalf("wrong message: %+v", msg)
	}
}

func TestWildcardMatchesSingleSegment(t *testing.T) {
	b := New(8)
	defer b.Close()

	sub := b.Subscribe("percept.+")
	b.Publish("percept.vision", 1)
	b.Publish("percept.lidar", 2)
	b.Publish("percept.vision.raw", 3) // two segments after the prefix, no match
	b.Publish("alert.battery", 4)

	first := receive(t, sub)
	second := receive(t, sub)
	if first.Payload != 1 || second.Payload != 2 {
		t.Fatalf("wrong deliveries: %v, %v", first.Payload, second.Payload)
	}

	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardInMiddle(t *testing.T) {
	b := New(8)
	defer b.Close()

	sub := b.Subscribe("decision.+.recorded")
	b.Publish("decision.operator.recorded", "x")
	b.Publish("decision.operator.started", "y")

	if msg := receive(t, sub); msg.Payload != "x" {
		t.Fatalf("wrong delivery: %+v", msg)
	}
}

func TestMultipleSubscribersFanOut(t *testing.T) {
	b := New(8)
	defer b.Close()

	s1 := b.Subscribe("alert.+")
	s2 := b.Subscribe("alert.battery")
	b.Publish("alert.battery", "low")

	if msg := receive(t, s1); msg.Payload != "low" {
		t.Fatalf("s1 missed: %+v", msg)
	}
	if msg := receive(t, s2); msg.Payload != "low" {
		t.Fatalf("s2 missed: %+v", msg)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(8)
	defer b.Close()

	sub := b.Subscribe("percept.+")
	sub.Cancel()
	sub.Cancel() // idempotent

	b.Publish("percept.vision", "late")
	if _, open := <-sub.C; open {
		t.Fatal("cancelled subscription channel should be closed")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(1)
	defer b.Close()

	sub := b.Subscribe("percept.+")
	b.Publish("percept.vision", 1)
	b.Publish("percept.vision", 2) // buffer full, dropped

	if msg := receive(t, sub); msg.Payload != 1 {
		t.Fatalf("wrong first message: %+v", msg)
	}
	select {
	case msg := <-sub.C:
		t.Fatalf("dropped message still arrived: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
