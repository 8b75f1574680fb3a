package eventbus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeEchoSent, Data: "hello"})

	e := <-ch
	if e.Type != TypeEchoSent {
		t.Fatalf("type = %q", e.Type)
	}
	if e.Time.IsZero() {
		t.Fatal("publish must stamp the event time")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Must not block even though nobody is draining.
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "t"})
	}
	if len(ch) != 1 {
		t.Fatalf("queue length = %d, want 1", len(ch))
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic on the closed channel.
	b.Publish(Event{Type: "t"})
}
