package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "job.created", Data: "j-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "job.created" {
				t.Fatalf("Type = %q, want job.created", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("Publish did not stamp Time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()

	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "transfer.sent"})
	b.Publish(Event{Type: "transfer.sent"}) // buffer full, must not block

	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "job.completed"})
}
