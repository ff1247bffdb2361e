package relay

import (
	"math/rand"
	"testing"
)

func newRelay() *Relay { return New(rand.New(rand.NewSource(1))) }

func TestDeliverOrdersByTickThenSequence(t *testing.T) {
	r := newRelay()
	r.Send(Message{Ref: "late", From: "a", To: "b"}, 5, 0)
	r.Send(Message{Ref: "first", From: "a", To: "b"}, 2, 0)
	r.Send(Message{Ref: "second", From: "a", To: "b"}, 2, 0)
	r.SetNow(1)
	r.Send(Message{Ref: "third", From: "a", To: "b"}, 1, 0)

	if got := r.Deliver(1); len(got) != 0 {
		t.Fatalf("delivered %d messages before schedule", len(got))
	}
	got := r.Deliver(10)
	want := []string{"first", "second", "third", "late"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Ref != w {
			t.Fatalf("position %d = %s, want %s", i, got[i].Ref, w)
		}
		if got[i].Status != StatusDelivered {
			t.Fatalf("status = %s", got[i].Status)
		}
	}
	if r.Pending() != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestDroppedMessagesAreReturned(t *testing.T) {
	r := newRelay()
	r.Send(Message{Ref: "x", From: "a", To: "b"}, 1, 1.0)
	got := r.Deliver(1)
	if len(got) != 1 || got[0].Status != StatusDropped {
		t.Fatalf("expected one dropped message, got %+v", got)
	}
	if r.Stats().Dropped != 1 {
		t.Fatalf("drop not counted")
	}
}

func TestPartitionDropsBothDirections(t *testing.T) {
	r := newRelay()
	inFlight := r.Send(Message{Ref: "before", From: "a", To: "b"}, 3, 0)
	r.Partition("b", "a")
	r.Send(Message{Ref: "during", From: "b", To: "a"}, 1, 0)
	r.Send(Message{Ref: "other", From: "a", To: "c"}, 1, 0)
	got := r.Deliver(1)
	if len(got) != 2 || got[0].Status != StatusDropped || got[1].Status != StatusDelivered {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	r.Heal("a", "b")
	got = r.Deliver(3)
	if len(got) != 1 || got[0].ID != inFlight.ID || got[0].Status != StatusDelivered {
		t.Fatalf("in-flight message should survive a healed partition: %+v", got)
	}
}

func TestRelayAcceptsReplayedNonce(t *testing.T) {
	r := newRelay()
	m := Message{Channel: "b1", Nonce: 7, From: "a", To: "b"}
	first := r.Send(m, 0, 0)
	second := r.Send(m, 0, 0)
	if first.ID == second.ID {
		t.Fatalf("resent message should get its own id")
	}
	got := r.Deliver(0)
	if len(got) != 2 || got[0].Nonce != 7 || got[1].Nonce != 7 {
		t.Fatalf("relay should deliver both copies: %+v", got)
	}
}

func TestJitterIsSeeded(t *testing.T) {
	run := func() []string {
		r := New(rand.New(rand.NewSource(42)))
		for i := 0; i < 20; i++ {
			r.SendJittered(Message{Ref: string(rune('a' + i)), From: "a", To: "b"}, 1, 5, 0.3)
		}
		var out []string
		for _, m := range r.Deliver(100) {
			out = append(out, m.Ref+string(m.Status))
		}
		return out
	}
	a, b := run(), run()
	if len(a) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("runs diverged at %d: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestInFlightSnapshotDoesNotDrain(t *testing.T) {
	r := newRelay()
	r.Send(Message{Ref: "b"}, 2, 0)
	r.Send(Message{Ref: "a"}, 1, 0)
	got := r.InFlight()
	if len(got) != 2 || got[0].Ref != "a" {
		t.Fatalf("InFlight = %+v", got)
	}
	if r.Pending() != 2 {
		t.Fatalf("InFlight drained the queue")
	}
}
