/*
Copyright © 2025 Barqly
*/
package progress

import (
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestSubscriberSeesTerminalEvent(t *testing.T) {
	b := NewBroker()
	b.Start("op1", "starting")
	ch := b.Subscribe("op1")

	b.Publish("op1", 0.5, "encrypting")
	b.Finish("op1", nil)

	updates := collect(t, ch)
	if len(updates) == 0 {
		t.Fatal("no updates received")
	}
	last := updates[len(updates)-1]
	if !last.Terminal {
		t.Error("last update is not terminal")
	}
	if last.Err != nil {
		t.Errorf("terminal err = %v, want nil", last.Err)
	}
	if last.Fraction != 1 {
		t.Errorf("terminal fraction = %v, want 1", last.Fraction)
	}
	for _, u := range updates[:len(updates)-1] {
		if u.Terminal {
			t.Error("terminal event delivered more than once")
		}
	}
}

func TestTerminalCarriesError(t *testing.T) {
	b := NewBroker()
	b.Start("op1", "starting")
	ch := b.Subscribe("op1")

	boom := errors.New("boom")
	b.Finish("op1", boom)

	updates := collect(t, ch)
	last := updates[len(updates)-1]
	if !last.Terminal || !errors.Is(last.Err, boom) {
		t.Errorf("terminal = %+v, want terminal with err %v", last, boom)
	}
}

func TestMonotonicFractions(t *testing.T) {
	b := NewBroker()
	b.Start("op1", "s")
	ch := b.Subscribe("op1")

	b.Publish("op1", 0.8, "")
	b.Publish("op1", 0.3, "") // late, lower value: must clamp
	b.Finish("op1", nil)

	updates := collect(t, ch)
	prev := -1.0
	for _, u := range updates {
		if u.Fraction < prev {
			t.Errorf("fraction went backwards: %v after %v", u.Fraction, prev)
		}
		prev = u.Fraction
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroker()
	b.Start("op1", "s")
	_ = b.Subscribe("op1") // never consumed

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("op1", float64(i)/1000, "")
		}
		b.Finish("op1", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestSubscribeAfterFinish(t *testing.T) {
	b := NewBroker()
	b.Start("op1", "s")
	b.Finish("op1", nil)

	ch := b.Subscribe("op1")
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel for finished operation")
		}
	case <-time.After(time.Second):
		t.Fatal("channel for finished operation not closed")
	}
}

func TestFinishTwiceIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start("op1", "s")
	ch := b.Subscribe("op1")
	b.Finish("op1", nil)
	b.Finish("op1", errors.New("late")) // must not panic or re-deliver

	updates := collect(t, ch)
	terminals := 0
	for _, u := range updates {
		if u.Terminal {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want exactly 1", terminals)
	}
}

func TestOperationsAreIndependent(t *testing.T) {
	b := NewBroker()
	b.Start("a", "s")
	b.Start("b", "s")
	chA := b.Subscribe("a")
	chB := b.Subscribe("b")

	b.Finish("a", nil)
	for _, u := range collect(t, chA) {
		if u.OperationID != "a" {
			t.Errorf("subscriber for a saw update for %q", u.OperationID)
		}
	}

	// b is still alive.
	b.Publish("b", 0.5, "working")
	b.Finish("b", nil)
	updates := collect(t, chB)
	if len(updates) == 0 || !updates[len(updates)-1].Terminal {
		t.Error("operation b did not complete independently")
	}
}
