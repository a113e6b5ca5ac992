package rpc

import (
	"encoding/json"
	"testing"
)

func TestPendingPublishCompletesOnce(t *testing.T) {
	p := newPending()
	ch := p.register("ev1")

	if !p.publish("ev1", json.RawMessage(`{"ok":1}`)) {
		t.Fatal("expected a waiter to complete")
	}
	if got := <-ch; string(got) != `{"ok":1}` {
		t.Fatalf("waiter got %s", got)
	}

	// Second result for the same name finds nobody.
	if p.publish("ev1", json.RawMessage(`{"ok":2}`)) {
		t.Fatal("double-complete must be impossible")
	}
}

func TestPendingUnknownNameDropped(t *testing.T) {
	p := newPending()
	if p.publish("never-registered", json.RawMessage(`{}`)) {
		t.Fatal("unknown event-name must be dropped")
	}
}

func TestPendingDropPreventsLateDelivery(t *testing.T) {
	p := newPending()
	p.register("ev2")
	p.drop("ev2")

	if p.publish("ev2", json.RawMessage(`{}`)) {
		t.Fatal("late arrival after drop must find no waiter")
	}
	if p.size() != 0 {
		t.Fatalf("drop must not leak, size = %d", p.size())
	}
}

func TestPendingManyWaiters(t *testing.T) {
	p := newPending()
	a := p.register("a")
	b := p.register("b")

	p.publish("b", json.RawMessage(`"B"`))
	p.publish("a", json.RawMessage(`"A"`))

	if got := <-a; string(got) != `"A"` {
		t.Fatalf("waiter a got %s", got)
	}
	if got := <-b; string(got) != `"B"` {
		t.Fatalf("waiter b got %s", got)
	}
}
