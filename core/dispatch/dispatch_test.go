package dispatch

import "testing"

func TestQueue_PopFIFO_PreservesArrivalOrder(t *testing.T) {
	var q Queue
	q.Push(Event{Name: "a"})
	q.Push(Event{Name: "b"})
	q.Push(Event{Name: "c"})

	var got []string
	q.Drain(q.PopFIFO, func(ev Event) bool {
		got = append(got, ev.Name)
		return true
	})

	want := []string{"a", "b", "c"}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("event %d = %q, want %q", i, got[i], name)
		}
	}
}

func TestQueue_PopLIFO_ServicesMostRecentFirst(t *testing.T) {
	var q Queue
	q.Push(Event{Name: "a"})
	q.Push(Event{Name: "b"})
	q.Push(Event{Name: "c"})

	var got []string
	q.Drain(q.PopLIFO, func(ev Event) bool {
		got = append(got, ev.Name)
		return true
	})

	want := []string{"c", "b", "a"}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("event %d = %q, want %q", i, got[i], name)
		}
	}
}

func TestQueue_Drain_StopsOnFalse(t *testing.T) {
	var q Queue
	q.Push(Event{Name: "a"})
	q.Push(Event{Name: "b_error"})
	q.Push(Event{Name: "c"})

	n := q.Drain(q.PopFIFO, func(ev Event) bool {
		return ev.Name != "b_error"
	})

	if n != 2 {
		t.Fatalf("drained %d events, want 2 (stop at the error event)", n)
	}
	if q.Len() != 1 {
		t.Fatalf("queue has %d events left, want 1 (the undrained \"c\")", q.Len())
	}
}

func TestDispatch_NilCallback_NoOp(t *testing.T) {
	// Must not panic when no owner callback is registered.
	Dispatch(nil, struct{}{}, Event{Name: "done"})
}

func TestDispatch_InvokesCallbackWithOwnerContextAndEvent(t *testing.T) {
	type owner struct{ seen string }
	o := &owner{}

	cb := func(ownerContext any, ev Event) bool {
		ownerContext.(*owner).seen = ev.Name
		return true
	}
	Dispatch(cb, o, Event{Name: "plan_done"})

	if o.seen != "plan_done" {
		t.Fatalf("callback saw %q, want %q", o.seen, "plan_done")
	}
}
