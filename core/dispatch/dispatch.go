// Package dispatch implements the immediate-drain event queue the buffer
// planner's phased pipeline (core/planner.Planner.Run) posts its per-phase
// outcomes through. It replaces the reference implementation's nested
// state-machine templates with a flat queue of pending outcome events: a
// phase posts a done/error event when it completes, and the queue is
// fully drained before control returns to the caller (run-to-completion,
// single-threaded, no cancellation mid-event).
//
// The Queue itself is policy-agnostic FIFO; callers wanting LIFO
// (immediate-run) re-entrant semantics push new events and drain in a loop
// that always services the most recently pushed event first via PopLIFO.
package dispatch

// Event is a terminal outcome (done or error) produced by one phase of a
// state machine and consumed by the next, or delivered to the owner via a
// callback once the queue drains.
type Event struct {
	// Name identifies the event for logging/diagnostics, e.g. "plan_done",
	// "plan_error".
	Name string
	// Err is non-nil for error events; nil for done events.
	Err error
}

// Queue is a small run-to-completion event buffer. The zero value is a
// ready-to-use empty queue.
type Queue struct {
	events []Event
}

// Push enqueues an event at the back of the queue.
func (q *Queue) Push(ev Event) {
	q.events = append(q.events, ev)
}

// Len reports the number of pending events.
func (q *Queue) Len() int { return len(q.events) }

// PopFIFO removes and returns the oldest pending event, in arrival order.
// Reports false when the queue is empty.
func (q *Queue) PopFIFO() (Event, bool) {
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// PopLIFO removes and returns the most recently pushed event. Used when a
// phase action re-entrantly pushes a follow-up event during its own
// dispatch: the scheduler's immediate-run policy drains that follow-up
// before returning to events queued earlier.
func (q *Queue) PopLIFO() (Event, bool) {
	n := len(q.events)
	if n == 0 {
		return Event{}, false
	}
	ev := q.events[n-1]
	q.events = q.events[:n-1]
	return ev, true
}

// Drain repeatedly pops events with pop and invokes fn on each, until the
// queue is empty or fn returns false (requesting an early stop, e.g. on the
// first error event). It returns the number of events actually drained.
func (q *Queue) Drain(pop func() (Event, bool), fn func(Event) bool) int {
	n := 0
	for {
		ev, ok := pop()
		if !ok {
			return n
		}
		n++
		if !fn(ev) {
			return n
		}
	}
}

// Callback is the owner-machine notification hook: `(owner_context, event)
// -> bool`. A nil Callback turns terminal delivery into a no-op; the
// caller is expected to have already captured the terminal error via the
// operation's returned error value.
type Callback func(ownerContext any, ev Event) bool

// Dispatch invokes cb exactly once with the terminal event, if cb is
// non-nil: owner machines deliver terminal outcomes via dispatch
// callbacks attached to the request payload.
func Dispatch(cb Callback, ownerContext any, ev Event) {
	if cb == nil {
		return
	}
	cb(ownerContext, ev)
}
