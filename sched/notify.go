package sched

import (
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
)

// Notify is a single-slot, set-once-per-wait notification between any producer and
// exactly one consuming task. The zero value is ready to use and idle.
//
// A [Notify.Set] before the consumer waits is remembered, so the consumer's next wait
// completes without suspending. Many sets before a wait coalesce into one completion.
type Notify struct {
	pending atomix.Uint32
	waiter  atomic.Pointer[Task]
}

// Set marks the notifier pending and wakes the registered waiter, if any.
// It never blocks and is safe to call from interrupt handlers.
func (n *Notify) Set() {
	n.pending.Swap(1)
	if t := n.waiter.Swap(nil); t != nil {
		t.s.wake(t.bit)
	}
}

// Pending reports whether a Set has not been consumed yet.
func (n *Notify) Pending() bool {
	return n.pending.LoadAcquire() != 0
}

// UntilNext suspends t until the notifier is set, consuming the notification.
// Returns immediately if it was set since the last consumption.
func (n *Notify) UntilNext(t *Task) {
	for {
		// Registration precedes the check so a Set between the two still wakes t.
		n.waiter.Store(t)
		if n.take() {
			n.unregister(t)
			return
		}
		t.Suspend()
	}
}

func (n *Notify) take() bool {
	return n.pending.CompareAndSwap(1, 0)
}

func (n *Notify) unregister(t *Task) {
	n.waiter.CompareAndSwap(t, nil)
}

// Select suspends t until one of the notifiers is set or deadline passes. It returns
// the index of the consumed notifier, or -1 if the deadline passed first. When several
// notifiers are pending the lowest index is consumed. A zero deadline never expires.
func Select(t *Task, deadline time.Time, notifiers ...*Notify) int {
	for {
		for _, n := range notifiers {
			n.waiter.Store(t)
		}
		for i, n := range notifiers {
			if n.take() {
				unregisterAll(t, notifiers)
				return i
			}
		}
		if !deadline.IsZero() {
			if !t.Now().Before(deadline) {
				unregisterAll(t, notifiers)
				return -1
			}
			t.WakeAt(deadline)
		}
		t.Suspend()
	}
}

func unregisterAll(t *Task, notifiers []*Notify) {
	for _, n := range notifiers {
		n.unregister(t)
	}
}
