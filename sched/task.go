package sched

import (
	"time"

	"github.com/soypat/coopnet/irq"
)

// Task is a never-terminating unit of cooperative work owned by a [Scheduler].
// Methods that suspend may only be called from the task's own body.
type Task struct {
	s    *Scheduler
	idx  int
	bit  uint32
	body TaskFunc
	// resume hands the baton to the task.
	resume      chan struct{}
	deadline    time.Time
	resumptions uint64
}

func (t *Task) main() {
	<-t.resume
	for {
		n := t.resumptions
		t.body(t)
		if t.resumptions == n {
			// The body never suspended: yield so other tasks get to run.
			t.s.wake(t.bit)
			t.park()
		}
		// Otherwise the body is re-entered within the resumption that finished it.
	}
}

// park hands the baton back to the scheduler and blocks until resumed.
func (t *Task) park() {
	t.s.yield <- struct{}{}
	<-t.resume
}

// Suspend returns control to the scheduler until the task is resumed. A task is
// resumed after a [Waker] obtained from it fires, after a registered deadline passes,
// or on every iteration in exhaustive mode. Resumption does not imply the awaited
// condition holds; callers re-check it.
//
// Suspend panics if called from inside a critical section or from outside the task.
func (t *Task) Suspend() {
	if irq.InCritical() {
		panic("sched: suspend inside critical section")
	} else if t.s.running != t {
		panic("sched: suspend called outside of its task")
	}
	t.park()
}

// Yield suspends the task and makes it ready for the next scheduler iteration.
func (t *Task) Yield() {
	t.s.wake(t.bit)
	t.Suspend()
}

// Waker returns a handle that makes t ready when fired.
func (t *Task) Waker() Waker { return Waker{t: t} }

// WakeAt registers a deadline after which the scheduler resumes t. The earliest
// registration since the last resumption wins.
func (t *Task) WakeAt(deadline time.Time) {
	if t.deadline.IsZero() || deadline.Before(t.deadline) {
		t.deadline = deadline
	}
}

// SleepUntil suspends the task until deadline has passed.
func (t *Task) SleepUntil(deadline time.Time) {
	for t.Now().Before(deadline) {
		t.WakeAt(deadline)
		t.Suspend()
	}
}

// Sleep suspends the task for at least d.
func (t *Task) Sleep(d time.Duration) {
	t.SleepUntil(t.Now().Add(d))
}

// Now returns the scheduler's current time.
func (t *Task) Now() time.Time { return t.s.now() }

// Index returns the task's position in the scheduler.
func (t *Task) Index() int { return t.idx }

// Resumptions returns how many times the task has been resumed.
func (t *Task) Resumptions() uint64 { return t.resumptions }

// Waker makes a single task ready to be resumed. It is safe to fire from any goroutine,
// including interrupt handlers. Firing a zero Waker is a no-op.
type Waker struct {
	t *Task
}

// Wake marks the task ready. Wakes coalesce until the task is resumed.
func (w Waker) Wake() {
	if w.t != nil {
		w.t.s.wake(w.t.bit)
	}
}

// IsZero reports whether w refers to no task.
func (w Waker) IsZero() bool { return w.t == nil }

// WillWake reports whether w and other wake the same task.
func (w Waker) WillWake(other Waker) bool { return w.t == other.t }

// PeriodicGate releases a task at a fixed period, compensating for the time the task
// spent running between releases.
type PeriodicGate struct {
	period time.Duration
	next   time.Time
}

// NewPeriodicGate returns a gate releasing every period. The first call to
// [PeriodicGate.Next] returns immediately.
func NewPeriodicGate(period time.Duration) PeriodicGate {
	if period <= 0 {
		panic("sched: non-positive gate period")
	}
	return PeriodicGate{period: period}
}

// Next suspends t until the next period boundary.
func (g *PeriodicGate) Next(t *Task) {
	if g.next.IsZero() {
		g.next = t.Now()
	}
	t.SleepUntil(g.next)
	g.next = g.next.Add(g.period)
	if now := t.Now(); g.next.Before(now) {
		// Fell behind by more than a period: skip missed releases.
		g.next = now
	}
}
