// Package sched implements a minimal cooperative scheduler for a fixed set of
// never-terminating tasks together with the wake primitives tasks suspend on.
//
// Each task runs on its own goroutine but control is handed back and forth between the
// scheduler and exactly one task at a time, so there is a single logical thread of
// control: task code between two suspension points never interleaves with other task
// code. Interrupt sources (see package irq) are the only truly asynchronous actors and
// interact with tasks exclusively through [Waker] and [Notify], both of which are safe
// to use from any goroutine.
//
// All memory is reserved by [New]. Running the scheduler does not allocate.
package sched

import (
	"errors"
	"log/slog"
	"math/bits"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/soypat/coopnet/internal"
)

// MaxTasks is the maximum number of tasks a [Scheduler] can hold. Pending state is
// tracked as a 32-bit mask.
const MaxTasks = 32

// Mode selects how the scheduler picks tasks to resume on each iteration.
type Mode uint8

const (
	// ModeGated resumes a task only after its wake condition fired. Idle iterations
	// wait for a wake or for the earliest task deadline.
	ModeGated Mode = iota
	// ModeExhaustive resumes every task on every iteration regardless of wake state.
	// It is a busy loop meant for bring-up.
	ModeExhaustive
)

func (m Mode) String() string {
	switch m {
	case ModeGated:
		return "gated"
	case ModeExhaustive:
		return "exhaustive"
	}
	return "unknown"
}

// TaskFunc is the body of a task. The scheduler calls it in an endless loop, so a task
// can never complete. A body that suspended before returning is called again right
// away, within the same resumption; it is not resumed again until whatever it waits on
// next fires. A body that returns without suspending yields and is called again on the
// next scheduler iteration.
type TaskFunc func(t *Task)

// Config configures a [Scheduler].
type Config struct {
	Mode Mode
	// Now returns the current time. Defaults to [time.Now].
	Now    func() time.Time
	Logger *slog.Logger
}

var (
	errNoTasks       = errors.New("sched: no tasks")
	errTooManyTasks  = errors.New("sched: too many tasks")
	errNilTask       = errors.New("sched: nil task body")
	errIterExhausted = errors.New("sched: iteration limit reached before condition")
)

// Scheduler resumes a fixed array of tasks. Use [New] to create one.
type Scheduler struct {
	tasks   []Task
	all     uint32
	pending atomix.Uint32
	// doorbell rings when a task is woken so an idle scheduler stops waiting.
	doorbell chan struct{}
	// yield receives the baton back from the running task.
	yield   chan struct{}
	timer   *time.Timer
	mode    Mode
	_now    func() time.Time
	running *Task
	iters   uint64
	logger
}

// New creates a scheduler holding the given task bodies in index order. Task i
// is resumed before task i+1 when both are ready. Every task is ready for its first
// resumption.
func New(cfg Config, bodies ...TaskFunc) (*Scheduler, error) {
	if len(bodies) == 0 {
		return nil, errNoTasks
	} else if len(bodies) > MaxTasks {
		return nil, errTooManyTasks
	}
	for _, b := range bodies {
		if b == nil {
			return nil, errNilTask
		}
	}
	s := &Scheduler{
		tasks:    make([]Task, len(bodies)),
		doorbell: make(chan struct{}, 1),
		yield:    make(chan struct{}),
		timer:    time.NewTimer(time.Hour),
		mode:     cfg.Mode,
		_now:     cfg.Now,
		logger:   logger{log: cfg.Logger},
	}
	s.timer.Stop()
	if len(bodies) == MaxTasks {
		s.all = ^uint32(0)
	} else {
		s.all = 1<<len(bodies) - 1
	}
	for i := range s.tasks {
		t := &s.tasks[i]
		t.s = s
		t.idx = i
		t.bit = 1 << i
		t.body = bodies[i]
		t.resume = make(chan struct{})
		go t.main()
	}
	s.pending.Store(s.all)
	s.debug("sched:new", slog.Int("tasks", len(bodies)), slog.String("mode", s.mode.String()))
	return s, nil
}

// Run drives the tasks forever.
func (s *Scheduler) Run() {
	for {
		if s.Step() == 0 && s.mode == ModeGated {
			s.idle(0)
		}
	}
}

// Step performs a single scheduler iteration and returns the number of tasks resumed.
// Wakes recorded while a task runs are picked up by the next iteration.
func (s *Scheduler) Step() int {
	s.iters++
	s.expireDeadlines(s.now())
	ready := s.pending.Swap(0)
	if s.mode == ModeExhaustive {
		ready = s.all
	}
	n := 0
	for ready != 0 {
		i := bits.TrailingZeros32(ready)
		ready &^= 1 << i
		s.resume(&s.tasks[i])
		n++
	}
	return n
}

// RunUntil steps the scheduler until cond returns true, checking it before every
// iteration. It returns an error if cond is still false after maxIter iterations.
// Idle waits are capped so that a stuck condition is reported instead of hanging.
func (s *Scheduler) RunUntil(cond func() bool, maxIter int) error {
	const idleCap = 50 * time.Millisecond
	for i := 0; i < maxIter; i++ {
		if cond() {
			return nil
		}
		if s.Step() == 0 && s.mode == ModeGated {
			s.idle(idleCap)
		}
	}
	if cond() {
		return nil
	}
	return errIterExhausted
}

// Task returns the task at index i.
func (s *Scheduler) Task(i int) *Task {
	return &s.tasks[i]
}

// Len returns the number of tasks.
func (s *Scheduler) Len() int { return len(s.tasks) }

// Iterations returns the number of scheduler iterations performed.
func (s *Scheduler) Iterations() uint64 { return s.iters }

// Pending reports whether any task has a recorded wake not yet consumed.
func (s *Scheduler) Pending() bool {
	return s.pending.Load() != 0
}

func (s *Scheduler) resume(t *Task) {
	t.deadline = time.Time{} // Registrations are consumed by resumption.
	t.resumptions++
	s.running = t
	s.trace("sched:resume", slog.Int("task", t.idx), slog.Uint64("n", t.resumptions))
	t.resume <- struct{}{}
	<-s.yield
	s.running = nil
}

// wake records bit as pending and rings the doorbell. Safe from any goroutine.
func (s *Scheduler) wake(bit uint32) {
	for {
		old := s.pending.Load()
		if old&bit != 0 || s.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case s.doorbell <- struct{}{}:
	default:
	}
}

func (s *Scheduler) expireDeadlines(now time.Time) {
	for i := range s.tasks {
		t := &s.tasks[i]
		if !t.deadline.IsZero() && !now.Before(t.deadline) {
			t.deadline = time.Time{}
			s.wake(t.bit)
		}
	}
}

func (s *Scheduler) nextDeadline() (next time.Time, ok bool) {
	for i := range s.tasks {
		d := s.tasks[i].deadline
		if d.IsZero() {
			continue
		}
		if !ok || d.Before(next) {
			next = d
			ok = true
		}
	}
	return next, ok
}

// idle waits until a wake is recorded or the earliest task deadline passes.
// A non-zero maxWait bounds the wait.
func (s *Scheduler) idle(maxWait time.Duration) {
	if s.pending.Load() != 0 {
		return
	}
	wait := maxWait
	if next, ok := s.nextDeadline(); ok {
		until := next.Sub(s.now())
		if until <= 0 {
			return
		} else if wait == 0 || until < wait {
			wait = until
		}
	}
	if wait == 0 {
		<-s.doorbell
		return
	}
	s.timer.Reset(wait)
	select {
	case <-s.doorbell:
	case <-s.timer.C:
	}
	s.timer.Stop()
}

func (s *Scheduler) now() time.Time {
	if s._now == nil {
		return time.Now()
	}
	return s._now()
}

type logger struct {
	log *slog.Logger
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	if internal.LogEnabled(l.log, internal.LevelTrace) {
		internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
	}
}
