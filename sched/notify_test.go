package sched

import (
	"testing"
	"time"
)

func TestNotifySetBeforeWait(t *testing.T) {
	var n Notify
	n.Set()
	n.Set() // Coalesces.
	var done bool
	var suspended uint64
	s := newSched(t, ModeGated, func(tk *Task) {
		if done {
			park(tk)
			return
		}
		before := tk.Resumptions()
		n.UntilNext(tk)
		suspended = tk.Resumptions() - before
		done = true
	})
	if err := s.RunUntil(func() bool { return done }, 5); err != nil {
		t.Fatal(err)
	}
	if suspended != 0 {
		t.Fatalf("wait on pending notifier suspended %d times", suspended)
	}
	if n.Pending() {
		t.Fatal("notification not consumed")
	}
}

func TestNotifySingleCompletionPerSet(t *testing.T) {
	var n Notify
	var completions int
	s := newSched(t, ModeGated, func(tk *Task) {
		for {
			n.UntilNext(tk)
			completions++
		}
	})
	s.Step()
	if completions != 0 {
		t.Fatal("completed without set")
	}
	n.Set()
	n.Set()
	n.Set()
	if err := s.RunUntil(func() bool { return completions == 1 }, 20); err != nil {
		t.Fatal(err)
	}
	s.RunUntil(func() bool { return completions > 1 }, 4)
	if completions != 1 {
		t.Fatalf("three coalesced sets completed %d waits", completions)
	}
	n.Set()
	if err := s.RunUntil(func() bool { return completions == 2 }, 5); err != nil {
		t.Fatal(err)
	}
}

func TestSelectTimeout(t *testing.T) {
	var n Notify
	var got = -2
	s := newSched(t, ModeGated, func(tk *Task) {
		if got != -2 {
			park(tk)
			return
		}
		got = Select(tk, tk.Now().Add(10*time.Millisecond), &n)
	})
	if err := s.RunUntil(func() bool { return got != -2 }, 20); err != nil {
		t.Fatal(err)
	}
	if got != -1 {
		t.Fatalf("Select=%d, want -1 on timeout", got)
	}
}

func TestSelectNotify(t *testing.T) {
	var a, b Notify
	var got = -2
	s := newSched(t, ModeGated, func(tk *Task) {
		if got != -2 {
			park(tk)
			return
		}
		got = Select(tk, tk.Now().Add(time.Second), &a, &b)
	})
	s.Step()
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Set()
	}()
	if err := s.RunUntil(func() bool { return got != -2 }, 40); err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("Select=%d, want 1", got)
	}
	if b.Pending() {
		t.Fatal("selected notifier not consumed")
	}
}

func TestNotifyReturningBodyResumedOncePerSet(t *testing.T) {
	var n Notify
	var fired int
	s := newSched(t, ModeGated, func(tk *Task) {
		n.UntilNext(tk)
		fired++
	})
	s.Step()
	n.Set()
	for i := 0; i < 5; i++ {
		s.Step()
	}
	if fired != 1 {
		t.Fatalf("one set fired %d times", fired)
	}
	// Initial start plus the resumption caused by Set.
	if r := s.Task(0).Resumptions(); r != 2 {
		t.Fatalf("one set caused %d resumptions in total, want 2", r)
	}
}
