package irq

import (
	"sync"
	"testing"
)

func TestTriggerUnmasked(t *testing.T) {
	var n int
	l := NewLine("eth", func() { n++ })
	l.Trigger()
	l.Trigger()
	if n != 2 {
		t.Fatalf("handler ran %d times, want 2", n)
	}
	if l.Runs() != 2 {
		t.Fatalf("Runs()=%d, want 2", l.Runs())
	}
	if l.Pended() {
		t.Fatal("line pended after servicing")
	}
}

func TestTriggerMaskedDeferred(t *testing.T) {
	var n int
	l := NewLine("eth", func() { n++ })
	l.Mask()
	if !InCritical() {
		t.Fatal("expected critical section")
	}
	// Trigger from another goroutine as hardware would; it must not block.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Trigger()
		}()
	}
	wg.Wait()
	if l.Runs() != 0 {
		t.Fatalf("handler ran %d times while masked", l.Runs())
	}
	if !l.Pended() {
		t.Fatal("trigger not latched while masked")
	}
	l.Unmask()
	if InCritical() {
		t.Fatal("critical section not released")
	}
	if n != 1 {
		t.Fatalf("coalesced triggers ran handler %d times, want 1", n)
	}
}

func TestMaskNesting(t *testing.T) {
	var n int
	l := NewLine("nest", func() { n++ })
	l.Mask()
	l.Mask()
	l.Trigger()
	l.Unmask()
	if n != 0 {
		t.Fatal("handler ran before outermost unmask")
	}
	if !l.Masked() {
		t.Fatal("line should still be masked")
	}
	l.Unmask()
	if n != 1 {
		t.Fatalf("handler ran %d times after unmask, want 1", n)
	}
}

func TestFree(t *testing.T) {
	var order []string
	var l *Line
	l = NewLine("free", func() { order = append(order, "isr") })
	l.Free(func() {
		order = append(order, "enter")
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Trigger()
		}()
		wg.Wait()
		order = append(order, "exit")
	})
	want := []string{"enter", "exit", "isr"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestUnmaskPanicsWhenNotMasked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var l Line
	l.Unmask()
}

func TestTriggerConcurrentWithMask(t *testing.T) {
	const triggers = 200
	var n int
	l := NewLine("eth", func() { n++ })
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < triggers; j++ {
				l.Trigger()
			}
		}()
	}
	for i := 0; i < triggers; i++ {
		l.Free(func() {})
	}
	wg.Wait()
	l.Mask()
	got := n // The handler only runs with the line's exec lock held.
	runs := l.Runs()
	l.Unmask()
	if got == 0 || got > 4*triggers {
		t.Fatalf("handler ran %d times for %d triggers", got, 4*triggers)
	}
	if l.Pended() {
		t.Fatal("trigger left pending after all goroutines finished")
	}
	if uint32(got) != runs {
		t.Fatalf("Runs()=%d, handler counted %d", runs, got)
	}
}
