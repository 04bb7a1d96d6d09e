// Package irq models a maskable interrupt line of a single core microcontroller.
//
// A [Line] has one handler. Hardware (or whatever plays the role of hardware in a
// hosted build, usually a goroutine) asserts the line with [Line.Trigger]. If the
// foreground holds the line masked the request is latched as pending and the handler
// runs exactly once when the outermost mask is released, which is how a NVIC pends an
// interrupt during a critical section. Any number of triggers while masked coalesce into
// a single handler invocation.
//
// Foreground code masks a line around every access to state the handler could also
// observe. Handlers run to completion and must not mask their own line.
package irq

import (
	"sync"

	"code.hybscloud.com/atomix"
)

// critical counts foreground critical sections open across all lines.
var critical atomix.Uint32

// InCritical reports whether the foreground currently holds any line masked.
// Cooperative schedulers use it to refuse suspension inside a critical section.
func InCritical() bool {
	return critical.LoadAcquire() != 0
}

// Line is a single maskable interrupt source. The zero value is a line with no handler
// that is unmasked.
type Line struct {
	name    string
	handler func()
	// exec is held while the handler runs and while the foreground masks the line,
	// so the two are never interleaved.
	exec    sync.Mutex
	pending atomix.Uint32
	runs    atomix.Uint32
	// depth is the foreground mask nesting level. Only the foreground touches it.
	depth int
}

// NewLine returns a named line with its handler installed.
func NewLine(name string, handler func()) *Line {
	l := &Line{name: name}
	l.SetHandler(handler)
	return l
}

// SetHandler installs the interrupt handler. It must be called during initialization,
// before any goroutine may call [Line.Trigger].
func (l *Line) SetHandler(handler func()) {
	l.handler = handler
}

// Name returns the name given to the line at construction.
func (l *Line) Name() string { return l.name }

// Trigger asserts the line. It never blocks: if the line is masked or the handler is
// already executing the request stays pending and is serviced by whoever releases the line.
func (l *Line) Trigger() {
	// Read-modify-write publishes the latch to whichever goroutine releases the line.
	l.pending.Swap(1)
	l.service()
}

// Pended reports whether a trigger is latched and not yet serviced.
func (l *Line) Pended() bool {
	return l.pending.LoadAcquire() != 0
}

// Runs returns the number of times the handler has executed.
func (l *Line) Runs() uint32 {
	return l.runs.Load()
}

// Mask masks the line for the foreground. Calls nest; the line is released when the
// outermost [Line.Unmask] is called.
func (l *Line) Mask() {
	if l.depth == 0 {
		l.exec.Lock()
	}
	l.depth++
	critical.Add(1)
}

// Unmask undoes one call to [Line.Mask]. When the outermost mask is released any pended
// trigger is serviced before Unmask returns.
func (l *Line) Unmask() {
	if l.depth <= 0 {
		panic("irq: unmask of line " + l.name + " not masked")
	}
	critical.Add(^uint32(0))
	l.depth--
	if l.depth == 0 {
		l.exec.Unlock()
		l.service()
	}
}

// Free runs fn inside a critical section with respect to l.
func (l *Line) Free(fn func()) {
	l.Mask()
	defer l.Unmask()
	fn()
}

// Masked reports whether the foreground holds the line masked.
func (l *Line) Masked() bool {
	return l.depth > 0
}

func (l *Line) service() {
	for l.pending.LoadAcquire() != 0 {
		if !l.exec.TryLock() {
			// Masked or handler executing. The holder services the pended trigger on release.
			return
		}
		if l.pending.Swap(0) != 0 && l.handler != nil {
			l.handler()
			l.runs.Add(1)
		}
		l.exec.Unlock()
	}
}
