// Package stack holds the network state shared between cooperative tasks and the
// interrupt handler of the network peripheral, and the task that polls it.
//
// The protocol engine and its socket table live in a [Cell]. Every access goes
// through [Cell.Borrow], which masks the cell's interrupt line for the duration of
// the borrow, so a borrow is atomic with respect to the interrupt handler and to
// every other task.
package stack

import (
	"github.com/soypat/coopnet/irq"
)

// State is the data protected by the stack [Cell].
type State struct {
	Sockets SocketSet
	Engine  Engine
}

// Stack is the cell shared by every network task.
type Stack = Cell[State]

// Cell grants exclusive, non-reentrant access to a value of type T. Borrows are
// critical sections with respect to the cell's interrupt line.
type Cell[T any] struct {
	line     *irq.Line
	borrowed bool
	v        T
}

// NewCell returns a cell holding v whose borrows mask line. A nil line means no
// interrupt handler ever touches v.
func NewCell[T any](line *irq.Line, v T) *Cell[T] {
	return &Cell[T]{line: line, v: v}
}

// NewStack returns the stack cell with an empty socket table over slots.
func NewStack(line *irq.Line, engine Engine, slots []Socket) *Stack {
	return NewCell(line, State{Sockets: NewSocketSet(slots), Engine: engine})
}

// Borrow runs fn with exclusive access to the cell's value. Borrows must be short and
// fn must not suspend the calling task. Borrowing a cell that is already borrowed panics.
func (c *Cell[T]) Borrow(fn func(v *T)) {
	if c.line != nil {
		c.line.Mask()
		defer c.line.Unmask()
	}
	if c.borrowed {
		panic("stack: cell already borrowed")
	}
	c.borrowed = true
	defer func() { c.borrowed = false }()
	fn(&c.v)
}

// Borrowed reports whether a borrow is open.
func (c *Cell[T]) Borrowed() bool { return c.borrowed }

// With borrows c and returns fn's result.
func With[T, R any](c *Cell[T], fn func(v *T) R) (r R) {
	c.Borrow(func(v *T) { r = fn(v) })
	return r
}
