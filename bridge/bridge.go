// Package bridge connects a network device's interrupt to the task that polls the
// protocol engine.
//
// The handler acknowledges the device and sets a notifier. It never touches the
// protocol engine or socket table: all protocol work happens in the poll task.
package bridge

import (
	"log/slog"

	"code.hybscloud.com/atomix"
	"github.com/soypat/coopnet/ethdev"
	"github.com/soypat/coopnet/internal"
	"github.com/soypat/coopnet/sched"
)

// InterruptServicer is a device that acknowledges its pending interrupt status.
// ServiceInterrupt must do a bounded amount of work and never block.
type InterruptServicer interface {
	ServiceInterrupt() ethdev.Events
}

// Bridge is the interrupt handler of a network device.
type Bridge struct {
	dev    InterruptServicer
	notify *sched.Notify
	log    *slog.Logger
	stats  struct {
		irqs  atomix.Uint32
		rx    atomix.Uint32
		tx    atomix.Uint32
		link  atomix.Uint32
		empty atomix.Uint32
	}
}

// Stats are interrupt counters.
type Stats struct {
	Interrupts uint32
	RxEvents   uint32
	TxEvents   uint32
	LinkEvents uint32
	// Spurious counts interrupts with no device event pending, usually triggers
	// coalesced into a previous run.
	Spurious uint32
}

// New returns a bridge that acknowledges dev and sets notify on every interrupt.
func New(dev InterruptServicer, notify *sched.Notify, logger *slog.Logger) *Bridge {
	if dev == nil || notify == nil {
		panic("bridge: nil device or notifier")
	}
	return &Bridge{dev: dev, notify: notify, log: logger}
}

// Handle services one interrupt. Install it as the device's irq.Line handler.
func (b *Bridge) Handle() {
	ev := b.dev.ServiceInterrupt()
	b.stats.irqs.Add(1)
	if ev == 0 {
		b.stats.empty.Add(1)
	}
	if ev.Has(ethdev.EventRx) {
		b.stats.rx.Add(1)
	}
	if ev.Has(ethdev.EventTx) {
		b.stats.tx.Add(1)
	}
	if ev.Has(ethdev.EventLink) {
		b.stats.link.Add(1)
	}
	if internal.LogEnabled(b.log, internal.LevelTrace) {
		internal.LogAttrs(b.log, internal.LevelTrace, "bridge:irq", slog.Uint64("events", uint64(ev)))
	}
	b.notify.Set()
}

// Stats returns a snapshot of the interrupt counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Interrupts: b.stats.irqs.Load(),
		RxEvents:   b.stats.rx.Load(),
		TxEvents:   b.stats.tx.Load(),
		LinkEvents: b.stats.link.Load(),
		Spurious:   b.stats.empty.Load(),
	}
}
