package stack

import (
	"log/slog"
	"time"

	"github.com/soypat/coopnet/ethdev"
	"github.com/soypat/coopnet/internal"
	"github.com/soypat/coopnet/sched"
)

const defaultPollDelay = time.Millisecond

// Poller is the body of the network task. Each run waits for whichever comes first of
// the engine's next protocol deadline and a device interrupt, then polls the engine.
type Poller struct {
	Stack  *Stack
	Device Device
	// Notify is set by the device's interrupt handler.
	Notify *sched.Notify
	// DefaultDelay bounds the wait when the engine has no protocol deadline.
	// Zero means one millisecond.
	DefaultDelay time.Duration
	Logger       *slog.Logger

	linkKnown bool
	linkUp    bool
	polls     uint64
}

// Run performs one wait-then-poll cycle. It is meant to be passed to sched.New.
func (p *Poller) Run(t *sched.Task) {
	now := t.Now()
	var delay time.Duration
	var ok bool
	p.Stack.Borrow(func(s *State) {
		delay, ok = s.Engine.PollDelay(now, &s.Sockets)
	})
	if !ok {
		delay = p.DefaultDelay
		if delay <= 0 {
			delay = defaultPollDelay
		}
	}
	src := sched.Select(t, now.Add(delay), p.Notify)
	if !p.checkLink() {
		return // No use polling the engine with the link down.
	}
	now = t.Now()
	var progressed bool
	p.Stack.Borrow(func(s *State) {
		progressed = s.Engine.Poll(now, p.Device, &s.Sockets)
	})
	p.polls++
	if internal.LogEnabled(p.Logger, internal.LevelTrace) {
		internal.LogAttrs(p.Logger, internal.LevelTrace, "poller:poll",
			slog.Bool("irq", src == 0), slog.Bool("progressed", progressed), slog.Duration("delay", delay))
	}
}

// Polls returns the number of engine polls performed.
func (p *Poller) Polls() uint64 { return p.polls }

// checkLink logs link transitions and reports whether the link is up. Devices that
// do not report link status are always up.
func (p *Poller) checkLink() (up bool) {
	ls, ok := p.Device.(ethdev.LinkStatuser)
	if !ok {
		return true
	}
	up = ls.LinkUp()
	if p.linkKnown && up == p.linkUp {
		return up
	}
	p.linkKnown = true
	p.linkUp = up
	if up {
		internal.LogAttrs(p.Logger, slog.LevelInfo, "poller:link-up")
	} else {
		internal.LogAttrs(p.Logger, slog.LevelWarn, "poller:link-down")
	}
	return up
}
